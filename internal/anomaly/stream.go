package anomaly

import (
	"sync"
	"time"

	"apipulse/internal/config"
	"apipulse/internal/features"
	"apipulse/internal/ml"
	"apipulse/internal/model"
)

const (
	VerdictNormal   = "normal"
	VerdictWarning  = "warning"
	VerdictError    = "error"
	VerdictCritical = "critical"
)

// Verdict is the live classification of the newest record in the stream
// window. Verdicts are not persisted.
type Verdict struct {
	Record   model.LogRecord `json:"record"`
	Severity string          `json:"severity"`
	Outlier  bool            `json:"outlier"`
	Score    float64         `json:"score"`
	At       time.Time       `json:"at"`
}

// StreamScorer refits a Local Outlier Factor model over a bounded window on
// every record and classifies the newest one.
type StreamScorer struct {
	mu            sync.Mutex
	window        *features.Window
	neighbors     int
	contamination float64
	keywords      []string
}

func NewStreamScorer(cfg config.StreamConfig) *StreamScorer {
	k := cfg.Neighbors
	if k <= 0 {
		k = 15
	}
	c := cfg.Contamination
	if c <= 0 || c >= 0.5 {
		c = 0.1
	}
	return &StreamScorer{
		window:        features.NewWindow(cfg.WindowSize, cfg.MaxAge),
		neighbors:     k,
		contamination: c,
		keywords:      cfg.RiskKeywords,
	}
}

// Observe adds rec to the window. ok is false until the window holds at
// least as many records as the neighbourhood size.
func (s *StreamScorer) Observe(rec model.LogRecord) (v Verdict, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.window.Add(rec)
	snap := s.window.Snapshot()
	if len(snap) < s.neighbors {
		return Verdict{}, false
	}
	rows := make([][]float64, len(snap))
	for i, r := range snap {
		rows[i] = features.StreamVector(r, s.keywords)
	}
	scaled, _ := ml.FitTransform(rows)
	m, err := ml.FitLOF(scaled, s.neighbors, s.contamination)
	if err != nil {
		return Verdict{}, false
	}
	dec := m.TrainingDecision()
	score := dec[len(dec)-1]
	outlier := score < 0
	return Verdict{
		Record:   rec,
		Severity: classify(outlier, rec),
		Outlier:  outlier,
		Score:    score,
		At:       time.Now().UTC(),
	}, true
}

func classify(outlier bool, rec model.LogRecord) string {
	if !outlier {
		return VerdictNormal
	}
	status := rec.Status()
	switch {
	case status >= 500:
		return VerdictCritical
	case status >= 400:
		return VerdictError
	default:
		return VerdictWarning
	}
}

// VerdictLog is a fixed-size ring of recent non-normal verdicts.
type VerdictLog struct {
	mu    sync.RWMutex
	buf   []Verdict
	limit int
}

func NewVerdictLog(limit int) *VerdictLog {
	if limit <= 0 {
		limit = 1000
	}
	return &VerdictLog{limit: limit}
}

func (l *VerdictLog) Add(v Verdict) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buf) < l.limit {
		l.buf = append(l.buf, v)
		return
	}
	copy(l.buf, l.buf[1:])
	l.buf[len(l.buf)-1] = v
}

// List returns up to limit of the newest verdicts, oldest first.
func (l *VerdictLog) List(limit int) []Verdict {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if limit <= 0 || limit > len(l.buf) {
		limit = len(l.buf)
	}
	out := make([]Verdict, limit)
	copy(out, l.buf[len(l.buf)-limit:])
	return out
}

func (l *VerdictLog) Since(ts time.Time) []Verdict {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Verdict, 0)
	for _, v := range l.buf {
		if !v.At.Before(ts) {
			out = append(out, v)
		}
	}
	return out
}

func (l *VerdictLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf = nil
}
