package features

import (
	"sync"
	"time"

	"apipulse/internal/model"
)

// Window is a bounded sliding window of records ordered by arrival. It
// evicts by count and, when maxAge is set, by timestamp. Safe for concurrent
// use.
type Window struct {
	mu      sync.Mutex
	limit   int
	maxAge  time.Duration
	records []model.LogRecord
	head    int
	errors  int
	latSum  float64
	latN    int
}

func NewWindow(limit int, maxAge time.Duration) *Window {
	if limit <= 0 {
		limit = 500
	}
	return &Window{
		limit:   limit,
		maxAge:  maxAge,
		records: make([]model.LogRecord, 0, limit),
	}
}

func (w *Window) Add(rec model.LogRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.records = append(w.records, rec)
	if rec.IsError {
		w.errors++
	}
	if rec.ResponseTime != nil {
		w.latSum += *rec.ResponseTime
		w.latN++
	}
	for len(w.records)-w.head > w.limit {
		w.dropHead()
	}
	if w.maxAge > 0 {
		w.evictLocked(rec.Timestamp.Add(-w.maxAge))
	}
	w.compact()
}

// Evict drops records older than cutoff.
func (w *Window) Evict(cutoff time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evictLocked(cutoff)
	w.compact()
}

func (w *Window) evictLocked(cutoff time.Time) {
	for w.head < len(w.records) {
		if !w.records[w.head].Timestamp.Before(cutoff) {
			break
		}
		w.dropHead()
	}
}

func (w *Window) dropHead() {
	rec := w.records[w.head]
	if rec.IsError {
		w.errors--
	}
	if rec.ResponseTime != nil {
		w.latSum -= *rec.ResponseTime
		w.latN--
	}
	w.records[w.head] = model.LogRecord{}
	w.head++
}

func (w *Window) compact() {
	if w.head > 0 && w.head*2 >= len(w.records) {
		w.records = append(make([]model.LogRecord, 0, w.limit), w.records[w.head:]...)
		w.head = 0
	}
}

func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.records) - w.head
}

// Snapshot copies the live records, oldest first.
func (w *Window) Snapshot() []model.LogRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]model.LogRecord, len(w.records)-w.head)
	copy(out, w.records[w.head:])
	return out
}

type WindowStats struct {
	Count       int
	ErrorRate   float64 // percent
	MeanLatency float64
}

func (w *Window) Stats() WindowStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.records) - w.head
	st := WindowStats{Count: n}
	if n > 0 {
		st.ErrorRate = float64(w.errors) / float64(n) * 100
	}
	if w.latN > 0 {
		st.MeanLatency = w.latSum / float64(w.latN)
	}
	return st
}
