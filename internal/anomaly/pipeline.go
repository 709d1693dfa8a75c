package anomaly

import (
	"context"
	"log/slog"
	"time"

	"apipulse/internal/config"
	"apipulse/internal/features"
	"apipulse/internal/logging"
	"apipulse/internal/metrics"
	"apipulse/internal/model"
)

// LogWriter persists ingested records in batches.
type LogWriter interface {
	InsertLogs(ctx context.Context, recs []model.LogRecord) (int, error)
}

// Pipeline drains ingest sources: it batches records into the store, runs
// the stream scorer and keeps per-key live stats.
type Pipeline struct {
	logger    *slog.Logger
	store     LogWriter
	scorer    *StreamScorer
	verdicts  *VerdictLog
	live      *metrics.Store
	windows   map[string]*features.Window
	batchSize int
	flush     time.Duration
	winSize   int
	winAge    time.Duration
	batch     []model.LogRecord
}

func NewPipeline(cfg *config.Config, store LogWriter, live *metrics.Store, verdicts *VerdictLog, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	p := &Pipeline{
		logger:    logger,
		store:     store,
		verdicts:  verdicts,
		live:      live,
		windows:   make(map[string]*features.Window),
		batchSize: cfg.Ingest.BatchSize,
		flush:     cfg.Ingest.FlushInterval,
		winSize:   cfg.Detection.Stream.WindowSize,
		winAge:    cfg.Detection.Stream.MaxAge,
	}
	if cfg.Detection.Stream.Enabled {
		p.scorer = NewStreamScorer(cfg.Detection.Stream)
	}
	if p.batchSize <= 0 {
		p.batchSize = 200
	}
	if p.flush <= 0 {
		p.flush = time.Second
	}
	return p
}

// Run blocks until ctx is cancelled or in is closed, flushing what is left.
func (p *Pipeline) Run(ctx context.Context, in <-chan model.LogRecord) error {
	ticker := time.NewTicker(p.flush)
	defer ticker.Stop()
	for {
		select {
		case rec, ok := <-in:
			if !ok {
				p.flushBatch(context.Background())
				return nil
			}
			p.Process(ctx, rec)
		case <-ticker.C:
			p.flushBatch(ctx)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			p.flushBatch(flushCtx)
			cancel()
			return ctx.Err()
		}
	}
}

// Process handles one record. Only Run's goroutine may call it.
func (p *Pipeline) Process(ctx context.Context, rec model.LogRecord) {
	p.batch = append(p.batch, rec)
	if len(p.batch) >= p.batchSize {
		p.flushBatch(ctx)
	}

	severity := ""
	if p.scorer != nil {
		if v, ok := p.scorer.Observe(rec); ok {
			severity = v.Severity
			metrics.StreamVerdicts.WithLabelValues(v.Severity).Inc()
			if v.Severity != VerdictNormal {
				if p.verdicts != nil {
					p.verdicts.Add(v)
				}
				p.logger.Warn("stream outlier",
					"api_name", rec.APIName,
					"environment", rec.Environment,
					"severity", v.Severity,
					"status_code", rec.Status(),
					"response_time", rec.ResponseTimeMS(),
					"score", v.Score,
				)
			}
		}
	}

	if p.live == nil {
		return
	}
	key := rec.APIName + "|" + rec.Environment
	w, ok := p.windows[key]
	if !ok {
		w = features.NewWindow(p.winSize, p.winAge)
		p.windows[key] = w
	}
	w.Add(rec)
	st := w.Stats()
	p.live.Update(metrics.LiveStats{
		APIName:      rec.APIName,
		Environment:  rec.Environment,
		Count:        st.Count,
		ErrorRate:    st.ErrorRate,
		MeanLatency:  st.MeanLatency,
		LastSeverity: severity,
	})
}

func (p *Pipeline) flushBatch(ctx context.Context) {
	if len(p.batch) == 0 {
		return
	}
	n, err := p.store.InsertLogs(ctx, p.batch)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("insert_logs").Inc()
		metrics.RecordsDropped.WithLabelValues("store_error").Add(float64(len(p.batch)))
		p.logger.Error("persist log batch failed", "records", len(p.batch), "err", err)
	} else {
		metrics.RecordsPersisted.Add(float64(n))
	}
	p.batch = p.batch[:0]
}
