// Package ingest reads API call logs from REST, TCP, tailed files and Kafka,
// parses them by format tag and hands normalized records to the pipeline.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"apipulse/internal/metrics"
	"apipulse/internal/model"
)

func SendNonBlocking(ctx context.Context, out chan<- model.LogRecord, rec model.LogRecord, logger *slog.Logger) bool {
	select {
	case out <- rec:
		return true
	case <-ctx.Done():
		return false
	default:
		metrics.RecordsDropped.WithLabelValues("channel_full").Inc()
		if logger != nil {
			logger.Warn("record channel full, dropping record", "api_name", rec.APIName, "timestamp", rec.Timestamp)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Sink is the shared exit of every source: replayed request ids are dropped,
// the rest are queued without blocking.
type Sink struct {
	out    chan<- model.LogRecord
	seen   *DedupeCache
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

func NewSink(out chan<- model.LogRecord, dedupTTL time.Duration, logger *slog.Logger) *Sink {
	return &Sink{
		out:    out,
		seen:   NewDedupeCache(),
		ttl:    dedupTTL,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Emit queues recs and reports how many were accepted and dropped.
func (s *Sink) Emit(ctx context.Context, source string, recs []model.LogRecord) (accepted, dropped int) {
	for _, rec := range recs {
		if s.ttl > 0 && rec.RequestID != "" && s.seen.Seen(rec.RequestID, s.now(), s.ttl) {
			metrics.RecordsDropped.WithLabelValues("duplicate").Inc()
			dropped++
			continue
		}
		if !SendNonBlocking(ctx, s.out, rec, s.logger) {
			dropped++
			continue
		}
		metrics.RecordsIngested.WithLabelValues(source).Inc()
		accepted++
	}
	return accepted, dropped
}
