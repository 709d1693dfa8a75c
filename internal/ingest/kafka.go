package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"apipulse/internal/config"
	"apipulse/internal/logging"
	"apipulse/internal/normalize"
)

// StartKafka consumes the configured topic as a consumer group. Each message
// value is one payload in the configured format.
func StartKafka(ctx context.Context, cfg *config.Manager, norm *normalize.Normalizer, sink *Sink, logger *slog.Logger) error {
	if logger == nil {
		logger = logging.Discard()
	}
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		logger.Info("kafka ingest disabled")
		return nil
	}
	parser, err := NewParser(current.Format, norm)
	if err != nil {
		return err
	}
	logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	go func() {
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("kafka read error", "err", err)
				if !BackoffSleep(ctx, 500*time.Millisecond) {
					return
				}
				continue
			}
			emitLine(ctx, "kafka", m.Value, parser, sink, logger)
		}
	}()
	return nil
}
