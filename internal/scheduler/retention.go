package scheduler

import (
	"context"
	"log/slog"

	"apipulse/internal/metrics"
)

// RunRetention deletes rows older than daysToKeep and records per-table
// counts.
func RunRetention(ctx context.Context, cleaner Cleaner, daysToKeep int, logger *slog.Logger) error {
	res, err := cleaner.Cleanup(ctx, daysToKeep)
	if err != nil {
		return err
	}
	metrics.RetentionDeleted.WithLabelValues("api_logs").Add(float64(res.LogsDeleted))
	metrics.RetentionDeleted.WithLabelValues("anomalies").Add(float64(res.AnomaliesDeleted))
	metrics.RetentionDeleted.WithLabelValues("alerts").Add(float64(res.AlertsDeleted))
	metrics.RetentionDeleted.WithLabelValues("predictions").Add(float64(res.PredictionsDeleted))
	logger.Info("retention cleanup complete",
		"days_to_keep", daysToKeep,
		"logs", res.LogsDeleted,
		"anomalies", res.AnomaliesDeleted,
		"alerts", res.AlertsDeleted,
		"predictions", res.PredictionsDeleted,
	)
	return nil
}
