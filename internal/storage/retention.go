package storage

import (
	"context"
	"database/sql"
	"time"

	"apipulse/internal/model"
)

// Cleanup deletes rows older than daysToKeep. Alerts go only once inactive;
// alert rules are only ever deleted explicitly.
func (s *SQLStore) Cleanup(ctx context.Context, daysToKeep int) (model.CleanupResult, error) {
	var out model.CleanupResult
	if daysToKeep <= 0 {
		daysToKeep = 30
	}
	cutoff := formatTime(s.nowUTC().Add(-time.Duration(daysToKeep) * 24 * time.Hour))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		steps := []struct {
			query string
			args  []any
			dst   *int64
		}{
			{`DELETE FROM api_logs WHERE timestamp < ?`, []any{cutoff}, &out.LogsDeleted},
			{`DELETE FROM anomalies WHERE detected_at < ?`, []any{cutoff}, &out.AnomaliesDeleted},
			{`DELETE FROM alerts WHERE created_at < ? AND is_active = ?`, []any{cutoff, false}, &out.AlertsDeleted},
			{`DELETE FROM predictions WHERE predicted_at < ?`, []any{cutoff}, &out.PredictionsDeleted},
		}
		for _, step := range steps {
			res, err := tx.ExecContext(ctx, s.rebind(step.query), step.args...)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			*step.dst = n
		}
		return nil
	})
	if err != nil {
		return model.CleanupResult{}, err
	}
	return out, nil
}
