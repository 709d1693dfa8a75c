package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"apipulse/internal/model"
)

// The insert and the duplicate check are one statement, so two concurrent
// detectors cannot both write the same key inside the window.
const insertAnomalyDedupSQL = `INSERT INTO anomalies (api_name, environment, anomaly_type, anomaly_value, anomaly_score, detected_at)
	SELECT CAST(? AS TEXT), CAST(? AS TEXT), CAST(? AS TEXT), CAST(? AS DOUBLE PRECISION), CAST(? AS DOUBLE PRECISION), CAST(? AS TEXT)
	WHERE NOT EXISTS (
		SELECT 1 FROM anomalies
		WHERE api_name = ? AND environment = ? AND anomaly_type = ?
		AND detected_at >= ? AND detected_at <= ?
	)
	RETURNING id`

// InsertAnomaly persists a unless a row with the same (api, env, type) lies
// within ±window of a.DetectedAt. inserted is false for a suppressed
// duplicate.
func (s *SQLStore) InsertAnomaly(ctx context.Context, a model.AnomalyRecord, window time.Duration) (id int64, inserted bool, err error) {
	at := a.DetectedAt.UTC()
	err = s.withConn(ctx, func(conn *sql.Conn) error {
		scanErr := conn.QueryRowContext(ctx, s.rebind(insertAnomalyDedupSQL),
			a.APIName, a.Environment, string(a.AnomalyType), a.AnomalyValue, a.AnomalyScore, formatTime(at),
			a.APIName, a.Environment, string(a.AnomalyType), formatTime(at.Add(-window)), formatTime(at.Add(window)),
		).Scan(&id)
		if errors.Is(scanErr, sql.ErrNoRows) {
			return nil
		}
		if scanErr != nil {
			return scanErr
		}
		inserted = true
		return nil
	})
	return id, inserted, err
}

func (s *SQLStore) AcknowledgeAnomaly(ctx context.Context, id int64) error {
	return s.withConn(ctx, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, s.rebind(`UPDATE anomalies SET is_acknowledged = ? WHERE id = ?`), true, id)
		if err != nil {
			return err
		}
		return requireRow(res, "anomaly", id)
	})
}

// RecentAnomalies returns anomalies detected in the last hours, newest first.
func (s *SQLStore) RecentAnomalies(ctx context.Context, hours int) ([]model.AnomalyRecord, error) {
	if hours <= 0 {
		hours = 24
	}
	since := formatTime(s.nowUTC().Add(-time.Duration(hours) * time.Hour))
	var out []model.AnomalyRecord
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, s.rebind(`SELECT id, api_name, environment, anomaly_type, anomaly_value, anomaly_score, detected_at, is_acknowledged
			FROM anomalies WHERE detected_at >= ? ORDER BY detected_at DESC, id DESC`), since)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				a   model.AnomalyRecord
				typ string
				ts  string
			)
			if err := rows.Scan(&a.ID, &a.APIName, &a.Environment, &typ, &a.AnomalyValue, &a.AnomalyScore, &ts, &a.IsAcknowledged); err != nil {
				return err
			}
			a.AnomalyType = model.AnomalyType(typ)
			a.DetectedAt = parseTime(ts)
			out = append(out, a)
		}
		return rows.Err()
	})
	return out, err
}

func requireRow(res sql.Result, what string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %d", model.ErrNotFound, what, id)
	}
	return nil
}
