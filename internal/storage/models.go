package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"apipulse/internal/model"
)

// SaveModel stores or replaces the artifact for m.Key.
func (s *SQLStore) SaveModel(ctx context.Context, m model.TrainedModel) error {
	if m.TrainedAt.IsZero() {
		m.TrainedAt = s.nowUTC()
	}
	return s.withConn(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, s.rebind(`INSERT INTO trained_models (api_name, environment, metric, kind, payload, samples, trained_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (api_name, environment, metric) DO UPDATE SET
				kind = excluded.kind, payload = excluded.payload, samples = excluded.samples, trained_at = excluded.trained_at`),
			m.Key.APIName, m.Key.Environment, m.Key.Metric, m.Kind, string(m.Payload), m.Samples, formatTime(m.TrainedAt))
		return err
	})
}

func (s *SQLStore) LoadModel(ctx context.Context, key model.ModelKey) (model.TrainedModel, error) {
	out := model.TrainedModel{Key: key}
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		var payload, trainedAt string
		err := conn.QueryRowContext(ctx, s.rebind(`SELECT kind, payload, samples, trained_at FROM trained_models
			WHERE api_name = ? AND environment = ? AND metric = ?`),
			key.APIName, key.Environment, key.Metric).Scan(&out.Kind, &payload, &out.Samples, &trainedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: model %s", model.ErrNotFound, key)
		}
		if err != nil {
			return err
		}
		out.Payload = []byte(payload)
		out.TrainedAt = parseTime(trainedAt)
		return nil
	})
	return out, err
}

func (s *SQLStore) DeleteModel(ctx context.Context, key model.ModelKey) error {
	return s.withConn(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, s.rebind(`DELETE FROM trained_models WHERE api_name = ? AND environment = ? AND metric = ?`),
			key.APIName, key.Environment, key.Metric)
		return err
	})
}

// DeleteModels drops every artifact of metric, or all artifacts when metric
// is empty.
func (s *SQLStore) DeleteModels(ctx context.Context, metric string) (int64, error) {
	var n int64
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		var (
			res sql.Result
			err error
		)
		if metric == "" {
			res, err = conn.ExecContext(ctx, `DELETE FROM trained_models`)
		} else {
			res, err = conn.ExecContext(ctx, s.rebind(`DELETE FROM trained_models WHERE metric = ?`), metric)
		}
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}
