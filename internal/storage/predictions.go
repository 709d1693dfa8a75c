package storage

import (
	"context"
	"database/sql"
	"strings"

	"apipulse/internal/model"
)

func (s *SQLStore) InsertPrediction(ctx context.Context, p model.Prediction) (int64, error) {
	if p.PredictedAt.IsZero() {
		p.PredictedAt = s.nowUTC()
	}
	var id int64
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, s.rebind(`INSERT INTO predictions (api_name, environment, prediction_type, predicted_value, confidence, predicted_at, prediction_for)
			VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`),
			p.APIName, p.Environment, string(p.PredictionType), p.PredictedValue, p.Confidence,
			formatTime(p.PredictedAt), formatTime(p.PredictionFor)).Scan(&id)
	})
	return id, err
}

// RecentPredictions returns predictions newest first, 100 by default.
func (s *SQLStore) RecentPredictions(ctx context.Context, f model.PredictionFilter) ([]model.Prediction, error) {
	var (
		where []string
		args  []any
	)
	if f.PredictionType != "" {
		where = append(where, "prediction_type = ?")
		args = append(args, string(f.PredictionType))
	}
	if f.APIName != "" {
		where = append(where, "api_name = ?")
		args = append(args, f.APIName)
	}
	if f.Environment != "" {
		where = append(where, "environment = ?")
		args = append(args, f.Environment)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT id, api_name, environment, prediction_type, predicted_value, confidence, predicted_at, prediction_for FROM predictions`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY predicted_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	var out []model.Prediction
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, s.rebind(q), args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				p        model.Prediction
				typ      string
				at, forT string
			)
			if err := rows.Scan(&p.ID, &p.APIName, &p.Environment, &typ, &p.PredictedValue, &p.Confidence, &at, &forT); err != nil {
				return err
			}
			p.PredictionType = model.PredictionType(typ)
			p.PredictedAt = parseTime(at)
			p.PredictionFor = parseTime(forT)
			out = append(out, p)
		}
		return rows.Err()
	})
	return out, err
}
