package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"apipulse/internal/model"
)

const alertColumns = `id, api_name, environment, alert_type, alert_message, alert_value, created_at, is_active, severity`

// UpsertAlert keeps at most one active alert per (api, env, type) inside
// window: an active row created within window before a.CreatedAt is updated
// in place, otherwise a new row is inserted. A refresh never moves created_at
// backwards. The lookup and the write share a transaction.
func (s *SQLStore) UpsertAlert(ctx context.Context, a model.AlertRecord, window time.Duration) (model.AlertRecord, bool, error) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.nowUTC()
	}
	if a.Severity == "" {
		a.Severity = model.SeverityMedium
	}
	a.IsActive = true
	created := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			id int64
			ts string
		)
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT id, created_at FROM alerts
			WHERE api_name = ? AND environment = ? AND alert_type = ? AND is_active = ? AND created_at >= ?
			ORDER BY created_at DESC, id DESC LIMIT 1`),
			a.APIName, a.Environment, a.AlertType, true, formatTime(a.CreatedAt.Add(-window))).Scan(&id, &ts)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			created = true
			return tx.QueryRowContext(ctx, s.rebind(`INSERT INTO alerts (api_name, environment, alert_type, alert_message, alert_value, created_at, is_active, severity)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
				a.APIName, a.Environment, a.AlertType, a.Message, a.Value, formatTime(a.CreatedAt), true, string(a.Severity)).Scan(&a.ID)
		case err != nil:
			return err
		}
		a.ID = id
		// created_at only moves forward.
		if existing := parseTime(ts); existing.After(a.CreatedAt) {
			a.CreatedAt = existing
		}
		_, err = tx.ExecContext(ctx, s.rebind(`UPDATE alerts SET alert_message = ?, alert_value = ?, severity = ?, created_at = ? WHERE id = ?`),
			a.Message, a.Value, string(a.Severity), formatTime(a.CreatedAt), id)
		return err
	})
	if err != nil {
		return model.AlertRecord{}, false, err
	}
	return a, created, nil
}

func (s *SQLStore) ResolveAlert(ctx context.Context, id int64) error {
	return s.withConn(ctx, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, s.rebind(`UPDATE alerts SET is_active = ? WHERE id = ?`), false, id)
		if err != nil {
			return err
		}
		return requireRow(res, "alert", id)
	})
}

// ResolveActive deactivates every active alert for the key and reports how
// many rows changed.
func (s *SQLStore) ResolveActive(ctx context.Context, apiName, environment, alertType string) (int64, error) {
	var n int64
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, s.rebind(`UPDATE alerts SET is_active = ?
			WHERE api_name = ? AND environment = ? AND alert_type = ? AND is_active = ?`),
			false, apiName, environment, alertType, true)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// ActiveAlerts lists active alerts newest first; empty filters match all.
func (s *SQLStore) ActiveAlerts(ctx context.Context, apiName, environment string) ([]model.AlertRecord, error) {
	where := []string{"is_active = ?"}
	args := []any{true}
	if apiName != "" {
		where = append(where, "api_name = ?")
		args = append(args, apiName)
	}
	if environment != "" {
		where = append(where, "environment = ?")
		args = append(args, environment)
	}
	q := "SELECT " + alertColumns + " FROM alerts WHERE " + strings.Join(where, " AND ") + " ORDER BY created_at DESC, id DESC"
	var out []model.AlertRecord
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, s.rebind(q), args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				a   model.AlertRecord
				ts  string
				sev string
			)
			if err := rows.Scan(&a.ID, &a.APIName, &a.Environment, &a.AlertType, &a.Message, &a.Value, &ts, &a.IsActive, &sev); err != nil {
				return err
			}
			a.CreatedAt = parseTime(ts)
			a.Severity = model.Severity(sev)
			out = append(out, a)
		}
		return rows.Err()
	})
	return out, err
}
