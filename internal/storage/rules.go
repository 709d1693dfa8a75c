package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"apipulse/internal/model"
)

const ruleColumns = `id, api_name, environment, rule_type, threshold, time_window, severity, is_active, created_at, updated_at`

// DefaultRules are seeded into an empty alert_rules table.
func DefaultRules() []model.AlertRule {
	return []model.AlertRule{
		{APIName: model.Wildcard, Environment: model.Wildcard, RuleType: string(model.AnomalyResponseTime), Threshold: 500, TimeWindowMinutes: 15, Severity: model.SeverityMedium, IsActive: true},
		{APIName: model.Wildcard, Environment: model.Wildcard, RuleType: string(model.AnomalyErrorRate), Threshold: 5, TimeWindowMinutes: 15, Severity: model.SeverityHigh, IsActive: true},
		{APIName: model.Wildcard, Environment: model.Wildcard, RuleType: string(model.AnomalyPatternChange), Threshold: 30, TimeWindowMinutes: 1440, Severity: model.SeverityMedium, IsActive: true},
	}
}

// SeedDefaultRules inserts DefaultRules when the table is empty and reports
// how many rows it wrote.
func (s *SQLStore) SeedDefaultRules(ctx context.Context) (int, error) {
	seeded := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM alert_rules`).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		now := formatTime(s.nowUTC())
		for _, r := range DefaultRules() {
			if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO alert_rules (api_name, environment, rule_type, threshold, time_window, severity, is_active, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
				r.APIName, r.Environment, r.RuleType, r.Threshold, r.TimeWindowMinutes, string(r.Severity), r.IsActive, now, now); err != nil {
				return err
			}
			seeded++
		}
		return nil
	})
	return seeded, err
}

func (s *SQLStore) AddRule(ctx context.Context, r model.AlertRule) (model.AlertRule, error) {
	if r.APIName == "" {
		r.APIName = model.Wildcard
	}
	if r.Environment == "" {
		r.Environment = model.Wildcard
	}
	if r.RuleType == "" {
		return r, fmt.Errorf("%w: rule_type required", model.ErrConfiguration)
	}
	if r.TimeWindowMinutes <= 0 {
		r.TimeWindowMinutes = 15
	}
	if r.Severity == "" {
		r.Severity = model.SeverityMedium
	} else if _, ok := model.ParseSeverity(string(r.Severity)); !ok {
		return r, fmt.Errorf("%w: unknown severity %q", model.ErrConfiguration, r.Severity)
	}
	now := s.nowUTC()
	r.CreatedAt, r.UpdatedAt = now, now
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, s.rebind(`INSERT INTO alert_rules (api_name, environment, rule_type, threshold, time_window, severity, is_active, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
			r.APIName, r.Environment, r.RuleType, r.Threshold, r.TimeWindowMinutes, string(r.Severity), r.IsActive,
			formatTime(now), formatTime(now)).Scan(&r.ID)
	})
	return r, err
}

// UpdateRule applies the non-nil fields of u and returns the stored rule.
func (s *SQLStore) UpdateRule(ctx context.Context, id int64, u model.RuleUpdate) (model.AlertRule, error) {
	var (
		sets []string
		args []any
	)
	if u.Threshold != nil {
		sets = append(sets, "threshold = ?")
		args = append(args, *u.Threshold)
	}
	if u.TimeWindowMinutes != nil {
		sets = append(sets, "time_window = ?")
		args = append(args, *u.TimeWindowMinutes)
	}
	if u.Severity != nil {
		if _, ok := model.ParseSeverity(string(*u.Severity)); !ok {
			return model.AlertRule{}, fmt.Errorf("%w: unknown severity %q", model.ErrConfiguration, *u.Severity)
		}
		sets = append(sets, "severity = ?")
		args = append(args, string(*u.Severity))
	}
	if u.IsActive != nil {
		sets = append(sets, "is_active = ?")
		args = append(args, *u.IsActive)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, formatTime(s.nowUTC()), id)

	var out model.AlertRule
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind("UPDATE alert_rules SET "+strings.Join(sets, ", ")+" WHERE id = ?"), args...)
		if err != nil {
			return err
		}
		if err := requireRow(res, "alert rule", id); err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, s.rebind("SELECT "+ruleColumns+" FROM alert_rules WHERE id = ?"), id)
		if err != nil {
			return err
		}
		defer rows.Close()
		if !rows.Next() {
			if err := rows.Err(); err != nil {
				return err
			}
			return fmt.Errorf("%w: alert rule %d", model.ErrNotFound, id)
		}
		out, err = scanRule(rows)
		return err
	})
	return out, err
}

func (s *SQLStore) DeleteRule(ctx context.Context, id int64) error {
	return s.withConn(ctx, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, s.rebind(`DELETE FROM alert_rules WHERE id = ?`), id)
		if err != nil {
			return err
		}
		return requireRow(res, "alert rule", id)
	})
}

// ListRules returns rules newest first. An api or env filter also matches
// wildcard rules.
func (s *SQLStore) ListRules(ctx context.Context, f model.RuleFilter) ([]model.AlertRule, error) {
	var (
		where []string
		args  []any
	)
	if f.APIName != "" {
		where = append(where, "(api_name = ? OR api_name = ?)")
		args = append(args, f.APIName, model.Wildcard)
	}
	if f.Environment != "" {
		where = append(where, "(environment = ? OR environment = ?)")
		args = append(args, f.Environment, model.Wildcard)
	}
	if f.RuleType != "" {
		where = append(where, "rule_type = ?")
		args = append(args, f.RuleType)
	}
	if f.ActiveOnly {
		where = append(where, "is_active = ?")
		args = append(args, true)
	}
	q := "SELECT " + ruleColumns + " FROM alert_rules"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC"

	var out []model.AlertRule
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, s.rebind(q), args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanRule(rows)
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}

func (s *SQLStore) GetRule(ctx context.Context, id int64) (model.AlertRule, error) {
	var out model.AlertRule
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, s.rebind("SELECT "+ruleColumns+" FROM alert_rules WHERE id = ?"), id)
		if err != nil {
			return err
		}
		defer rows.Close()
		if !rows.Next() {
			if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
				return err
			}
			return fmt.Errorf("%w: alert rule %d", model.ErrNotFound, id)
		}
		out, err = scanRule(rows)
		return err
	})
	return out, err
}

func scanRule(rows *sql.Rows) (model.AlertRule, error) {
	var (
		r                model.AlertRule
		sev              string
		created, updated string
	)
	if err := rows.Scan(&r.ID, &r.APIName, &r.Environment, &r.RuleType, &r.Threshold, &r.TimeWindowMinutes, &sev, &r.IsActive, &created, &updated); err != nil {
		return r, err
	}
	r.Severity = model.Severity(sev)
	r.CreatedAt = parseTime(created)
	r.UpdatedAt = parseTime(updated)
	return r, nil
}
