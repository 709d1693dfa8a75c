package storage

import (
	"context"
	"database/sql"
	"math"
	"strings"
	"time"

	"apipulse/internal/model"
)

const logColumns = `id, api_name, environment, timestamp, response_time, status_code, is_error, request_id, user_id, additional_info`

const insertLogSQL = `INSERT INTO api_logs (api_name, environment, timestamp, response_time, status_code, is_error, request_id, user_id, additional_info)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`

func logArgs(rec model.LogRecord) []any {
	return []any{
		nullString(rec.APIName),
		nullString(rec.Environment),
		formatTime(rec.Timestamp),
		nullFloat(rec.ResponseTime),
		nullInt(rec.StatusCode),
		rec.IsError,
		nullString(rec.RequestID),
		nullString(rec.UserID),
		nullString(rec.AdditionalInfo),
	}
}

func (s *SQLStore) InsertLog(ctx context.Context, rec model.LogRecord) (int64, error) {
	var id int64
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, s.rebind(insertLogSQL), logArgs(rec)...).Scan(&id)
	})
	return id, err
}

// InsertLogs writes a batch in one transaction and returns how many rows were
// written. The batch is all or nothing.
func (s *SQLStore) InsertLogs(ctx context.Context, recs []model.LogRecord) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, s.rebind(insertLogSQL))
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, rec := range recs {
			var id int64
			if err := stmt.QueryRowContext(ctx, logArgs(rec)...).Scan(&id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

// QueryLogs returns matching records oldest first.
func (s *SQLStore) QueryLogs(ctx context.Context, f model.LogFilter) ([]model.LogRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.APIName != "" {
		where = append(where, "api_name = ?")
		args = append(args, f.APIName)
	}
	if f.Environment != "" {
		where = append(where, "environment = ?")
		args = append(args, f.Environment)
	}
	if !f.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, formatTime(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, formatTime(f.Until))
	}
	q := "SELECT " + logColumns + " FROM api_logs"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY timestamp ASC, id ASC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	var out []model.LogRecord
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, s.rebind(q), args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			rec, err := scanLog(rows)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return rows.Err()
	})
	return out, err
}

func (s *SQLStore) LogsByEnvironment(ctx context.Context, environment string, since, until time.Time) ([]model.LogRecord, error) {
	return s.QueryLogs(ctx, model.LogFilter{Environment: environment, Since: since, Until: until})
}

func scanLog(rows *sql.Rows) (model.LogRecord, error) {
	var (
		rec                   model.LogRecord
		api, env              sql.NullString
		ts                    string
		rt                    sql.NullFloat64
		status                sql.NullInt64
		reqID, userID, extras sql.NullString
	)
	if err := rows.Scan(&rec.ID, &api, &env, &ts, &rt, &status, &rec.IsError, &reqID, &userID, &extras); err != nil {
		return rec, err
	}
	rec.APIName = api.String
	rec.Environment = env.String
	rec.Timestamp = parseTime(ts)
	if rt.Valid {
		v := rt.Float64
		rec.ResponseTime = &v
	}
	if status.Valid {
		v := int(status.Int64)
		rec.StatusCode = &v
	}
	rec.RequestID = reqID.String
	rec.UserID = userID.String
	rec.AdditionalInfo = extras.String
	return rec, nil
}

func (s *SQLStore) DistinctAPIs(ctx context.Context) ([]string, error) {
	return s.distinct(ctx, "api_name")
}

func (s *SQLStore) DistinctEnvironments(ctx context.Context) ([]string, error) {
	return s.distinct(ctx, "environment")
}

func (s *SQLStore) distinct(ctx context.Context, column string) ([]string, error) {
	var out []string
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx,
			"SELECT DISTINCT "+column+" FROM api_logs WHERE "+column+" IS NOT NULL ORDER BY "+column)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var v string
			if err := rows.Scan(&v); err != nil {
				return err
			}
			out = append(out, v)
		}
		return rows.Err()
	})
	return out, err
}

// WindowStats aggregates one (api, env) pair since the given instant.
type WindowStats struct {
	Calls           int
	AvgResponseTime float64
	ErrorRate       float64
}

func (s *SQLStore) WindowStats(ctx context.Context, apiName, environment string, since time.Time) (WindowStats, error) {
	var (
		stats    WindowStats
		avg      sql.NullFloat64
		errCount sql.NullInt64
	)
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*), AVG(response_time), SUM(CASE WHEN is_error THEN 1 ELSE 0 END)
			FROM api_logs WHERE api_name = ? AND environment = ? AND timestamp >= ?`),
			apiName, environment, formatTime(since)).Scan(&stats.Calls, &avg, &errCount)
	})
	if err != nil {
		return stats, err
	}
	stats.AvgResponseTime = avg.Float64
	if stats.Calls > 0 {
		stats.ErrorRate = float64(errCount.Int64) / float64(stats.Calls) * 100
	}
	return stats, nil
}

// HealthOverview summarises the trailing 24 hours.
func (s *SQLStore) HealthOverview(ctx context.Context) (model.HealthOverview, error) {
	var (
		out      model.HealthOverview
		avg      sql.NullFloat64
		errCount sql.NullInt64
	)
	since := formatTime(s.nowUTC().Add(-24 * time.Hour))
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx, s.rebind(`SELECT COUNT(DISTINCT api_name), COUNT(*), AVG(response_time),
			SUM(CASE WHEN is_error THEN 1 ELSE 0 END) FROM api_logs WHERE timestamp >= ?`), since)
		if err := row.Scan(&out.TotalAPIs, &out.TotalCalls, &avg, &errCount); err != nil {
			return err
		}
		return conn.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM anomalies WHERE detected_at >= ?`), since).
			Scan(&out.AnomalyCount)
	})
	if err != nil {
		return out, err
	}
	out.AvgResponseTime = round2(avg.Float64)
	if out.TotalCalls > 0 {
		out.ErrorRate = round2(float64(errCount.Int64) / float64(out.TotalCalls) * 100)
	}
	return out, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
