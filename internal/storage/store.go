package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"apipulse/internal/config"
	"apipulse/internal/model"
)

// TimeLayout is the fixed-width text form of every stored timestamp. Lexical
// order of two values equals their chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// SQLStore is the relational log, anomaly, alert, prediction and model store.
// The same SQL runs on sqlite and postgres; placeholders are rebound per
// dialect.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

func NewStore(cfg config.StorageConfig) (*SQLStore, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: unsupported storage driver %q", model.ErrConfiguration, cfg.Driver)
	}
}

func (s *SQLStore) Init(ctx context.Context) error {
	stmts := sqliteSchema
	if s.dialect == dialectPostgres {
		stmts = postgresSchema
	}
	return s.withConn(ctx, func(conn *sql.Conn) error {
		for _, stmt := range stmts {
			if _, err := conn.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SetClock overrides the wall clock used for retention and health windows.
func (s *SQLStore) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *SQLStore) nowUTC() time.Time {
	if s.now == nil {
		return time.Now().UTC()
	}
	return s.now().UTC()
}

// withConn runs fn on a connection checked out of the pool and always
// returns it, whatever fn does.
func (s *SQLStore) withConn(ctx context.Context, fn func(conn *sql.Conn) error) error {
	if s.db == nil {
		return fmt.Errorf("%w: store not open", model.ErrPersistence)
	}
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return persistErr("acquire connection", err)
	}
	defer conn.Close()
	if err := fn(conn); err != nil {
		if errors.Is(err, model.ErrNotFound) || errors.Is(err, model.ErrPersistence) || errors.Is(err, model.ErrConfiguration) {
			return err
		}
		return persistErr("query", err)
	}
	return nil
}

// withTx is withConn plus a transaction that commits when fn returns nil.
func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.withConn(ctx, func(conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

// rebind rewrites '?' placeholders to '$n' for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func persistErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", model.ErrPersistence, op, err)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
