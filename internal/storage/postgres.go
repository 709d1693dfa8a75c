package storage

import (
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func NewPostgres(dsn string) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/apipulse?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	return &SQLStore{db: db, dialect: dialectPostgres}, nil
}

// Timestamps stay TEXT here too so range predicates and retention share one
// SQL body with sqlite.
var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS api_logs (
		id BIGSERIAL PRIMARY KEY,
		api_name TEXT,
		environment TEXT,
		timestamp TEXT NOT NULL,
		response_time DOUBLE PRECISION,
		status_code INTEGER,
		is_error BOOLEAN NOT NULL DEFAULT FALSE,
		request_id TEXT,
		user_id TEXT,
		additional_info TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_api_logs_ts ON api_logs(timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_api_logs_api_env_ts ON api_logs(api_name, environment, timestamp)`,
	`CREATE TABLE IF NOT EXISTS anomalies (
		id BIGSERIAL PRIMARY KEY,
		api_name TEXT NOT NULL,
		environment TEXT NOT NULL,
		anomaly_type TEXT NOT NULL,
		anomaly_value DOUBLE PRECISION NOT NULL,
		anomaly_score DOUBLE PRECISION NOT NULL,
		detected_at TEXT NOT NULL,
		is_acknowledged BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_anomalies_key ON anomalies(api_name, environment, anomaly_type, detected_at)`,
	`CREATE TABLE IF NOT EXISTS alerts (
		id BIGSERIAL PRIMARY KEY,
		api_name TEXT NOT NULL,
		environment TEXT NOT NULL,
		alert_type TEXT NOT NULL,
		alert_message TEXT NOT NULL,
		alert_value DOUBLE PRECISION NOT NULL,
		created_at TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		severity TEXT NOT NULL DEFAULT 'medium'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_key ON alerts(api_name, environment, alert_type, created_at)`,
	`CREATE TABLE IF NOT EXISTS alert_rules (
		id BIGSERIAL PRIMARY KEY,
		api_name TEXT NOT NULL,
		environment TEXT NOT NULL,
		rule_type TEXT NOT NULL,
		threshold DOUBLE PRECISION NOT NULL,
		time_window INTEGER NOT NULL,
		severity TEXT NOT NULL DEFAULT 'medium',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS predictions (
		id BIGSERIAL PRIMARY KEY,
		api_name TEXT NOT NULL,
		environment TEXT NOT NULL,
		prediction_type TEXT NOT NULL,
		predicted_value DOUBLE PRECISION NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		predicted_at TEXT NOT NULL,
		prediction_for TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_predictions_at ON predictions(predicted_at)`,
	`CREATE TABLE IF NOT EXISTS trained_models (
		id BIGSERIAL PRIMARY KEY,
		api_name TEXT NOT NULL,
		environment TEXT NOT NULL,
		metric TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		samples INTEGER NOT NULL,
		trained_at TEXT NOT NULL,
		UNIQUE(api_name, environment, metric)
	)`,
}
