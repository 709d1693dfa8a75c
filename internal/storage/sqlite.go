package storage

import (
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

func NewSQLite(dsn string) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:apipulse.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// sqlite serialises writers anyway; one connection keeps read-then-write
	// transactions from failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	return &SQLStore{db: db, dialect: dialectSQLite}, nil
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS api_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		api_name TEXT,
		environment TEXT,
		timestamp TEXT NOT NULL,
		response_time REAL,
		status_code INTEGER,
		is_error INTEGER NOT NULL DEFAULT 0,
		request_id TEXT,
		user_id TEXT,
		additional_info TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_api_logs_ts ON api_logs(timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_api_logs_api_env_ts ON api_logs(api_name, environment, timestamp)`,
	`CREATE TABLE IF NOT EXISTS anomalies (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		api_name TEXT NOT NULL,
		environment TEXT NOT NULL,
		anomaly_type TEXT NOT NULL,
		anomaly_value REAL NOT NULL,
		anomaly_score REAL NOT NULL,
		detected_at TEXT NOT NULL,
		is_acknowledged INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_anomalies_key ON anomalies(api_name, environment, anomaly_type, detected_at)`,
	`CREATE TABLE IF NOT EXISTS alerts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		api_name TEXT NOT NULL,
		environment TEXT NOT NULL,
		alert_type TEXT NOT NULL,
		alert_message TEXT NOT NULL,
		alert_value REAL NOT NULL,
		created_at TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		severity TEXT NOT NULL DEFAULT 'medium'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_key ON alerts(api_name, environment, alert_type, created_at)`,
	`CREATE TABLE IF NOT EXISTS alert_rules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		api_name TEXT NOT NULL,
		environment TEXT NOT NULL,
		rule_type TEXT NOT NULL,
		threshold REAL NOT NULL,
		time_window INTEGER NOT NULL,
		severity TEXT NOT NULL DEFAULT 'medium',
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS predictions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		api_name TEXT NOT NULL,
		environment TEXT NOT NULL,
		prediction_type TEXT NOT NULL,
		predicted_value REAL NOT NULL,
		confidence REAL NOT NULL,
		predicted_at TEXT NOT NULL,
		prediction_for TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_predictions_at ON predictions(predicted_at)`,
	`CREATE TABLE IF NOT EXISTS trained_models (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
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
