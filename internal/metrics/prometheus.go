package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RecordsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apipulse_records_ingested_total",
			Help: "Log records accepted by an ingest source",
		},
		[]string{"source"},
	)

	RecordsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apipulse_records_dropped_total",
			Help: "Log records dropped before persistence",
		},
		[]string{"reason"},
	)

	RecordsPersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "apipulse_records_persisted_total",
			Help: "Log records written to the store",
		},
	)

	AnomaliesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apipulse_anomalies_detected_total",
			Help: "Anomaly candidates flagged by a detector",
		},
		[]string{"type"},
	)

	AnomaliesPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apipulse_anomalies_persisted_total",
			Help: "Anomalies written after deduplication",
		},
		[]string{"type"},
	)

	DetectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "apipulse_detection_duration_seconds",
			Help:    "Duration of one detector run",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"type"},
	)

	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apipulse_alerts_total",
			Help: "Alert rule outcomes",
		},
		[]string{"action", "severity"},
	)

	ModelTrainings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apipulse_model_trainings_total",
			Help: "Models trained, by metric",
		},
		[]string{"metric"},
	)

	ModelCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apipulse_model_cache_lookups_total",
			Help: "Model store lookups by tier",
		},
		[]string{"tier"},
	)

	ForecastDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "apipulse_forecast_duration_seconds",
			Help:    "Duration of one forecast",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"type", "status"},
	)

	StreamVerdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apipulse_stream_verdicts_total",
			Help: "Live stream scorer verdicts by severity",
		},
		[]string{"severity"},
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apipulse_store_errors_total",
			Help: "Failed store operations",
		},
		[]string{"op"},
	)

	RetentionDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apipulse_retention_deleted_total",
			Help: "Rows removed by retention, by table",
		},
		[]string{"table"},
	)
)
