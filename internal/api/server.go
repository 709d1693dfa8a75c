package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"apipulse/internal/anomaly"
	"apipulse/internal/config"
	"apipulse/internal/forecast"
	"apipulse/internal/logging"
	"apipulse/internal/metrics"
	"apipulse/internal/model"
	"apipulse/internal/scheduler"
)

// Store is the read side of the log store the query routes use.
type Store interface {
	Ping(ctx context.Context) error
	DistinctAPIs(ctx context.Context) ([]string, error)
	DistinctEnvironments(ctx context.Context) ([]string, error)
	HealthOverview(ctx context.Context) (model.HealthOverview, error)
	LogsByEnvironment(ctx context.Context, environment string, since, until time.Time) ([]model.LogRecord, error)
	RecentPredictions(ctx context.Context, f model.PredictionFilter) ([]model.Prediction, error)
}

type Detector interface {
	DetectResponseTime(ctx context.Context, q anomaly.Query) (anomaly.Result, error)
	DetectErrorRate(ctx context.Context, q anomaly.Query) (anomaly.Result, error)
	DetectPatternChange(ctx context.Context, q anomaly.Query) (anomaly.Result, error)
	Recent(ctx context.Context, hours int) ([]model.AnomalyRecord, error)
	Acknowledge(ctx context.Context, id int64) error
	Retrain(ctx context.Context, q anomaly.Query) (anomaly.Result, error)
	ClearModels(ctx context.Context) error
}

type Forecaster interface {
	ForecastResponseTime(ctx context.Context, apiName, environment string, horizon int) (forecast.Forecast, error)
	ForecastErrorRate(ctx context.Context, apiName, environment string, horizon int) (forecast.Forecast, error)
	Journey(ctx context.Context, name string, apis []string, environment string, horizon int) (forecast.JourneyForecast, error)
	Retrain(ctx context.Context, apiName, environment string) error
}

type Alerts interface {
	Rules(ctx context.Context, f model.RuleFilter) ([]model.AlertRule, error)
	Rule(ctx context.Context, id int64) (model.AlertRule, error)
	AddRule(ctx context.Context, r model.AlertRule) (model.AlertRule, error)
	UpdateRule(ctx context.Context, id int64, u model.RuleUpdate) (model.AlertRule, error)
	DeleteRule(ctx context.Context, id int64) error
	Resolve(ctx context.Context, id int64) error
	Active(ctx context.Context, apiName, environment string) ([]model.AlertRecord, error)
}

type Jobs interface {
	Status() []scheduler.RunInfo
	Trigger(ctx context.Context, name string) error
}

// Deps wires the server to the rest of the process. Nil components leave
// their routes answering 503.
type Deps struct {
	Store      Store
	Detector   Detector
	Forecaster Forecaster
	Alerts     Alerts
	Jobs       Jobs
	Live       *metrics.Store
	Verdicts   *anomaly.VerdictLog
	Ingest     http.Handler

	// Reconfigure receives a config accepted through the API.
	Reconfigure func(*config.Config)
}

type Server struct {
	cfg     *config.Manager
	deps    Deps
	logger  *slog.Logger
	version string
	started time.Time
}

func NewServer(cfg *config.Manager, deps Deps, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		version: version,
		started: time.Now().UTC(),
	}
}

// Routes builds the chi router for every endpoint.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.Handler())
	if s.deps.Ingest != nil {
		r.Method(http.MethodPost, "/ingest", s.deps.Ingest)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Get("/status", s.handleStatus)
		r.Get("/health", s.handleHealth)
		r.Get("/apis", s.handleAPIs)
		r.Get("/environments", s.handleEnvironments)
		r.Get("/logs", s.handleLogs)

		r.Get("/anomalies", s.handleAnomalies)
		r.Post("/anomalies/{id}/acknowledge", s.handleAcknowledge)
		r.Get("/detect/{type}", s.handleDetect)

		r.Get("/alerts", s.handleAlerts)
		r.Post("/alerts/{id}/resolve", s.handleResolve)

		r.Route("/rules", func(r chi.Router) {
			r.Get("/", s.handleListRules)
			r.Post("/", s.handleAddRule)
			r.Get("/{id}", s.handleGetRule)
			r.Patch("/{id}", s.handleUpdateRule)
			r.Delete("/{id}", s.handleDeleteRule)
		})

		r.Get("/predictions", s.handlePredictions)
		r.Get("/forecast/{type}", s.handleForecast)
		r.Get("/journeys/{name}", s.handleJourney)
		r.Post("/journeys", s.handleAdHocJourney)
		r.Post("/retrain", s.handleRetrain)
		r.Post("/admin/clear", s.handleClear)

		r.Get("/live", s.handleLive)
		r.Get("/stream/verdicts", s.handleVerdicts)

		r.Get("/config/detection", s.handleDetectionConfig)
		r.Put("/config/detection", s.handleDetectionConfig)

		r.Get("/jobs", s.handleJobs)
		r.Post("/jobs/{name}/run", s.handleRunJob)
	})
	return r
}

// Start serves Routes on the configured address until ctx is cancelled. It
// returns nil when the API is disabled.
func Start(ctx context.Context, cfg *config.Manager, deps Deps, logger *slog.Logger, version string) *http.Server {
	if cfg == nil {
		return nil
	}
	if logger == nil {
		logger = logging.Discard()
	}
	current := cfg.Get().API
	if !current.Enabled {
		logger.Info("api disabled")
		return nil
	}
	logger.Info("api enabled", "addr", current.Addr)

	server := NewServer(cfg, deps, logger, version)
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server error", "err", err)
		}
	}()
	return httpServer
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

// writeErr maps domain sentinels onto status codes.
func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrNotFound), errors.Is(err, scheduler.ErrUnknownJob):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrConfiguration):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrNoViablePrediction), errors.Is(err, model.ErrInsufficientData):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"err", err,
		)
	}
	writeError(w, status, err.Error())
}

func unavailable(w http.ResponseWriter, what string) {
	writeError(w, http.StatusServiceUnavailable, what+" not configured")
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

func queryInt(r *http.Request, key string, def int) (int, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def, false
	}
	return n, true
}

// checkHorizon answers 400 when h is past forecast.max_horizon_hours.
func (s *Server) checkHorizon(w http.ResponseWriter, h int) bool {
	limit := s.cfg.Get().Forecast.MaxHorizonHours
	if limit > 0 && h > limit {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("horizon %d exceeds max_horizon_hours %d", h, limit))
		return false
	}
	return true
}

func queryTime(r *http.Request, key string, def time.Time) (time.Time, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, true
	}
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return def, false
	}
	return ts.UTC(), true
}

// parseAnomalyType accepts the persisted type names.
func parseAnomalyType(v string) (model.AnomalyType, bool) {
	switch model.AnomalyType(v) {
	case model.AnomalyResponseTime, model.AnomalyErrorRate, model.AnomalyPatternChange:
		return model.AnomalyType(v), true
	}
	return "", false
}
