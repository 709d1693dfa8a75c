package anomaly

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"apipulse/internal/config"
	"apipulse/internal/logging"
	"apipulse/internal/metrics"
	"apipulse/internal/model"
)

// Store is the slice of the log store the detectors need.
type Store interface {
	QueryLogs(ctx context.Context, f model.LogFilter) ([]model.LogRecord, error)
	InsertAnomaly(ctx context.Context, a model.AnomalyRecord, window time.Duration) (int64, bool, error)
	AcknowledgeAnomaly(ctx context.Context, id int64) error
	RecentAnomalies(ctx context.Context, hours int) ([]model.AnomalyRecord, error)
}

// ModelPersister stores trained outlier models between runs.
type ModelPersister interface {
	SaveModel(ctx context.Context, m model.TrainedModel) error
	LoadModel(ctx context.Context, key model.ModelKey) (model.TrainedModel, error)
	DeleteModels(ctx context.Context, metric string) (int64, error)
}

// Query narrows a detector run. Zero Sensitivity uses the configured value.
type Query struct {
	APIName     string
	Environment string
	Sensitivity float64
}

// Result holds every flagged candidate; Persisted counts the ones that
// survived deduplication and Failed the ones the store rejected.
type Result struct {
	Type       model.AnomalyType     `json:"type"`
	Candidates []model.AnomalyRecord `json:"candidates"`
	Persisted  int                   `json:"persisted"`
	Failed     int                   `json:"failed"`
}

// Summary counts one detection cycle. Detected carries every candidate so
// callers can run them through alert rules.
type Summary struct {
	ResponseTime  int                   `json:"response_time"`
	ErrorRate     int                   `json:"error_rate"`
	PatternChange int                   `json:"pattern_change"`
	Total         int                   `json:"total"`
	Persisted     int                   `json:"persisted"`
	Detected      []model.AnomalyRecord `json:"-"`
}

type Engine struct {
	logger   *slog.Logger
	store    Store
	cfg      atomic.Value
	registry *modelRegistry
	now      func() time.Time
}

func NewEngine(cfg *config.Config, store Store, persister ModelPersister, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	e := &Engine{
		logger:   logger,
		store:    store,
		registry: newModelRegistry(persister, logger),
		now:      func() time.Time { return time.Now().UTC() },
	}
	e.cfg.Store(cfg)
	return e
}

func (e *Engine) UpdateConfig(cfg *config.Config) {
	if cfg != nil {
		e.cfg.Store(cfg)
	}
}

// SetClock replaces the wall clock; detectors measure lookbacks from it.
func (e *Engine) SetClock(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

func (e *Engine) sensitivity(q Query) float64 {
	if q.Sensitivity > 0 {
		return q.Sensitivity
	}
	return e.config().Detection.Sensitivity
}

// RunCycle runs every detector over all APIs and environments.
func (e *Engine) RunCycle(ctx context.Context) (Summary, error) {
	var sum Summary
	rt, err := e.DetectResponseTime(ctx, Query{})
	if err != nil {
		return sum, fmt.Errorf("response time detection: %w", err)
	}
	er, err := e.DetectErrorRate(ctx, Query{})
	if err != nil {
		return sum, fmt.Errorf("error rate detection: %w", err)
	}
	pc, err := e.DetectPatternChange(ctx, Query{})
	if err != nil {
		return sum, fmt.Errorf("pattern detection: %w", err)
	}
	sum.ResponseTime = len(rt.Candidates)
	sum.ErrorRate = len(er.Candidates)
	sum.PatternChange = len(pc.Candidates)
	sum.Total = sum.ResponseTime + sum.ErrorRate + sum.PatternChange
	sum.Persisted = rt.Persisted + er.Persisted + pc.Persisted
	sum.Detected = make([]model.AnomalyRecord, 0, sum.Total)
	sum.Detected = append(sum.Detected, rt.Candidates...)
	sum.Detected = append(sum.Detected, er.Candidates...)
	sum.Detected = append(sum.Detected, pc.Candidates...)
	e.logger.Info("detection cycle complete",
		"response_time", sum.ResponseTime,
		"error_rate", sum.ErrorRate,
		"pattern_change", sum.PatternChange,
		"persisted", sum.Persisted,
	)
	return sum, nil
}

func (e *Engine) Acknowledge(ctx context.Context, id int64) error {
	return e.store.AcknowledgeAnomaly(ctx, id)
}

func (e *Engine) Recent(ctx context.Context, hours int) ([]model.AnomalyRecord, error) {
	return e.store.RecentAnomalies(ctx, hours)
}

// Retrain drops the cached density model for q and rescores with a fresh
// one. Without an api name every density model is dropped.
func (e *Engine) Retrain(ctx context.Context, q Query) (Result, error) {
	if q.APIName == "" {
		if err := e.registry.clear(ctx); err != nil {
			return Result{Type: model.AnomalyResponseTime}, err
		}
	} else {
		e.registry.invalidate(densityKey(q.APIName, q.Environment))
	}
	return e.DetectResponseTime(ctx, q)
}

// ClearModels drops every cached and persisted density model.
func (e *Engine) ClearModels(ctx context.Context) error {
	return e.registry.clear(ctx)
}

// record dedups and persists one candidate.
func (e *Engine) record(ctx context.Context, res *Result, a model.AnomalyRecord, window time.Duration) {
	res.Candidates = append(res.Candidates, a)
	metrics.AnomaliesDetected.WithLabelValues(string(a.AnomalyType)).Inc()
	_, inserted, err := e.store.InsertAnomaly(ctx, a, window)
	if err != nil {
		res.Failed++
		metrics.StoreErrors.WithLabelValues("insert_anomaly").Inc()
		e.logger.Error("persist anomaly failed",
			"api_name", a.APIName,
			"environment", a.Environment,
			"type", a.AnomalyType,
			"err", err,
		)
		return
	}
	if inserted {
		res.Persisted++
		metrics.AnomaliesPersisted.WithLabelValues(string(a.AnomalyType)).Inc()
	}
}

// guard runs one group's scoring, turning panics in numeric code into a
// logged skip.
func (e *Engine) guard(kind model.AnomalyType, group string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("detector panic",
				"type", kind,
				"group", group,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	if err := fn(); err != nil {
		if errors.Is(err, model.ErrInsufficientData) {
			e.logger.Debug("group skipped", "type", kind, "group", group, "reason", err.Error())
			return
		}
		e.logger.Warn("group detection failed", "type", kind, "group", group, "err", err)
	}
}

func observe(kind model.AnomalyType, start time.Time) {
	metrics.DetectionDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
}
