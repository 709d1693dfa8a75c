// Package forecast projects response time and error rate a few hours ahead
// per (api, env) and rolls API forecasts up into journey health.
package forecast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"apipulse/internal/config"
	"apipulse/internal/features"
	"apipulse/internal/logging"
	"apipulse/internal/metrics"
	"apipulse/internal/ml"
	"apipulse/internal/model"
)

type Status string

const (
	StatusSuccess          Status = "success"
	StatusInsufficientData Status = "insufficient_data"
	StatusError            Status = "error"
)

// bandZ scales the residual spread into a ~95% band.
const bandZ = 1.96

// Store is the slice of the log store the forecasters need.
type Store interface {
	QueryLogs(ctx context.Context, f model.LogFilter) ([]model.LogRecord, error)
	InsertPrediction(ctx context.Context, p model.Prediction) (int64, error)
	DistinctAPIs(ctx context.Context) ([]string, error)
	DistinctEnvironments(ctx context.Context) ([]string, error)
}

type Point struct {
	At         time.Time `json:"at"`
	Value      float64   `json:"value"`
	Lower      float64   `json:"lower"`
	Upper      float64   `json:"upper"`
	Confidence float64   `json:"confidence"`
}

// Forecast is the outcome of one regressor over the horizon. Persisted counts
// the points that reached the predictions table.
type Forecast struct {
	APIName     string               `json:"api_name"`
	Environment string               `json:"environment"`
	Type        model.PredictionType `json:"prediction_type"`
	Status      Status               `json:"status"`
	Message     string               `json:"message,omitempty"`
	Samples     int                  `json:"samples"`
	Points      []Point              `json:"points"`
	Persisted   int                  `json:"persisted"`
}

type Engine struct {
	logger *slog.Logger
	store  Store
	models *ModelStore
	cfg    atomic.Value
	now    func() time.Time
}

func NewEngine(cfg *config.Config, store Store, models *ModelStore, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if models == nil {
		var err error
		models, err = NewModelStore(cfg.Forecast.ModelCache.Size, nil, logger)
		if err != nil {
			return nil, err
		}
	}
	e := &Engine{
		logger: logger,
		store:  store,
		models: models,
		now:    func() time.Time { return time.Now().UTC() },
	}
	e.cfg.Store(cfg)
	return e, nil
}

func (e *Engine) UpdateConfig(cfg *config.Config) {
	if cfg != nil {
		e.cfg.Store(cfg)
	}
}

func (e *Engine) SetClock(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

func (e *Engine) Models() *ModelStore {
	return e.models
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

// horizon resolves a requested step count; zero means the configured
// default. Requests past max_horizon_hours are rejected.
func (e *Engine) horizon(h int) (int, error) {
	cfg := e.config().Forecast
	limit := cfg.MaxHorizonHours
	if limit <= 0 {
		limit = 168
	}
	if h > limit {
		return 0, fmt.Errorf("%w: horizon %d exceeds max_horizon_hours %d", model.ErrConfiguration, h, limit)
	}
	if h > 0 {
		return h, nil
	}
	if cfg.HorizonHours > 0 {
		return min(cfg.HorizonHours, limit), nil
	}
	return 3, nil
}

// ForecastResponseTime projects mean latency for the next horizon hours.
// Too little history yields StatusInsufficientData and a nil error.
func (e *Engine) ForecastResponseTime(ctx context.Context, apiName, environment string, horizon int) (Forecast, error) {
	cfg := e.config().Forecast
	key := model.ModelKey{APIName: apiName, Environment: environment, Metric: string(model.PredictionResponseTime)}
	return e.run(ctx, key, horizon, cfg.ResponseConfidence, func(ctx context.Context) (*Trained, error) {
		recs, err := e.history(ctx, apiName, environment)
		if err != nil {
			return nil, err
		}
		x, y, err := features.ForecastMatrix(recs, cfg.MinSamples)
		if err != nil {
			return nil, err
		}
		scaled, scaler := ml.FitTransform(x)
		forest, err := ml.FitForest(ctx, scaled, y, cfg.Trees, cfg.Seed)
		if err != nil {
			return nil, err
		}
		return &Trained{
			Kind:        kindForest,
			Scaler:      scaler,
			Forest:      forest,
			ResidualStd: ml.ResidualStd(y, forest.PredictAll(scaled)),
			Samples:     len(y),
			TrainedAt:   e.now(),
		}, nil
	})
}

// ForecastErrorRate projects the hourly error percentage. Values never go
// below zero.
func (e *Engine) ForecastErrorRate(ctx context.Context, apiName, environment string, horizon int) (Forecast, error) {
	cfg := e.config().Forecast
	key := model.ModelKey{APIName: apiName, Environment: environment, Metric: string(model.PredictionErrorRate)}
	return e.run(ctx, key, horizon, cfg.ErrorConfidence, func(ctx context.Context) (*Trained, error) {
		recs, err := e.history(ctx, apiName, environment)
		if err != nil {
			return nil, err
		}
		if len(recs) < cfg.MinSamples {
			return nil, fmt.Errorf("%w: %d records, need %d", model.ErrInsufficientData, len(recs), cfg.MinSamples)
		}
		x, y := features.ErrorRateMatrix(features.HourlyErrorRates(recs))
		lin, err := ml.FitLinear(x, y)
		if err != nil {
			return nil, err
		}
		return &Trained{
			Kind:        kindLinear,
			Linear:      lin,
			ResidualStd: ml.ResidualStd(y, lin.PredictAll(x)),
			Samples:     len(recs),
			TrainedAt:   e.now(),
		}, nil
	})
}

func (e *Engine) history(ctx context.Context, apiName, environment string) ([]model.LogRecord, error) {
	window := e.config().Forecast.HistoryWindow
	if window <= 0 {
		window = 7 * 24 * time.Hour
	}
	return e.store.QueryLogs(ctx, model.LogFilter{
		APIName:     apiName,
		Environment: environment,
		Since:       e.now().Add(-window),
	})
}

func (e *Engine) run(ctx context.Context, key model.ModelKey, horizon int, confidence float64, train func(context.Context) (*Trained, error)) (Forecast, error) {
	start := time.Now()
	fc := Forecast{
		APIName:     key.APIName,
		Environment: key.Environment,
		Type:        model.PredictionType(key.Metric),
	}
	steps, err := e.horizon(horizon)
	if err != nil {
		fc.Status = StatusError
		fc.Message = err.Error()
		return fc, err
	}
	m, err := e.models.GetOrTrain(ctx, key, train)
	switch {
	case errors.Is(err, model.ErrInsufficientData):
		fc.Status = StatusInsufficientData
		fc.Message = err.Error()
		metrics.ForecastDuration.WithLabelValues(key.Metric, string(fc.Status)).Observe(time.Since(start).Seconds())
		e.logger.Debug("forecast skipped", "key", key.String(), "err", err)
		return fc, nil
	case err != nil:
		fc.Status = StatusError
		fc.Message = err.Error()
		metrics.ForecastDuration.WithLabelValues(key.Metric, string(fc.Status)).Observe(time.Since(start).Seconds())
		return fc, fmt.Errorf("forecast %s: %w", key, err)
	}

	fc.Status = StatusSuccess
	fc.Samples = m.Samples
	fc.Points = project(m, e.now(), steps, confidence)
	fc.Persisted = e.persist(ctx, fc)
	metrics.ForecastDuration.WithLabelValues(key.Metric, string(fc.Status)).Observe(time.Since(start).Seconds())
	return fc, nil
}

// project evaluates m at now+1h ... now+Hh. Bands widen with sqrt(step).
func project(m *Trained, now time.Time, horizon int, confidence float64) []Point {
	points := make([]Point, 0, horizon)
	for step := 1; step <= horizon; step++ {
		at := now.Add(time.Duration(step) * time.Hour)
		v := m.Predict(features.TimeFeatures(at).Vector())
		if m.Kind == kindLinear && v < 0 {
			v = 0
		}
		half := bandZ * m.ResidualStd * math.Sqrt(float64(step))
		points = append(points, Point{
			At:         at,
			Value:      v,
			Lower:      math.Max(0, v-half),
			Upper:      v + half,
			Confidence: confidence,
		})
	}
	return points
}

func (e *Engine) persist(ctx context.Context, fc Forecast) int {
	predictedAt := e.now()
	stored := 0
	for _, p := range fc.Points {
		_, err := e.store.InsertPrediction(ctx, model.Prediction{
			APIName:        fc.APIName,
			Environment:    fc.Environment,
			PredictionType: fc.Type,
			PredictedValue: p.Value,
			Confidence:     p.Confidence,
			PredictedAt:    predictedAt,
			PredictionFor:  p.At,
		})
		if err != nil {
			metrics.StoreErrors.WithLabelValues("insert_prediction").Inc()
			e.logger.Warn("store prediction failed", "api_name", fc.APIName, "environment", fc.Environment,
				"prediction_type", fc.Type, "err", err)
			continue
		}
		stored++
	}
	return stored
}

// Retrain drops cached models for one (api, env) pair, or all of them.
func (e *Engine) Retrain(ctx context.Context, apiName, environment string) error {
	if apiName == "" {
		return e.models.Clear(ctx)
	}
	for _, metric := range []model.PredictionType{model.PredictionResponseTime, model.PredictionErrorRate} {
		key := model.ModelKey{APIName: apiName, Environment: environment, Metric: string(metric)}
		if err := e.models.Invalidate(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

type RunSummary struct {
	Forecasts    int               `json:"forecasts"`
	Successful   int               `json:"successful"`
	Insufficient int               `json:"insufficient"`
	Failed       int               `json:"failed"`
	Journeys     []JourneyForecast `json:"journeys"`
}

// RunAll forecasts both metrics for every known api x env pair and every
// configured journey restricted to APIs that have logs.
func (e *Engine) RunAll(ctx context.Context) (RunSummary, error) {
	var sum RunSummary
	apis, err := e.store.DistinctAPIs(ctx)
	if err != nil {
		return sum, err
	}
	envs, err := e.store.DistinctEnvironments(ctx)
	if err != nil {
		return sum, err
	}
	horizon, err := e.horizon(0)
	if err != nil {
		return sum, err
	}
	for _, api := range apis {
		for _, env := range envs {
			if err := ctx.Err(); err != nil {
				return sum, err
			}
			for _, fn := range []func(context.Context, string, string, int) (Forecast, error){e.ForecastResponseTime, e.ForecastErrorRate} {
				fc, err := fn(ctx, api, env, horizon)
				sum.Forecasts++
				switch fc.Status {
				case StatusSuccess:
					sum.Successful++
				case StatusInsufficientData:
					sum.Insufficient++
				default:
					sum.Failed++
					e.logger.Warn("forecast failed", "api_name", api, "environment", env, "err", err)
				}
			}
		}
	}

	known := make(map[string]bool, len(apis))
	for _, a := range apis {
		known[a] = true
	}
	for _, j := range e.config().Forecast.Journeys {
		var members []string
		for _, a := range j.APIs {
			if known[a] {
				members = append(members, a)
			}
		}
		if len(members) == 0 {
			continue
		}
		for _, env := range envs {
			jf, err := e.Journey(ctx, j.Name, members, env, horizon)
			if err != nil {
				if errors.Is(err, model.ErrNoViablePrediction) {
					e.logger.Debug("journey skipped", "journey", j.Name, "environment", env)
					continue
				}
				return sum, err
			}
			sum.Journeys = append(sum.Journeys, jf)
		}
	}
	e.logger.Info("forecast run complete",
		"forecasts", sum.Forecasts,
		"successful", sum.Successful,
		"insufficient", sum.Insufficient,
		"failed", sum.Failed,
		"journeys", len(sum.Journeys),
	)
	return sum, nil
}
