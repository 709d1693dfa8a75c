package anomaly

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"apipulse/internal/features"
	"apipulse/internal/metrics"
	"apipulse/internal/ml"
	"apipulse/internal/model"
)

const (
	densityMetric = "density"
	densityKind   = "lof"
	allEnvs       = "all"
)

func envKey(environment string) string {
	if environment == "" {
		return allEnvs
	}
	return environment
}

func densityKey(apiName, environment string) model.ModelKey {
	return model.ModelKey{APIName: apiName, Environment: envKey(environment), Metric: densityMetric}
}

// DetectResponseTime scores latency with a Local Outlier Factor model per API.
// A point is flagged when its decision score falls below -0.1*sensitivity, so
// a lower sensitivity flags more points.
func (e *Engine) DetectResponseTime(ctx context.Context, q Query) (Result, error) {
	start := time.Now()
	defer observe(model.AnomalyResponseTime, start)
	cfg := e.config().Detection
	res := Result{Type: model.AnomalyResponseTime}

	recs, err := e.store.QueryLogs(ctx, model.LogFilter{
		APIName:     q.APIName,
		Environment: q.Environment,
		Since:       e.now().Add(-cfg.ResponseTimeLookback),
	})
	if err != nil {
		return res, err
	}
	if len(recs) < cfg.MinSamples {
		return res, nil
	}

	var (
		names  []string
		groups map[string][]model.LogRecord
	)
	if q.APIName != "" {
		names = []string{q.APIName}
		groups = map[string][]model.LogRecord{q.APIName: recs}
	} else {
		names, groups = features.GroupByAPI(recs)
	}
	threshold := -0.1 * e.sensitivity(q)

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		group := groups[name]
		e.guard(model.AnomalyResponseTime, name, func() error {
			rows, kept, err := features.DensityMatrix(group, cfg.MinSamples)
			if err != nil {
				return err
			}
			scaled, _ := ml.FitTransform(rows)
			scores, err := e.registry.score(ctx, densityKey(name, q.Environment), scaled, cfg.Neighbors, cfg.Contamination)
			if err != nil {
				return err
			}
			for i, s := range scores {
				if s >= threshold {
					continue
				}
				e.record(ctx, &res, model.AnomalyRecord{
					APIName:      name,
					Environment:  kept[i].Environment,
					AnomalyType:  model.AnomalyResponseTime,
					AnomalyValue: rows[i][0],
					AnomalyScore: s,
					DetectedAt:   kept[i].Timestamp,
				}, cfg.DedupWindow)
			}
			return nil
		})
	}
	return res, nil
}

// modelRegistry caches density models per api|env-or-all key in memory and
// in an optional persister. Loading and fitting run outside mu; gen advances
// on every invalidate or clear so a result computed across one is dropped.
type modelRegistry struct {
	mu        sync.Mutex
	models    map[model.ModelKey]*ml.LOF
	stale     map[model.ModelKey]bool
	gen       uint64
	persister ModelPersister
	logger    *slog.Logger
}

func newModelRegistry(persister ModelPersister, logger *slog.Logger) *modelRegistry {
	return &modelRegistry{
		models:    make(map[model.ModelKey]*ml.LOF),
		stale:     make(map[model.ModelKey]bool),
		persister: persister,
		logger:    logger,
	}
}

// score returns decision scores for x. A freshly trained model scores its
// own training points; a cached one scores x as new observations.
func (r *modelRegistry) score(ctx context.Context, key model.ModelKey, x [][]float64, k int, contamination float64) ([]float64, error) {
	r.mu.Lock()
	cached, ok := r.models[key]
	stale := r.stale[key]
	gen := r.gen
	r.mu.Unlock()
	if ok {
		metrics.ModelCacheLookups.WithLabelValues("memory").Inc()
		return cached.Decision(x), nil
	}
	if !stale {
		if m, ok := r.load(ctx, key); ok {
			metrics.ModelCacheLookups.WithLabelValues("persisted").Inc()
			r.keep(key, m, gen)
			return m.Decision(x), nil
		}
	}
	metrics.ModelCacheLookups.WithLabelValues("miss").Inc()
	m, err := ml.FitLOF(x, k, contamination)
	if err != nil {
		return nil, err
	}
	metrics.ModelTrainings.WithLabelValues(densityMetric).Inc()
	if r.keep(key, m, gen) {
		r.save(ctx, key, m, len(x))
	}
	return m.TrainingDecision(), nil
}

// keep caches m unless the registry changed since gen was read.
func (r *modelRegistry) keep(key model.ModelKey, m *ml.LOF, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen != gen {
		return false
	}
	r.models[key] = m
	delete(r.stale, key)
	return true
}

func (r *modelRegistry) load(ctx context.Context, key model.ModelKey) (*ml.LOF, bool) {
	if r.persister == nil {
		return nil, false
	}
	tm, err := r.persister.LoadModel(ctx, key)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			r.logger.Warn("load density model failed", "key", key.String(), "err", err)
		}
		return nil, false
	}
	var m ml.LOF
	if err := json.Unmarshal(tm.Payload, &m); err != nil || len(m.Points) == 0 {
		r.logger.Warn("discarding unreadable density model", "key", key.String())
		return nil, false
	}
	return &m, true
}

func (r *modelRegistry) save(ctx context.Context, key model.ModelKey, m *ml.LOF, samples int) {
	if r.persister == nil {
		return
	}
	payload, err := json.Marshal(m)
	if err != nil {
		r.logger.Warn("encode density model failed", "key", key.String(), "err", err)
		return
	}
	err = r.persister.SaveModel(ctx, model.TrainedModel{
		Key:       key,
		Kind:      densityKind,
		Payload:   payload,
		Samples:   samples,
		TrainedAt: time.Now().UTC(),
	})
	if err != nil {
		metrics.StoreErrors.WithLabelValues("save_model").Inc()
		r.logger.Warn("persist density model failed", "key", key.String(), "err", err)
	}
}

// invalidate forgets the model; the next score call retrains instead of
// loading the persisted copy, then overwrites it.
func (r *modelRegistry) invalidate(key model.ModelKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	delete(r.models, key)
	r.stale[key] = true
}

func (r *modelRegistry) clear(ctx context.Context) error {
	r.mu.Lock()
	r.gen++
	r.models = make(map[model.ModelKey]*ml.LOF)
	r.stale = make(map[model.ModelKey]bool)
	r.mu.Unlock()
	if r.persister == nil {
		return nil
	}
	_, err := r.persister.DeleteModels(ctx, densityMetric)
	return err
}
