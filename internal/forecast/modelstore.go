package forecast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"apipulse/internal/logging"
	"apipulse/internal/metrics"
	"apipulse/internal/ml"
	"apipulse/internal/model"
)

const (
	kindForest = "forest"
	kindLinear = "linear"
)

// Persister is the durable tier behind the in-memory model cache.
type Persister interface {
	LoadModel(ctx context.Context, key model.ModelKey) (model.TrainedModel, error)
	SaveModel(ctx context.Context, m model.TrainedModel) error
	DeleteModel(ctx context.Context, key model.ModelKey) error
	DeleteModels(ctx context.Context, metric string) (int64, error)
}

// Trained is a fitted regressor plus what is needed to score and band it.
type Trained struct {
	Kind        string     `json:"kind"`
	Scaler      *ml.Scaler `json:"scaler,omitempty"`
	Forest      *ml.Forest `json:"forest,omitempty"`
	Linear      *ml.Linear `json:"linear,omitempty"`
	ResidualStd float64    `json:"residual_std"`
	Samples     int        `json:"samples"`
	TrainedAt   time.Time  `json:"trained_at"`
}

func (t *Trained) Predict(row []float64) float64 {
	switch t.Kind {
	case kindForest:
		if t.Scaler != nil {
			row = t.Scaler.TransformRow(row)
		}
		return t.Forest.Predict(row)
	case kindLinear:
		return t.Linear.Predict(row)
	}
	return 0
}

// ModelStore caches trained regressors by (api, env, metric): a bounded LRU
// in front of an optional Persister. Concurrent first-time training of one
// key runs once.
type ModelStore struct {
	cache     *lru.Cache[model.ModelKey, *Trained]
	persister Persister
	group     singleflight.Group
	logger    *slog.Logger
}

func NewModelStore(size int, persister Persister, logger *slog.Logger) (*ModelStore, error) {
	if size <= 0 {
		size = 256
	}
	if logger == nil {
		logger = logging.Discard()
	}
	cache, err := lru.New[model.ModelKey, *Trained](size)
	if err != nil {
		return nil, err
	}
	return &ModelStore{cache: cache, persister: persister, logger: logger}, nil
}

func (s *ModelStore) Get(ctx context.Context, key model.ModelKey) (*Trained, bool) {
	if t, ok := s.cache.Get(key); ok {
		metrics.ModelCacheLookups.WithLabelValues("memory").Inc()
		return t, true
	}
	if s.persister == nil {
		return nil, false
	}
	tm, err := s.persister.LoadModel(ctx, key)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			s.logger.Warn("load model failed", "key", key.String(), "err", err)
		}
		return nil, false
	}
	var t Trained
	if err := json.Unmarshal(tm.Payload, &t); err != nil {
		s.logger.Warn("discarding unreadable model", "key", key.String(), "err", err)
		return nil, false
	}
	metrics.ModelCacheLookups.WithLabelValues("persisted").Inc()
	s.cache.Add(key, &t)
	return &t, true
}

func (s *ModelStore) Put(ctx context.Context, key model.ModelKey, t *Trained) error {
	s.cache.Add(key, t)
	if s.persister == nil {
		return nil
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return err
	}
	err = s.persister.SaveModel(ctx, model.TrainedModel{
		Key:       key,
		Kind:      t.Kind,
		Payload:   payload,
		Samples:   t.Samples,
		TrainedAt: t.TrainedAt,
	})
	if err != nil {
		return fmt.Errorf("save model %s: %w", key, err)
	}
	return nil
}

// GetOrTrain returns the cached model or trains one with train. A failed
// persist is logged; the fresh model is still served from memory.
func (s *ModelStore) GetOrTrain(ctx context.Context, key model.ModelKey, train func(ctx context.Context) (*Trained, error)) (*Trained, error) {
	if t, ok := s.Get(ctx, key); ok {
		return t, nil
	}
	v, err, _ := s.group.Do(key.String(), func() (any, error) {
		if t, ok := s.cache.Get(key); ok {
			return t, nil
		}
		metrics.ModelCacheLookups.WithLabelValues("miss").Inc()
		t, err := train(ctx)
		if err != nil {
			return nil, err
		}
		metrics.ModelTrainings.WithLabelValues(key.Metric).Inc()
		if err := s.Put(ctx, key, t); err != nil {
			metrics.StoreErrors.WithLabelValues("save_model").Inc()
			s.logger.Warn("persist model failed", "key", key.String(), "err", err)
		}
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Trained), nil
}

func (s *ModelStore) Invalidate(ctx context.Context, key model.ModelKey) error {
	s.cache.Remove(key)
	if s.persister == nil {
		return nil
	}
	return s.persister.DeleteModel(ctx, key)
}

// Clear drops every forecasting model from both tiers.
func (s *ModelStore) Clear(ctx context.Context) error {
	s.cache.Purge()
	if s.persister == nil {
		return nil
	}
	for _, metric := range []model.PredictionType{model.PredictionResponseTime, model.PredictionErrorRate} {
		if _, err := s.persister.DeleteModels(ctx, string(metric)); err != nil {
			return err
		}
	}
	return nil
}

func (s *ModelStore) Len() int {
	return s.cache.Len()
}
