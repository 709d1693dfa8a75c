package forecast

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"apipulse/internal/config"
	"apipulse/internal/ml"
	"apipulse/internal/model"
	"apipulse/internal/storage"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func TestHealthStatusBands(t *testing.T) {
	score := HealthScore(250, 2)
	if math.Abs(score-4.25) > 1e-9 {
		t.Fatalf("expected score 4.25, got %v", score)
	}
	if got := HealthStatus(score); got != HealthFair {
		t.Fatalf("expected Fair, got %s", got)
	}
	cases := map[float64]string{0.5: HealthExcellent, 1.5: HealthGood, 5: HealthPoor}
	for s, want := range cases {
		if got := HealthStatus(s); got != want {
			t.Fatalf("score %v: expected %s, got %s", s, want, got)
		}
	}
}

func TestForecastInsufficientData(t *testing.T) {
	s := newTestStore(t)
	insertAll(t, s, hourly("/api/orders", "prod", 10, 120))
	e := newTestEngine(t, s)

	fc, err := e.ForecastResponseTime(context.Background(), "/api/orders", "prod", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fc.Status != StatusInsufficientData || len(fc.Points) != 0 {
		t.Fatalf("expected insufficient_data without points, got %+v", fc)
	}
	fc, err = e.ForecastErrorRate(context.Background(), "/api/orders", "prod", 3)
	if err != nil || fc.Status != StatusInsufficientData {
		t.Fatalf("expected insufficient_data, got %s (%v)", fc.Status, err)
	}
	preds, err := s.RecentPredictions(context.Background(), model.PredictionFilter{})
	if err != nil {
		t.Fatalf("predictions: %v", err)
	}
	if len(preds) != 0 {
		t.Fatalf("expected no stored predictions, got %d", len(preds))
	}
}

func TestResponseTimeForecastPersistsPoints(t *testing.T) {
	s := newTestStore(t)
	insertAll(t, s, hourly("/api/orders", "prod", 48, 120))
	e := newTestEngine(t, s)

	fc, err := e.ForecastResponseTime(context.Background(), "/api/orders", "prod", 3)
	if err != nil {
		t.Fatalf("forecast: %v", err)
	}
	if fc.Status != StatusSuccess || len(fc.Points) != 3 || fc.Persisted != 3 {
		t.Fatalf("unexpected forecast: %+v", fc)
	}
	for i, p := range fc.Points {
		if !p.At.Equal(testNow.Add(time.Duration(i+1) * time.Hour)) {
			t.Fatalf("point %d at %v", i, p.At)
		}
		if math.Abs(p.Value-120) > 1e-9 || p.Lower > p.Value || p.Upper < p.Value {
			t.Fatalf("point %d: %+v", i, p)
		}
		if p.Confidence != 0.8 {
			t.Fatalf("expected confidence 0.8, got %v", p.Confidence)
		}
	}
	preds, err := s.RecentPredictions(context.Background(), model.PredictionFilter{PredictionType: model.PredictionResponseTime})
	if err != nil {
		t.Fatalf("predictions: %v", err)
	}
	if len(preds) != 3 {
		t.Fatalf("expected 3 stored predictions, got %d", len(preds))
	}
}

func TestErrorRateForecastNeverNegative(t *testing.T) {
	s := newTestStore(t)
	insertAll(t, s, hourly("/api/orders", "prod", 48, 120))
	e := newTestEngine(t, s)

	fc, err := e.ForecastErrorRate(context.Background(), "/api/orders", "prod", 4)
	if err != nil {
		t.Fatalf("forecast: %v", err)
	}
	if fc.Status != StatusSuccess || len(fc.Points) != 4 {
		t.Fatalf("unexpected forecast: %+v", fc)
	}
	for _, p := range fc.Points {
		if p.Value < 0 || p.Lower < 0 {
			t.Fatalf("negative error rate: %+v", p)
		}
		if p.Confidence != 0.7 {
			t.Fatalf("expected confidence 0.7, got %v", p.Confidence)
		}
	}
}

func TestJourneyExcludesFailingAPIs(t *testing.T) {
	s := newTestStore(t)
	insertAll(t, s, hourly("/api/search", "prod", 48, 120))
	insertAll(t, s, hourly("/api/recommendations", "prod", 5, 300))
	e := newTestEngine(t, s)

	jf, err := e.Journey(context.Background(), "Product Search", []string{"/api/search", "/api/recommendations"}, "prod", 3)
	if err != nil {
		t.Fatalf("journey: %v", err)
	}
	if len(jf.APIs) != 1 || jf.APIs[0] != "/api/search" {
		t.Fatalf("expected only /api/search, got %v", jf.APIs)
	}
	if len(jf.Excluded) != 1 || jf.Excluded[0] != "/api/recommendations" {
		t.Fatalf("expected /api/recommendations excluded, got %v", jf.Excluded)
	}
	if len(jf.Points) != 3 {
		t.Fatalf("expected 3 points, got %d", len(jf.Points))
	}
	if p := jf.Points[0]; math.Abs(p.ResponseTime-120) > 1e-9 || p.Status != HealthExcellent {
		t.Fatalf("unexpected point: %+v", p)
	}
}

func TestJourneyErrors(t *testing.T) {
	s := newTestStore(t)
	insertAll(t, s, hourly("/api/users", "prod", 5, 80))
	e := newTestEngine(t, s)

	_, err := e.Journey(context.Background(), "User Authentication", []string{"/api/users"}, "prod", 3)
	if !errors.Is(err, model.ErrNoViablePrediction) {
		t.Fatalf("expected ErrNoViablePrediction, got %v", err)
	}
	_, err = e.Journey(context.Background(), "empty", nil, "prod", 3)
	if !errors.Is(err, model.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestHorizonCapped(t *testing.T) {
	s := newTestStore(t)
	insertAll(t, s, hourly("/api/orders", "prod", 48, 120))
	e := newTestEngine(t, s)
	ctx := context.Background()

	fc, err := e.ForecastErrorRate(ctx, "/api/orders", "prod", 100000000)
	if !errors.Is(err, model.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	if fc.Status != StatusError || len(fc.Points) != 0 {
		t.Fatalf("expected error status without points, got %+v", fc)
	}
	if e.Models().Len() != 0 {
		t.Fatalf("rejected horizon must not train, cache has %d", e.Models().Len())
	}
	if _, err := e.Journey(ctx, "orders", []string{"/api/orders"}, "prod", 169); !errors.Is(err, model.ErrConfiguration) {
		t.Fatalf("expected journey ErrConfiguration, got %v", err)
	}

	fc, err = e.ForecastErrorRate(ctx, "/api/orders", "prod", 168)
	if err != nil || len(fc.Points) != 168 || fc.Persisted != 168 {
		t.Fatalf("expected 168 points at the cap, got %d stored %d (%v)", len(fc.Points), fc.Persisted, err)
	}
}

func TestModelStoreReloadsFromPersister(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := model.ModelKey{APIName: "/api/orders", Environment: "prod", Metric: string(model.PredictionErrorRate)}

	first, err := NewModelStore(4, s, nil)
	if err != nil {
		t.Fatalf("model store: %v", err)
	}
	trained, err := first.GetOrTrain(ctx, key, func(context.Context) (*Trained, error) {
		return &Trained{Kind: kindLinear, Linear: &ml.Linear{Intercept: 5, Coef: []float64{2, 0, 0, 0}}, Samples: 30, TrainedAt: testNow}, nil
	})
	if err != nil || trained.Samples != 30 {
		t.Fatalf("train: %v %+v", err, trained)
	}

	second, err := NewModelStore(4, s, nil)
	if err != nil {
		t.Fatalf("model store: %v", err)
	}
	got, err := second.GetOrTrain(ctx, key, func(context.Context) (*Trained, error) {
		return nil, errors.New("should load, not train")
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Samples != 30 || got.Predict([]float64{1, 0, 0, 0}) != 7 {
		t.Fatalf("unexpected reloaded model: %+v", got)
	}

	if err := second.Invalidate(ctx, key); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, ok := second.Get(ctx, key); ok {
		t.Fatalf("expected model gone after invalidate")
	}
}

func TestRetrainClearsModels(t *testing.T) {
	s := newTestStore(t)
	insertAll(t, s, hourly("/api/orders", "prod", 48, 120))
	e := newTestEngine(t, s)
	ctx := context.Background()

	if _, err := e.ForecastErrorRate(ctx, "/api/orders", "prod", 1); err != nil {
		t.Fatalf("forecast: %v", err)
	}
	if e.Models().Len() != 1 {
		t.Fatalf("expected one cached model, got %d", e.Models().Len())
	}
	if err := e.Retrain(ctx, "", ""); err != nil {
		t.Fatalf("retrain: %v", err)
	}
	if e.Models().Len() != 0 {
		t.Fatalf("expected empty cache, got %d", e.Models().Len())
	}
	key := model.ModelKey{APIName: "/api/orders", Environment: "prod", Metric: string(model.PredictionErrorRate)}
	if _, err := s.LoadModel(ctx, key); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected persisted model removed, got %v", err)
	}
}

func newTestEngine(t *testing.T, s *storage.SQLStore) *Engine {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Forecast.Trees = 10
	models, err := NewModelStore(16, s, nil)
	if err != nil {
		t.Fatalf("model store: %v", err)
	}
	e, err := NewEngine(cfg, s, models, nil)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	e.SetClock(func() time.Time { return testNow })
	return e
}

func newTestStore(t *testing.T) *storage.SQLStore {
	t.Helper()
	s, err := storage.NewSQLite("file:" + filepath.Join(t.TempDir(), "forecast.db") + "?_pragma=busy_timeout(5000)")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return s
}

func insertAll(t *testing.T, s *storage.SQLStore, recs []model.LogRecord) {
	t.Helper()
	if _, err := s.InsertLogs(context.Background(), recs); err != nil {
		t.Fatalf("insert: %v", err)
	}
}

// hourly returns n successful calls, one per hour, ending at testNow.
func hourly(api, env string, n int, rt float64) []model.LogRecord {
	recs := make([]model.LogRecord, 0, n)
	for i := 0; i < n; i++ {
		v := rt
		status := 200
		recs = append(recs, model.LogRecord{
			APIName:      api,
			Environment:  env,
			Timestamp:    testNow.Add(-time.Duration(i) * time.Hour),
			ResponseTime: &v,
			StatusCode:   &status,
		})
	}
	return recs
}
