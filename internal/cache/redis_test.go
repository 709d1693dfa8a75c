package cache

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"apipulse/internal/model"
)

func TestModelKeyGroupsByMetric(t *testing.T) {
	k := ModelKey(model.ModelKey{APIName: "/api/orders", Environment: "prod", Metric: "response_time"})
	if k != "apipulse:model:response_time:/api/orders|prod" {
		t.Fatalf("unexpected key %q", k)
	}
	if !strings.HasPrefix(k, keyPrefix+"response_time:") {
		t.Fatalf("key must carry the metric prefix used by DeleteModels")
	}
}

func TestRedisModelsLifecycle(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	r, err := NewRedisModels(ctx, mr.Addr(), time.Hour)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })

	density := model.ModelKey{APIName: "/api/orders", Environment: "all", Metric: "density"}
	latency := model.ModelKey{APIName: "/api/orders", Environment: "prod", Metric: "response_time"}
	errRate := model.ModelKey{APIName: "/api/orders", Environment: "prod", Metric: "error_rate"}

	if _, err := r.LoadModel(ctx, density); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before save, got %v", err)
	}
	for _, k := range []model.ModelKey{density, latency, errRate} {
		if err := r.SaveModel(ctx, model.TrainedModel{Key: k, Kind: "forest", Payload: []byte(`{"v":1}`), Samples: 30}); err != nil {
			t.Fatalf("save %s: %v", k, err)
		}
	}
	got, err := r.LoadModel(ctx, latency)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Key != latency || got.Kind != "forest" || got.Samples != 30 || string(got.Payload) != `{"v":1}` || got.TrainedAt.IsZero() {
		t.Fatalf("unexpected model: %+v", got)
	}
	if ttl := mr.TTL(ModelKey(latency)); ttl != time.Hour {
		t.Fatalf("expected 1h ttl, got %v", ttl)
	}
	if n := indexSize(t, mr); n != 3 {
		t.Fatalf("expected 3 indexed models, got %d", n)
	}

	n, err := r.DeleteModels(ctx, "density")
	if err != nil || n != 1 {
		t.Fatalf("delete density: n=%d err=%v", n, err)
	}
	if _, err := r.LoadModel(ctx, density); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("density model should be gone, got %v", err)
	}
	if _, err := r.LoadModel(ctx, latency); err != nil {
		t.Fatalf("forecast model must survive a density purge: %v", err)
	}
	if n := indexSize(t, mr); n != 2 {
		t.Fatalf("expected 2 indexed models, got %d", n)
	}

	if err := r.DeleteModel(ctx, latency); err != nil {
		t.Fatalf("delete one: %v", err)
	}
	if n := indexSize(t, mr); n != 1 {
		t.Fatalf("expected 1 indexed model, got %d", n)
	}
	if n, err := r.DeleteModels(ctx, ""); err != nil || n != 1 {
		t.Fatalf("delete all: n=%d err=%v", n, err)
	}
	if _, err := r.LoadModel(ctx, errRate); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after purge, got %v", err)
	}
	if n, err := r.DeleteModels(ctx, ""); err != nil || n != 0 {
		t.Fatalf("empty purge: n=%d err=%v", n, err)
	}
}

func TestRedisModelsUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := NewRedisModels(ctx, addr, time.Hour); !errors.Is(err, model.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
}

func indexSize(t *testing.T, mr *miniredis.Miniredis) int {
	t.Helper()
	if !mr.Exists(indexKey) {
		return 0
	}
	members, err := mr.SMembers(indexKey)
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	return len(members)
}
