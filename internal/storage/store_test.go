package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"apipulse/internal/model"
)

func TestLogRoundTripKeepsErrorFlag(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 2, 10, 15, 30, 123456000, time.UTC)
	rec := model.LogRecord{
		APIName:      "/api/orders",
		Environment:  "prod",
		Timestamp:    ts,
		ResponseTime: floatPtr(231.5),
		StatusCode:   intPtr(503),
		IsError:      true,
		RequestID:    "req-1",
	}
	if _, err := s.InsertLog(ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	// missing status and latency stay null
	if _, err := s.InsertLog(ctx, model.LogRecord{APIName: "/api/orders", Environment: "prod", Timestamp: ts.Add(time.Second)}); err != nil {
		t.Fatalf("insert sparse: %v", err)
	}
	got, err := s.QueryLogs(ctx, model.LogFilter{APIName: "/api/orders"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(got))
	}
	first := got[0]
	if !first.Timestamp.Equal(ts) {
		t.Fatalf("timestamp: %v", first.Timestamp)
	}
	if first.ResponseTimeMS() != 231.5 || first.Status() != 503 {
		t.Fatalf("fields: %+v", first)
	}
	if first.IsError != (first.Status() >= 400) {
		t.Fatalf("is_error inconsistent with status")
	}
	if got[1].ResponseTime != nil || got[1].StatusCode != nil || got[1].IsError {
		t.Fatalf("sparse record should keep nulls: %+v", got[1])
	}
}

func TestInsertLogsBatchAndDistinct(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	recs := []model.LogRecord{
		logAt("/api/a", "prod", now, 100, 200),
		logAt("/api/b", "prod", now, 100, 200),
		logAt("/api/a", "staging", now, 100, 500),
	}
	n, err := s.InsertLogs(ctx, recs)
	if err != nil || n != 3 {
		t.Fatalf("batch insert: n=%d err=%v", n, err)
	}
	apis, err := s.DistinctAPIs(ctx)
	if err != nil || len(apis) != 2 || apis[0] != "/api/a" {
		t.Fatalf("apis: %v %v", apis, err)
	}
	envs, err := s.DistinctEnvironments(ctx)
	if err != nil || len(envs) != 2 {
		t.Fatalf("envs: %v %v", envs, err)
	}
}

func TestAnomalyDedupWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	a := model.AnomalyRecord{APIName: "/api/x", Environment: "prod", AnomalyType: model.AnomalyResponseTime, AnomalyValue: 900, AnomalyScore: -0.4, DetectedAt: base}

	if _, ok, err := s.InsertAnomaly(ctx, a, 5*time.Minute); err != nil || !ok {
		t.Fatalf("first insert: ok=%v err=%v", ok, err)
	}
	a.DetectedAt = base.Add(3 * time.Minute)
	if _, ok, err := s.InsertAnomaly(ctx, a, 5*time.Minute); err != nil || ok {
		t.Fatalf("expected duplicate suppressed: ok=%v err=%v", ok, err)
	}
	// other type on the same key is independent
	b := a
	b.AnomalyType = model.AnomalyErrorRate
	if _, ok, err := s.InsertAnomaly(ctx, b, 5*time.Minute); err != nil || !ok {
		t.Fatalf("other type insert: ok=%v err=%v", ok, err)
	}
	a.DetectedAt = base.Add(6 * time.Minute)
	if _, ok, err := s.InsertAnomaly(ctx, a, 5*time.Minute); err != nil || !ok {
		t.Fatalf("expected insert outside window: ok=%v err=%v", ok, err)
	}
}

func TestAcknowledgeAnomalyNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.AcknowledgeAnomaly(context.Background(), 4242)
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAlertUpsertWithinHour(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	first, created, err := s.UpsertAlert(ctx, model.AlertRecord{
		APIName: "/api/x", Environment: "prod", AlertType: "response_time",
		Message: "slow", Value: 700, CreatedAt: base, Severity: model.SeverityMedium,
	}, time.Hour)
	if err != nil || !created {
		t.Fatalf("create: created=%v err=%v", created, err)
	}
	second, created, err := s.UpsertAlert(ctx, model.AlertRecord{
		APIName: "/api/x", Environment: "prod", AlertType: "response_time",
		Message: "slower", Value: 900, CreatedAt: base.Add(30 * time.Minute), Severity: model.SeverityHigh,
	}, time.Hour)
	if err != nil || created {
		t.Fatalf("update: created=%v err=%v", created, err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected same row, got %d and %d", first.ID, second.ID)
	}
	active, err := s.ActiveAlerts(ctx, "/api/x", "")
	if err != nil || len(active) != 1 {
		t.Fatalf("active: %v %v", active, err)
	}
	if active[0].Value != 900 || active[0].Severity != model.SeverityHigh || active[0].Message != "slower" {
		t.Fatalf("row not updated: %+v", active[0])
	}
	n, err := s.ResolveActive(ctx, "/api/x", "prod", "response_time")
	if err != nil || n != 1 {
		t.Fatalf("resolve: n=%d err=%v", n, err)
	}
}

func TestAlertUpsertKeepsNewestCreatedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	first, _, err := s.UpsertAlert(ctx, model.AlertRecord{
		APIName: "/api/x", Environment: "prod", AlertType: "response_time",
		Message: "slow", Value: 700, CreatedAt: base,
	}, time.Hour)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// a re-detected older candidate refreshes the row without rewinding it
	again, created, err := s.UpsertAlert(ctx, model.AlertRecord{
		APIName: "/api/x", Environment: "prod", AlertType: "response_time",
		Message: "slow", Value: 650, CreatedAt: base.Add(-10 * time.Minute),
	}, time.Hour)
	if err != nil || created || again.ID != first.ID {
		t.Fatalf("refresh: %+v created=%v err=%v", again, created, err)
	}
	if !again.CreatedAt.Equal(base) {
		t.Fatalf("created_at moved to %s", again.CreatedAt)
	}
	active, err := s.ActiveAlerts(ctx, "/api/x", "prod")
	if err != nil || len(active) != 1 {
		t.Fatalf("active: %v %v", active, err)
	}
	if !active[0].CreatedAt.Equal(base) {
		t.Fatalf("stored created_at moved to %s", active[0].CreatedAt)
	}
}

func TestSeedAndListRules(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	n, err := s.SeedDefaultRules(ctx)
	if err != nil || n != 3 {
		t.Fatalf("seed: n=%d err=%v", n, err)
	}
	if n, _ := s.SeedDefaultRules(ctx); n != 0 {
		t.Fatalf("second seed should be a no-op, wrote %d", n)
	}
	if _, err := s.AddRule(ctx, model.AlertRule{APIName: "/api/pay", Environment: "prod", RuleType: "response_time", Threshold: 200, IsActive: true}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := s.AddRule(ctx, model.AlertRule{APIName: "/api/other", Environment: "prod", RuleType: "response_time", Threshold: 200, IsActive: true}); err != nil {
		t.Fatalf("add: %v", err)
	}
	rules, err := s.ListRules(ctx, model.RuleFilter{APIName: "/api/pay", RuleType: "response_time"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("expected exact + wildcard rule, got %d", len(rules))
	}
	if rules[0].APIName != "/api/pay" {
		t.Fatalf("expected newest first, got %s", rules[0].APIName)
	}
	th := 250.0
	off := false
	updated, err := s.UpdateRule(ctx, rules[0].ID, model.RuleUpdate{Threshold: &th, IsActive: &off})
	if err != nil || updated.Threshold != 250 || updated.IsActive {
		t.Fatalf("update: %+v %v", updated, err)
	}
	if err := s.DeleteRule(ctx, 9999); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRetentionCleanup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })
	old := now.Add(-31 * 24 * time.Hour)
	fresh := now.Add(-29 * 24 * time.Hour)

	mustInsertLog(t, s, logAt("/api/a", "prod", old, 10, 200))
	mustInsertLog(t, s, logAt("/api/a", "prod", fresh, 10, 200))
	for _, at := range []time.Time{old, fresh} {
		if _, _, err := s.InsertAnomaly(ctx, model.AnomalyRecord{APIName: "/api/a", Environment: "prod", AnomalyType: model.AnomalyErrorRate, DetectedAt: at}, 5*time.Minute); err != nil {
			t.Fatalf("anomaly: %v", err)
		}
		if _, err := s.InsertPrediction(ctx, model.Prediction{APIName: "/api/a", Environment: "prod", PredictionType: model.PredictionErrorRate, PredictedAt: at, PredictionFor: at.Add(time.Hour)}); err != nil {
			t.Fatalf("prediction: %v", err)
		}
	}
	oldActive, _, err := s.UpsertAlert(ctx, model.AlertRecord{APIName: "/api/a", Environment: "prod", AlertType: "active", Message: "m", CreatedAt: old}, time.Hour)
	if err != nil {
		t.Fatalf("alert: %v", err)
	}
	oldResolved, _, err := s.UpsertAlert(ctx, model.AlertRecord{APIName: "/api/a", Environment: "prod", AlertType: "resolved", Message: "m", CreatedAt: old}, time.Hour)
	if err != nil {
		t.Fatalf("alert: %v", err)
	}
	if err := s.ResolveAlert(ctx, oldResolved.ID); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	s.SetClock(func() time.Time { return old })
	if _, err := s.AddRule(ctx, model.AlertRule{APIName: "/api/a", Environment: "prod", RuleType: "error_rate", Threshold: 5, IsActive: false}); err != nil {
		t.Fatalf("rule: %v", err)
	}
	s.SetClock(func() time.Time { return now })

	res, err := s.Cleanup(ctx, 30)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if res.LogsDeleted != 1 || res.AnomaliesDeleted != 1 || res.PredictionsDeleted != 1 {
		t.Fatalf("unexpected counts: %+v", res)
	}
	if res.AlertsDeleted != 1 {
		t.Fatalf("only the inactive old alert should go: %+v", res)
	}
	active, err := s.ActiveAlerts(ctx, "", "")
	if err != nil || len(active) != 1 || active[0].ID != oldActive.ID {
		t.Fatalf("active old alert must survive: %v %v", active, err)
	}
	logs, err := s.QueryLogs(ctx, model.LogFilter{})
	if err != nil || len(logs) != 1 || !logs[0].Timestamp.Equal(fresh) {
		t.Fatalf("29-day record must survive: %v %v", logs, err)
	}
	rules, err := s.ListRules(ctx, model.RuleFilter{APIName: "/api/a", RuleType: "error_rate"})
	if err != nil || len(rules) != 1 || rules[0].IsActive {
		t.Fatalf("inactive rule must survive cleanup: %v %v", rules, err)
	}
}

func TestHealthOverviewRounding(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })
	mustInsertLog(t, s, logAt("/api/a", "prod", now.Add(-time.Hour), 100, 200))
	mustInsertLog(t, s, logAt("/api/a", "prod", now.Add(-time.Hour), 100.333, 200))
	mustInsertLog(t, s, logAt("/api/b", "prod", now.Add(-time.Hour), 50, 500))
	mustInsertLog(t, s, logAt("/api/b", "prod", now.Add(-48*time.Hour), 9999, 500))
	h, err := s.HealthOverview(context.Background())
	if err != nil {
		t.Fatalf("overview: %v", err)
	}
	if h.TotalAPIs != 2 || h.TotalCalls != 3 {
		t.Fatalf("counts: %+v", h)
	}
	if h.AvgResponseTime != 83.44 {
		t.Fatalf("avg: %v", h.AvgResponseTime)
	}
	if h.ErrorRate != 33.33 {
		t.Fatalf("error rate: %v", h.ErrorRate)
	}
}

func TestModelUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := model.ModelKey{APIName: "/api/a", Environment: "prod", Metric: "response_time"}
	if err := s.SaveModel(ctx, model.TrainedModel{Key: key, Kind: "forest", Payload: []byte(`{"v":1}`), Samples: 30}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveModel(ctx, model.TrainedModel{Key: key, Kind: "forest", Payload: []byte(`{"v":2}`), Samples: 40}); err != nil {
		t.Fatalf("resave: %v", err)
	}
	m, err := s.LoadModel(ctx, key)
	if err != nil || string(m.Payload) != `{"v":2}` || m.Samples != 40 {
		t.Fatalf("load: %+v %v", m, err)
	}
	if err := s.DeleteModel(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.LoadModel(ctx, key); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRebindPostgres(t *testing.T) {
	s := &SQLStore{dialect: dialectPostgres}
	got := s.rebind("SELECT a FROM t WHERE x = ? AND y = ?")
	if got != "SELECT a FROM t WHERE x = $1 AND y = $2" {
		t.Fatalf("rebind: %s", got)
	}
}

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "test.db") + "?_pragma=busy_timeout(5000)"
	s, err := NewSQLite(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return s
}

func mustInsertLog(t *testing.T, s *SQLStore, rec model.LogRecord) {
	t.Helper()
	if _, err := s.InsertLog(context.Background(), rec); err != nil {
		t.Fatalf("insert log: %v", err)
	}
}

func logAt(api, env string, ts time.Time, rt float64, status int) model.LogRecord {
	return model.LogRecord{
		APIName:      api,
		Environment:  env,
		Timestamp:    ts,
		ResponseTime: floatPtr(rt),
		StatusCode:   intPtr(status),
		IsError:      status >= 400,
	}
}

func floatPtr(v float64) *float64 { return &v }

func intPtr(v int) *int { return &v }
