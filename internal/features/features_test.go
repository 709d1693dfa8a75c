package features

import (
	"errors"
	"testing"
	"time"

	"apipulse/internal/model"
)

func TestTimeFeaturesMondayZero(t *testing.T) {
	// 2026-03-02 is a Monday
	tf := TimeFeatures(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	if tf.DayOfWeek != 0 || tf.IsWeekend || !tf.IsBusinessHrs {
		t.Fatalf("monday 09:00: %+v", tf)
	}
	tf = TimeFeatures(time.Date(2026, 3, 8, 17, 0, 0, 0, time.UTC))
	if tf.DayOfWeek != 6 || !tf.IsWeekend || tf.IsBusinessHrs {
		t.Fatalf("sunday 17:00: %+v", tf)
	}
	tf = TimeFeatures(time.Date(2026, 3, 7, 1, 0, 0, 0, time.FixedZone("x", 3*3600)))
	if tf.Hour != 22 || tf.DayOfWeek != 4 {
		t.Fatalf("expected UTC conversion: %+v", tf)
	}
}

func TestEndpointRisk(t *testing.T) {
	if EndpointRisk("/api/Admin/users", nil) != 0.9 {
		t.Fatalf("admin endpoint should be risky")
	}
	if EndpointRisk("/api/orders", nil) != 0.1 {
		t.Fatalf("orders endpoint should be low risk")
	}
}

func TestDensityMatrixSkipsMissingLatency(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	recs := []model.LogRecord{rec(base, 100, false), {Timestamp: base}, rec(base, 120, false)}
	rows, kept, err := DensityMatrix(recs, 2)
	if err != nil {
		t.Fatalf("matrix: %v", err)
	}
	if len(rows) != 2 || len(kept) != 2 || rows[1][0] != 120 || rows[0][1] != 10 {
		t.Fatalf("rows: %v", rows)
	}
	if _, _, err := DensityMatrix(recs, 3); !errors.Is(err, model.ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
}

func TestBucketErrorRates(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	recs := []model.LogRecord{
		rec(base.Add(1*time.Minute), 10, true),
		rec(base.Add(2*time.Minute), 10, false),
		rec(base.Add(11*time.Minute), 10, false),
		rec(base.Add(3*time.Minute), 10, false),
		rec(base.Add(4*time.Minute), 10, true),
	}
	b := BucketErrorRates(recs, 10*time.Minute)
	if len(b) != 2 {
		t.Fatalf("buckets: %v", b)
	}
	if !b[0].Start.Equal(base) || b[0].Total != 4 || b[0].Rate != 50 {
		t.Fatalf("first bucket: %+v", b[0])
	}
	if b[1].Rate != 0 {
		t.Fatalf("second bucket: %+v", b[1])
	}
	x, y := ErrorRateMatrix(HourlyErrorRates(recs))
	if len(x) != 1 || y[0] != 40 || len(x[0]) != 4 {
		t.Fatalf("hourly: %v %v", x, y)
	}
}

func TestWindowEvictsByCount(t *testing.T) {
	w := NewWindow(3, 0)
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		w.Add(rec(base.Add(time.Duration(i)*time.Second), float64(i), i%2 == 0))
	}
	snap := w.Snapshot()
	if len(snap) != 3 || snap[0].ResponseTimeMS() != 2 {
		t.Fatalf("snapshot: %v", snap)
	}
	st := w.Stats()
	if st.Count != 3 || st.MeanLatency != 3 {
		t.Fatalf("stats: %+v", st)
	}
	// records 2 and 4 are errors
	if st.ErrorRate < 66.6 || st.ErrorRate > 66.7 {
		t.Fatalf("error rate: %v", st.ErrorRate)
	}
}

func TestWindowEvictsByAge(t *testing.T) {
	w := NewWindow(100, time.Minute)
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	w.Add(rec(base, 1, false))
	w.Add(rec(base.Add(30*time.Second), 1, false))
	w.Add(rec(base.Add(90*time.Second), 1, false))
	if w.Len() != 2 {
		t.Fatalf("expected oldest evicted, len=%d", w.Len())
	}
}

func rec(ts time.Time, rt float64, isErr bool) model.LogRecord {
	status := 200
	if isErr {
		status = 500
	}
	return model.LogRecord{APIName: "/api/x", Environment: "prod", Timestamp: ts, ResponseTime: &rt, StatusCode: &status, IsError: isErr}
}
