package normalize

import (
	"strings"
	"testing"
	"time"

	"apipulse/internal/config"
)

func TestNormalizeAliases(t *testing.T) {
	n := New(config.ParserConfig{Timezone: "UTC"})
	rec, err := n.Normalize(Fields{
		"endpoint":     "/api/orders",
		"env":          "staging",
		"responsetime": "182.5",
		"statuscode":   "503",
		"date":         "2026-03-10T12:00:00Z",
		"requestid":    "req-1",
		"region":       "eu-west-1",
	})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if rec.APIName != "/api/orders" || rec.Environment != "staging" || rec.RequestID != "req-1" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.ResponseTime == nil || *rec.ResponseTime != 182.5 {
		t.Fatalf("response time: %v", rec.ResponseTime)
	}
	if rec.StatusCode == nil || *rec.StatusCode != 503 || !rec.IsError {
		t.Fatalf("status: %v error=%v", rec.StatusCode, rec.IsError)
	}
	if !rec.Timestamp.Equal(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("timestamp: %v", rec.Timestamp)
	}
	if rec.AdditionalInfo != `{"region":"eu-west-1"}` {
		t.Fatalf("extras: %q", rec.AdditionalInfo)
	}
}

func TestNormalizeMissingFields(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	n := New(config.ParserConfig{DefaultEnvironment: "production"})
	n.SetClock(func() time.Time { return now })

	rec, err := n.Normalize(Fields{"api": "/api/users", "latency_ms": "40ms"})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if rec.StatusCode != nil || rec.IsError {
		t.Fatalf("missing status must stay null and not an error: %+v", rec)
	}
	if rec.ResponseTime == nil || *rec.ResponseTime != 40 {
		t.Fatalf("response time: %v", rec.ResponseTime)
	}
	if rec.Environment != "production" || !rec.Timestamp.Equal(now) {
		t.Fatalf("defaults not applied: %+v", rec)
	}
	if len(rec.RequestID) != 36 || strings.Count(rec.RequestID, "-") != 4 {
		t.Fatalf("expected generated uuid, got %q", rec.RequestID)
	}

	rec, err = n.Normalize(Fields{"api": "/api/users", "response_time": "fast", "status": "n/a"})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if rec.ResponseTime != nil || rec.StatusCode != nil {
		t.Fatalf("unreadable values must be null: %+v", rec)
	}
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2026, 3, 10, 12, 34, 56, 0, time.UTC)
	cases := []string{
		"2026-03-10T12:34:56Z",
		"2026-03-10 12:34:56",
		"10/Mar/2026:12:34:56 +0000",
		"1773146096",
		"1773146096000",
	}
	for _, c := range cases {
		got, err := ParseTimestamp(c, time.UTC)
		if err != nil {
			t.Fatalf("%q: %v", c, err)
		}
		if !got.Equal(want) {
			t.Fatalf("%q: got %v", c, got)
		}
	}
	if _, err := ParseTimestamp("yesterday", time.UTC); err == nil {
		t.Fatalf("expected error for unsupported format")
	}
}

func TestNormalizeRejectsBadTimestamp(t *testing.T) {
	n := New(config.ParserConfig{})
	if _, err := n.Normalize(Fields{"api": "/x", "timestamp": "not-a-time"}); err == nil {
		t.Fatalf("expected error")
	}
}
