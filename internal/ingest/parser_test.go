package ingest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"apipulse/internal/config"
	"apipulse/internal/model"
	"apipulse/internal/normalize"
)

func TestParseTextPatterns(t *testing.T) {
	p := mustParser(t, FormatText)
	payload := strings.Join([]string{
		`10.0.0.1 - - [10/Mar/2026:12:00:00 +0000] "GET /api/orders HTTP/1.1" 200 512 "-" "curl/8.0" 45.5ms`,
		`2026-03-10T12:01:00Z [staging] /api/users - 503 - 120ms`,
		`timestamp=2026-03-10T12:02:00Z, api=/api/search, status=404, response_time=80, environment=prod`,
		`garbage that matches nothing`,
	}, "\n")
	recs, err := p.Parse([]byte(payload))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	if recs[0].APIName != "/api/orders" || recs[0].Status() != 200 || recs[0].ResponseTimeMS() != 45.5 || recs[0].IsError {
		t.Fatalf("access log: %+v", recs[0])
	}
	if !strings.Contains(recs[0].AdditionalInfo, `"method":"GET"`) {
		t.Fatalf("expected method in extras, got %q", recs[0].AdditionalInfo)
	}
	if recs[1].Environment != "staging" || recs[1].Status() != 503 || !recs[1].IsError {
		t.Fatalf("bracket log: %+v", recs[1])
	}
	if recs[2].APIName != "/api/search" || recs[2].Environment != "prod" || recs[2].ResponseTimeMS() != 80 {
		t.Fatalf("key=value log: %+v", recs[2])
	}
	if _, err := p.Parse([]byte("nothing useful here")); err == nil {
		t.Fatalf("expected error when no line matches")
	}
}

func TestParseCSV(t *testing.T) {
	p := mustParser(t, FormatCSV)
	recs, err := p.Parse([]byte("timestamp,endpoint,env,resp_time,statusCode\n2026-03-10T12:00:00Z,/api/orders,prod,40,200\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(recs) != 1 || recs[0].APIName != "/api/orders" || recs[0].ResponseTimeMS() != 40 {
		t.Fatalf("unexpected records: %+v", recs)
	}
	// The header carries over to later payloads from the same stream.
	recs, err = p.Parse([]byte("2026-03-10T12:00:05Z,/api/orders,prod,55,500"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(recs) != 1 || recs[0].Status() != 500 || !recs[0].IsError {
		t.Fatalf("unexpected records: %+v", recs)
	}
}

func TestParseJSONVariants(t *testing.T) {
	p := mustParser(t, FormatJSON)
	recs, err := p.Parse([]byte(`{"apiName":"/api/a","responseTime":12,"status":200,"timestamp":1773146096000}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := time.Date(2026, 3, 10, 12, 34, 56, 0, time.UTC)
	if len(recs) != 1 || !recs[0].Timestamp.Equal(want) || recs[0].ResponseTimeMS() != 12 {
		t.Fatalf("single object: %+v", recs)
	}

	recs, err = p.Parse([]byte(`[{"api":"/api/a"},{"api":"/api/b","status_code":500}]`))
	if err != nil || len(recs) != 2 {
		t.Fatalf("array: %v %+v", err, recs)
	}
	if recs[0].StatusCode != nil || recs[0].IsError || !recs[1].IsError {
		t.Fatalf("is_error must follow status presence: %+v", recs)
	}

	recs, err = p.Parse([]byte("{\"api\":\"/api/a\"}\n{\"api\":\"/api/b\"}\n"))
	if err != nil || len(recs) != 2 {
		t.Fatalf("ndjson: %v %+v", err, recs)
	}
}

func TestUnknownFormat(t *testing.T) {
	_, err := NewParser("xml", normalize.New(config.ParserConfig{}))
	if !errors.Is(err, model.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestSinkDropsReplayedRequestIDs(t *testing.T) {
	out := make(chan model.LogRecord, 10)
	sink := NewSink(out, time.Minute, nil)
	recs := []model.LogRecord{
		{APIName: "/api/a", RequestID: "r1"},
		{APIName: "/api/a", RequestID: "r1"},
		{APIName: "/api/a", RequestID: "r2"},
	}
	accepted, dropped := sink.Emit(context.Background(), "test", recs)
	if accepted != 2 || dropped != 1 {
		t.Fatalf("expected 2 accepted 1 dropped, got %d/%d", accepted, dropped)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 queued records, got %d", len(out))
	}
	if sink.seen.Len() != 2 {
		t.Fatalf("expected 2 remembered request ids, got %d", sink.seen.Len())
	}
}

func TestSinkDropsWhenFull(t *testing.T) {
	out := make(chan model.LogRecord, 1)
	sink := NewSink(out, 0, nil)
	accepted, dropped := sink.Emit(context.Background(), "test", []model.LogRecord{{APIName: "/a"}, {APIName: "/b"}})
	if accepted != 1 || dropped != 1 {
		t.Fatalf("expected 1 accepted 1 dropped, got %d/%d", accepted, dropped)
	}
}

func TestRESTHandler(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Ingest.RateLimit = 0.001
	cfg.Ingest.RateBurst = 2
	out := make(chan model.LogRecord, 10)
	h := NewRESTHandler(config.NewStaticManager(cfg), normalize.New(cfg.Ingest.Parser), NewSink(out, 0, nil), nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/ingest?format=text",
		strings.NewReader("2026-03-10T12:01:00Z [prod] /api/users - 200 - 20ms")))
	if rec.Code != http.StatusAccepted || len(out) != 1 {
		t.Fatalf("expected accepted record, got %d (%s)", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/ingest?format=yaml", strings.NewReader("x")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown format, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(`{"api":"/x"}`)))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %d", rec.Code)
	}
}

func mustParser(t *testing.T, format string) Parser {
	t.Helper()
	p, err := NewParser(format, normalize.New(config.ParserConfig{Timezone: "UTC"}))
	if err != nil {
		t.Fatalf("parser: %v", err)
	}
	return p
}
