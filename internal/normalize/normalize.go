// Package normalize maps loosely keyed log fields onto model.LogRecord.
package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"apipulse/internal/config"
	"apipulse/internal/model"
)

// Fields is one parsed record before normalization. Keys are lower-cased
// by the parsers.
type Fields map[string]string

var (
	apiKeys       = []string{"api_name", "api", "apiname", "endpoint"}
	responseKeys  = []string{"response_time", "responsetime", "resp_time", "latency_ms"}
	statusKeys    = []string{"status_code", "status", "statuscode"}
	envKeys       = []string{"environment", "env"}
	timestampKeys = []string{"timestamp", "time", "date"}
	requestKeys   = []string{"request_id", "requestid"}
	userKeys      = []string{"user_id", "userid"}
)

var known = func() map[string]struct{} {
	m := make(map[string]struct{})
	for _, group := range [][]string{apiKeys, responseKeys, statusKeys, envKeys, timestampKeys, requestKeys, userKeys} {
		for _, k := range group {
			m[k] = struct{}{}
		}
	}
	return m
}()

type Normalizer struct {
	loc        *time.Location
	defaultEnv string
	now        func() time.Time
	newID      func() string
}

func New(cfg config.ParserConfig) *Normalizer {
	loc := time.UTC
	if cfg.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Timezone); err == nil {
			loc = l
		}
	}
	return &Normalizer{
		loc:        loc,
		defaultEnv: cfg.DefaultEnvironment,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
	}
}

// SetClock sets the time stamped on records that carry none.
func (n *Normalizer) SetClock(now func() time.Time) {
	if now != nil {
		n.now = now
	}
}

// Normalize resolves field aliases. Response time and status stay nil when
// absent or unreadable; is_error is only derived from a present status.
func (n *Normalizer) Normalize(f Fields) (model.LogRecord, error) {
	rec := model.LogRecord{
		APIName:     first(f, apiKeys),
		Environment: first(f, envKeys),
		RequestID:   first(f, requestKeys),
		UserID:      first(f, userKeys),
	}
	if rec.Environment == "" {
		rec.Environment = n.defaultEnv
	}

	rec.Timestamp = n.now()
	if raw := first(f, timestampKeys); raw != "" {
		ts, err := ParseTimestamp(raw, n.loc)
		if err != nil {
			return model.LogRecord{}, fmt.Errorf("parse timestamp: %w", err)
		}
		rec.Timestamp = ts.UTC()
	}

	if raw := first(f, responseKeys); raw != "" {
		if v, err := ParseDuration(raw); err == nil {
			rec.ResponseTime = &v
		}
	}
	if raw := first(f, statusKeys); raw != "" {
		if v, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
			rec.StatusCode = &v
			rec.IsError = v >= 400
		}
	}
	if rec.RequestID == "" {
		rec.RequestID = n.newID()
	}
	rec.AdditionalInfo = extras(f)
	return rec, nil
}

// ParseDuration reads a millisecond value with an optional "ms" suffix.
func ParseDuration(value string) (float64, error) {
	value = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(value), "ms"))
	return strconv.ParseFloat(value, 64)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05Z0700",
	"02/Jan/2006:15:04:05 -0700",
	"02/Jan/2006:15:04:05",
	"2006-01-02",
}

func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if loc == nil {
		loc = time.UTC
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

// parseUnix treats 13+ digits as milliseconds, anything shorter as seconds.
func parseUnix(value string) (time.Time, error) {
	v, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	if len(value) >= 13 {
		return time.UnixMilli(v).UTC(), nil
	}
	return time.Unix(v, 0).UTC(), nil
}

func first(f Fields, keys []string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(f[k]); v != "" {
			return v
		}
	}
	return ""
}

// extras encodes fields outside the known aliases as a JSON object.
func extras(f Fields) string {
	rest := make(map[string]string)
	for k, v := range f {
		if _, ok := known[k]; ok || v == "" {
			continue
		}
		rest[k] = v
	}
	if len(rest) == 0 {
		return ""
	}
	b, err := json.Marshal(rest)
	if err != nil {
		return ""
	}
	return string(b)
}
