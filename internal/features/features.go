// Package features turns log records into the numeric matrices consumed by
// the detectors and forecasters. Everything here is pure and works in UTC.
package features

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"apipulse/internal/model"
)

// DefaultRiskKeywords mark endpoints treated as sensitive by the stream
// scorer.
var DefaultRiskKeywords = []string{"admin", "debug"}

const (
	riskHigh = 0.9
	riskLow  = 0.1
)

type TimeFeature struct {
	Hour          int
	DayOfWeek     int // Monday=0 ... Sunday=6
	IsWeekend     bool
	IsBusinessHrs bool
}

func TimeFeatures(ts time.Time) TimeFeature {
	ts = ts.UTC()
	dow := (int(ts.Weekday()) + 6) % 7
	h := ts.Hour()
	return TimeFeature{
		Hour:          h,
		DayOfWeek:     dow,
		IsWeekend:     dow >= 5,
		IsBusinessHrs: h >= 9 && h < 17,
	}
}

// Vector is the forecast column order {hour, dow, weekend, business}.
func (tf TimeFeature) Vector() []float64 {
	return []float64{float64(tf.Hour), float64(tf.DayOfWeek), boolf(tf.IsWeekend), boolf(tf.IsBusinessHrs)}
}

func EndpointRisk(name string, keywords []string) float64 {
	if len(keywords) == 0 {
		keywords = DefaultRiskKeywords
	}
	lower := strings.ToLower(name)
	for _, kw := range keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return riskHigh
		}
	}
	return riskLow
}

// DensityMatrix builds {response_time, hour, dow} rows for records carrying
// a latency. kept[i] is the record behind row i.
func DensityMatrix(recs []model.LogRecord, minRows int) (rows [][]float64, kept []model.LogRecord, err error) {
	rows = make([][]float64, 0, len(recs))
	kept = make([]model.LogRecord, 0, len(recs))
	for _, r := range recs {
		if r.ResponseTime == nil {
			continue
		}
		tf := TimeFeatures(r.Timestamp)
		rows = append(rows, []float64{*r.ResponseTime, float64(tf.Hour), float64(tf.DayOfWeek)})
		kept = append(kept, r)
	}
	if len(rows) < minRows {
		return nil, nil, insufficient(len(rows), minRows)
	}
	return rows, kept, nil
}

// ForecastMatrix builds time-feature rows with response time as target.
func ForecastMatrix(recs []model.LogRecord, minRows int) (x [][]float64, y []float64, err error) {
	for _, r := range recs {
		if r.ResponseTime == nil {
			continue
		}
		x = append(x, TimeFeatures(r.Timestamp).Vector())
		y = append(y, *r.ResponseTime)
	}
	if len(x) < minRows {
		return nil, nil, insufficient(len(x), minRows)
	}
	return x, y, nil
}

// StreamVector is {response_time, is_error, endpoint_risk}.
func StreamVector(r model.LogRecord, keywords []string) []float64 {
	return []float64{r.ResponseTimeMS(), boolf(r.IsError), EndpointRisk(r.APIName, keywords)}
}

type ErrorBucket struct {
	Start  time.Time
	Total  int
	Errors int
	Rate   float64 // percent
}

// BucketErrorRates groups records into floor(size) buckets, oldest first.
func BucketErrorRates(recs []model.LogRecord, size time.Duration) []ErrorBucket {
	if size <= 0 {
		size = time.Hour
	}
	byStart := make(map[int64]*ErrorBucket)
	for _, r := range recs {
		start := r.Timestamp.UTC().Truncate(size)
		b, ok := byStart[start.UnixNano()]
		if !ok {
			b = &ErrorBucket{Start: start}
			byStart[start.UnixNano()] = b
		}
		b.Total++
		if r.IsError {
			b.Errors++
		}
	}
	out := make([]ErrorBucket, 0, len(byStart))
	for _, b := range byStart {
		b.Rate = float64(b.Errors) / float64(b.Total) * 100
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

func HourlyErrorRates(recs []model.LogRecord) []ErrorBucket {
	return BucketErrorRates(recs, time.Hour)
}

// ErrorRateMatrix maps hourly buckets to time-feature rows with the rate as
// target.
func ErrorRateMatrix(buckets []ErrorBucket) (x [][]float64, y []float64) {
	x = make([][]float64, 0, len(buckets))
	y = make([]float64, 0, len(buckets))
	for _, b := range buckets {
		x = append(x, TimeFeatures(b.Start).Vector())
		y = append(y, b.Rate)
	}
	return x, y
}

type GroupKey struct {
	APIName     string
	Environment string
}

func (k GroupKey) String() string {
	return k.APIName + "|" + k.Environment
}

// GroupByAPIEnv partitions records and returns keys in a stable order.
func GroupByAPIEnv(recs []model.LogRecord) ([]GroupKey, map[GroupKey][]model.LogRecord) {
	groups := make(map[GroupKey][]model.LogRecord)
	for _, r := range recs {
		k := GroupKey{APIName: r.APIName, Environment: r.Environment}
		groups[k] = append(groups[k], r)
	}
	return sortedKeys(groups), groups
}

// GroupByAPI partitions by api name only.
func GroupByAPI(recs []model.LogRecord) ([]string, map[string][]model.LogRecord) {
	groups := make(map[string][]model.LogRecord)
	for _, r := range recs {
		groups[r.APIName] = append(groups[r.APIName], r)
	}
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, groups
}

func sortedKeys(groups map[GroupKey][]model.LogRecord) []GroupKey {
	keys := make([]GroupKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].APIName != keys[j].APIName {
			return keys[i].APIName < keys[j].APIName
		}
		return keys[i].Environment < keys[j].Environment
	})
	return keys
}

func insufficient(have, want int) error {
	return fmt.Errorf("%w: %d rows, need %d", model.ErrInsufficientData, have, want)
}

func boolf(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
