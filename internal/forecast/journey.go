package forecast

import (
	"context"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"apipulse/internal/model"
)

const (
	HealthExcellent = "Excellent"
	HealthGood      = "Good"
	HealthFair      = "Fair"
	HealthPoor      = "Poor"
)

// journeyParallelism bounds concurrent per-API forecasts inside one journey.
const journeyParallelism = 4

type JourneyPoint struct {
	At           time.Time `json:"at"`
	ResponseTime float64   `json:"response_time"`
	ErrorRate    float64   `json:"error_rate"`
	Score        float64   `json:"health_score"`
	Status       string    `json:"health_status"`
}

type JourneyForecast struct {
	Name        string         `json:"journey"`
	Environment string         `json:"environment"`
	APIs        []string       `json:"apis"`
	Excluded    []string       `json:"excluded,omitempty"`
	Points      []JourneyPoint `json:"points"`
}

// HealthScore combines summed latency (seconds) with twice the worst error
// rate. Lower is healthier.
func HealthScore(totalResponseMS, maxErrorRate float64) float64 {
	return totalResponseMS/1000 + 2*maxErrorRate
}

func HealthStatus(score float64) string {
	switch {
	case score < 1:
		return HealthExcellent
	case score < 2:
		return HealthGood
	case score < 5:
		return HealthFair
	default:
		return HealthPoor
	}
}

type apiForecast struct {
	api    string
	rt, er Forecast
	ok     bool
}

// Journey forecasts every API of a user journey in one environment and
// aggregates per step: summed response time, worst error rate. APIs without
// both forecasts are excluded; if none remain the journey has no prediction.
func (e *Engine) Journey(ctx context.Context, name string, apis []string, environment string, horizon int) (JourneyForecast, error) {
	jf := JourneyForecast{Name: name, Environment: environment}
	if len(apis) == 0 {
		return jf, fmt.Errorf("%w: journey %q has no apis", model.ErrConfiguration, name)
	}
	horizon, err := e.horizon(horizon)
	if err != nil {
		return jf, err
	}

	results := make([]apiForecast, len(apis))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(journeyParallelism)
	for i, api := range apis {
		g.Go(func() error {
			res := apiForecast{api: api}
			rt, err := e.ForecastResponseTime(gctx, api, environment, horizon)
			if err != nil {
				e.logger.Warn("journey member failed", "journey", name, "api_name", api, "metric", "response_time", "err", err)
			}
			er, err := e.ForecastErrorRate(gctx, api, environment, horizon)
			if err != nil {
				e.logger.Warn("journey member failed", "journey", name, "api_name", api, "metric", "error_rate", "err", err)
			}
			res.rt, res.er = rt, er
			res.ok = rt.Status == StatusSuccess && er.Status == StatusSuccess
			results[i] = res
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return jf, err
	}

	var viable []apiForecast
	for _, r := range results {
		if r.ok {
			viable = append(viable, r)
			jf.APIs = append(jf.APIs, r.api)
		} else {
			jf.Excluded = append(jf.Excluded, r.api)
		}
	}
	if len(viable) == 0 {
		return jf, fmt.Errorf("%w: journey %q in %q", model.ErrNoViablePrediction, name, environment)
	}

	jf.Points = make([]JourneyPoint, 0, horizon)
	for step := 0; step < horizon; step++ {
		var (
			total  float64
			maxErr = math.Inf(-1)
			at     time.Time
		)
		for _, r := range viable {
			if step >= len(r.rt.Points) || step >= len(r.er.Points) {
				continue
			}
			total += r.rt.Points[step].Value
			maxErr = math.Max(maxErr, r.er.Points[step].Value)
			at = r.rt.Points[step].At
		}
		if math.IsInf(maxErr, -1) {
			break
		}
		score := HealthScore(total, maxErr)
		jf.Points = append(jf.Points, JourneyPoint{
			At:           at,
			ResponseTime: total,
			ErrorRate:    maxErr,
			Score:        score,
			Status:       HealthStatus(score),
		})
	}
	return jf, nil
}
