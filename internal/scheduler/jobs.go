package scheduler

import (
	"context"

	"apipulse/internal/alerting"
	"apipulse/internal/anomaly"
	"apipulse/internal/config"
	"apipulse/internal/forecast"
	"apipulse/internal/model"
)

const (
	JobDetection = "detection"
	JobForecast  = "forecast"
	JobAlerts    = "alerts"
	JobRetention = "retention"
)

type Detector interface {
	RunCycle(ctx context.Context) (anomaly.Summary, error)
}

type Forecaster interface {
	RunAll(ctx context.Context) (forecast.RunSummary, error)
}

type AlertEvaluator interface {
	EvaluateAnomalies(ctx context.Context, anomalies []model.AnomalyRecord) []alerting.Outcome
	EvaluateWindows(ctx context.Context) ([]alerting.Outcome, error)
}

type Cleaner interface {
	Cleanup(ctx context.Context, daysToKeep int) (model.CleanupResult, error)
}

// Register adds the standard cycles. Any dependency left nil skips its job.
func (s *Scheduler) Register(cfg *config.Manager, det Detector, fc Forecaster, alerts AlertEvaluator, cleaner Cleaner) {
	sc := cfg.Get().Scheduler
	if det != nil {
		s.Add(Job{Name: JobDetection, Interval: sc.DetectionInterval, Timeout: sc.DetectionInterval, Run: func(ctx context.Context) error {
			sum, err := det.RunCycle(ctx)
			if err != nil {
				return err
			}
			if alerts != nil && len(sum.Detected) > 0 {
				alerts.EvaluateAnomalies(ctx, sum.Detected)
			}
			return nil
		}})
	}
	if fc != nil {
		s.Add(Job{Name: JobForecast, Interval: sc.ForecastInterval, Timeout: sc.ForecastInterval, Run: func(ctx context.Context) error {
			_, err := fc.RunAll(ctx)
			return err
		}})
	}
	if alerts != nil {
		s.Add(Job{Name: JobAlerts, Interval: sc.AlertInterval, Run: func(ctx context.Context) error {
			_, err := alerts.EvaluateWindows(ctx)
			return err
		}})
	}
	if cleaner != nil {
		s.Add(Job{Name: JobRetention, Interval: cfg.Get().Retention.Interval, Run: func(ctx context.Context) error {
			return RunRetention(ctx, cleaner, cfg.Get().Retention.DaysToKeep, s.logger)
		}})
	}
}
