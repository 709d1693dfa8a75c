package anomaly

import (
	"context"
	"time"

	"apipulse/internal/features"
	"apipulse/internal/ml"
	"apipulse/internal/model"
)

// DetectErrorRate flags error-rate buckets whose z-score against the
// group's own buckets exceeds sensitivity. Higher sensitivity flags fewer.
func (e *Engine) DetectErrorRate(ctx context.Context, q Query) (Result, error) {
	start := time.Now()
	defer observe(model.AnomalyErrorRate, start)
	cfg := e.config().Detection
	res := Result{Type: model.AnomalyErrorRate}

	recs, err := e.store.QueryLogs(ctx, model.LogFilter{
		APIName:     q.APIName,
		Environment: q.Environment,
		Since:       e.now().Add(-cfg.ErrorRateLookback),
	})
	if err != nil {
		return res, err
	}
	if len(recs) < cfg.MinSamples {
		return res, nil
	}
	sensitivity := e.sensitivity(q)
	keys, groups := features.GroupByAPIEnv(recs)
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		group := groups[key]
		e.guard(model.AnomalyErrorRate, key.String(), func() error {
			buckets := features.BucketErrorRates(group, cfg.ErrorRateBucket)
			if len(buckets) < cfg.MinBuckets {
				return nil
			}
			rates := make([]float64, len(buckets))
			for i, b := range buckets {
				rates[i] = b.Rate
			}
			mean := ml.Mean(rates)
			std := ml.StdDev(rates, false)
			if std == 0 {
				return nil
			}
			for _, b := range buckets {
				z := (b.Rate - mean) / std
				if z <= sensitivity {
					continue
				}
				e.record(ctx, &res, model.AnomalyRecord{
					APIName:      key.APIName,
					Environment:  key.Environment,
					AnomalyType:  model.AnomalyErrorRate,
					AnomalyValue: b.Rate,
					AnomalyScore: z,
					DetectedAt:   b.Start,
				}, cfg.DedupWindow)
			}
			return nil
		})
	}
	return res, nil
}
