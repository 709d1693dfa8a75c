package anomaly

import (
	"context"
	"time"

	"apipulse/internal/features"
	"apipulse/internal/ml"
	"apipulse/internal/model"
)

// DetectPatternChange compares the last RecentWindow of traffic with the
// older history. Both sides are standardised with historical statistics and
// clustered with DBSCAN; drift is reported when the recent noise share
// exceeds DriftThreshold percent.
func (e *Engine) DetectPatternChange(ctx context.Context, q Query) (Result, error) {
	start := time.Now()
	defer observe(model.AnomalyPatternChange, start)
	cfg := e.config().Detection
	res := Result{Type: model.AnomalyPatternChange}

	now := e.now()
	recs, err := e.store.QueryLogs(ctx, model.LogFilter{
		APIName:     q.APIName,
		Environment: q.Environment,
		Since:       now.Add(-cfg.PatternLookback),
	})
	if err != nil {
		return res, err
	}
	if len(recs) < cfg.PatternMinSamples {
		return res, nil
	}
	recentCut := now.Add(-cfg.RecentWindow)
	keys, groups := features.GroupByAPIEnv(recs)
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		group := groups[key]
		if len(group) < cfg.PatternMinSamples {
			continue
		}
		e.guard(model.AnomalyPatternChange, key.String(), func() error {
			var recent, historical []model.LogRecord
			for _, r := range group {
				if r.Timestamp.Before(recentCut) {
					historical = append(historical, r)
				} else {
					recent = append(recent, r)
				}
			}
			histRows, _, err := features.DensityMatrix(historical, cfg.PatternMinHistorical)
			if err != nil {
				return err
			}
			recentRows, _, err := features.DensityMatrix(recent, cfg.PatternMinRecent)
			if err != nil {
				return err
			}
			scaler := ml.FitScaler(histRows)
			_, histClusters := ml.DBSCAN(scaler.Transform(histRows), cfg.DriftEps, cfg.DriftMinSamples)
			labels, recentClusters := ml.DBSCAN(scaler.Transform(recentRows), cfg.DriftEps, cfg.DriftMinSamples)
			noisePct := ml.NoiseFraction(labels) * 100
			e.logger.Debug("pattern clusters",
				"group", key.String(),
				"historical_clusters", histClusters,
				"recent_clusters", recentClusters,
				"recent_noise_pct", noisePct,
			)
			if noisePct <= cfg.DriftThreshold {
				return nil
			}
			e.record(ctx, &res, model.AnomalyRecord{
				APIName:      key.APIName,
				Environment:  key.Environment,
				AnomalyType:  model.AnomalyPatternChange,
				AnomalyValue: ml.Mean(ml.Column(recentRows, 0)),
				AnomalyScore: noisePct,
				DetectedAt:   now,
			}, cfg.DedupWindow)
			return nil
		})
	}
	return res, nil
}
