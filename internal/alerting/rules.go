package alerting

import (
	"context"

	"apipulse/internal/metrics"
	"apipulse/internal/model"
)

func (e *Engine) Rules(ctx context.Context, f model.RuleFilter) ([]model.AlertRule, error) {
	return e.store.ListRules(ctx, f)
}

func (e *Engine) Rule(ctx context.Context, id int64) (model.AlertRule, error) {
	return e.store.GetRule(ctx, id)
}

func (e *Engine) AddRule(ctx context.Context, r model.AlertRule) (model.AlertRule, error) {
	added, err := e.store.AddRule(ctx, r)
	if err != nil {
		return added, err
	}
	e.logger.Info("alert rule added", "rule_id", added.ID, "api_name", added.APIName,
		"environment", added.Environment, "rule_type", added.RuleType, "threshold", added.Threshold)
	return added, nil
}

func (e *Engine) UpdateRule(ctx context.Context, id int64, u model.RuleUpdate) (model.AlertRule, error) {
	return e.store.UpdateRule(ctx, id, u)
}

func (e *Engine) DeleteRule(ctx context.Context, id int64) error {
	if err := e.store.DeleteRule(ctx, id); err != nil {
		return err
	}
	e.logger.Info("alert rule deleted", "rule_id", id)
	return nil
}

// Resolve closes one alert by id on operator request.
func (e *Engine) Resolve(ctx context.Context, id int64) error {
	if err := e.store.ResolveAlert(ctx, id); err != nil {
		return err
	}
	metrics.AlertsTotal.WithLabelValues(string(ActionResolved), "manual").Inc()
	return nil
}

func (e *Engine) Active(ctx context.Context, apiName, environment string) ([]model.AlertRecord, error) {
	return e.store.ActiveAlerts(ctx, apiName, environment)
}
