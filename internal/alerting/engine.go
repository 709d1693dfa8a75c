// Package alerting turns detector output and windowed log statistics into
// stored alerts using the most specific matching rule.
package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"apipulse/internal/config"
	"apipulse/internal/logging"
	"apipulse/internal/metrics"
	"apipulse/internal/model"
	"apipulse/internal/storage"
)

type Action string

const (
	ActionCreated  Action = "created"
	ActionUpdated  Action = "updated"
	ActionResolved Action = "resolved"
	ActionNone     Action = "none"
)

type Store interface {
	ListRules(ctx context.Context, f model.RuleFilter) ([]model.AlertRule, error)
	GetRule(ctx context.Context, id int64) (model.AlertRule, error)
	AddRule(ctx context.Context, r model.AlertRule) (model.AlertRule, error)
	UpdateRule(ctx context.Context, id int64, u model.RuleUpdate) (model.AlertRule, error)
	DeleteRule(ctx context.Context, id int64) error
	UpsertAlert(ctx context.Context, a model.AlertRecord, window time.Duration) (model.AlertRecord, bool, error)
	ResolveAlert(ctx context.Context, id int64) error
	ResolveActive(ctx context.Context, apiName, environment, alertType string) (int64, error)
	ActiveAlerts(ctx context.Context, apiName, environment string) ([]model.AlertRecord, error)
	WindowStats(ctx context.Context, apiName, environment string, since time.Time) (storage.WindowStats, error)
	DistinctAPIs(ctx context.Context) ([]string, error)
	DistinctEnvironments(ctx context.Context) ([]string, error)
}

// Notifier receives alerts as they are created or updated.
type Notifier interface {
	Notify(ctx context.Context, action Action, alert model.AlertRecord) error
}

// Sample is one observed value to test against the rules of its type.
type Sample struct {
	APIName     string
	Environment string
	RuleType    string
	Value       float64
	At          time.Time
}

type Outcome struct {
	Rule   *model.AlertRule   `json:"rule,omitempty"`
	Alert  *model.AlertRecord `json:"alert,omitempty"`
	Action Action             `json:"action"`
}

type Engine struct {
	logger   *slog.Logger
	store    Store
	notifier Notifier
	cooldown *Cooldown
	cfg      atomic.Value
	now      func() time.Time
}

func NewEngine(cfg *config.Config, store Store, notifier Notifier, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	e := &Engine{
		logger:   logger,
		store:    store,
		notifier: notifier,
		cooldown: NewCooldown(cfg.Alerts.NotifyCooldown),
		now:      func() time.Time { return time.Now().UTC() },
	}
	e.cfg.Store(cfg)
	return e
}

func (e *Engine) UpdateConfig(cfg *config.Config) {
	if cfg != nil {
		e.cfg.Store(cfg)
		e.cooldown.SetPeriod(cfg.Alerts.NotifyCooldown)
	}
}

func (e *Engine) SetClock(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

// SelectRule picks the active rule of ruleType that targets (api, env) most
// precisely. rules are expected newest first; among equally specific rules
// the first one wins.
func SelectRule(rules []model.AlertRule, apiName, environment, ruleType string) (model.AlertRule, bool) {
	var (
		best  model.AlertRule
		found bool
	)
	for _, r := range rules {
		if !r.IsActive || r.RuleType != ruleType || !r.Matches(apiName, environment) {
			continue
		}
		if !found || r.Specificity() > best.Specificity() {
			best, found = r, true
		}
	}
	return best, found
}

// Evaluate tests s against the applicable rule. Above threshold it raises or
// refreshes the alert for (api, env, type); otherwise it resolves whatever
// alert is active for that key.
func (e *Engine) Evaluate(ctx context.Context, s Sample) (Outcome, error) {
	return e.evaluate(ctx, s, true)
}

func (e *Engine) evaluate(ctx context.Context, s Sample, resolve bool) (Outcome, error) {
	out := Outcome{Action: ActionNone}
	if s.At.IsZero() {
		s.At = e.now()
	}
	rules, err := e.store.ListRules(ctx, model.RuleFilter{
		APIName:     s.APIName,
		Environment: s.Environment,
		RuleType:    s.RuleType,
		ActiveOnly:  true,
	})
	if err != nil {
		return out, fmt.Errorf("list rules: %w", err)
	}
	rule, ok := SelectRule(rules, s.APIName, s.Environment, s.RuleType)
	if !ok {
		return out, nil
	}
	out.Rule = &rule

	if s.Value <= rule.Threshold {
		if !resolve {
			return out, nil
		}
		n, err := e.store.ResolveActive(ctx, s.APIName, s.Environment, s.RuleType)
		if err != nil {
			return out, fmt.Errorf("resolve alert: %w", err)
		}
		if n > 0 {
			out.Action = ActionResolved
			e.cooldown.Reset(alertKey(s.APIName, s.Environment, s.RuleType))
			metrics.AlertsTotal.WithLabelValues(string(ActionResolved), string(rule.Severity)).Inc()
			e.logger.Info("alert resolved", "api_name", s.APIName, "environment", s.Environment, "alert_type", s.RuleType)
		}
		return out, nil
	}

	alert, created, err := e.store.UpsertAlert(ctx, model.AlertRecord{
		APIName:     s.APIName,
		Environment: s.Environment,
		AlertType:   s.RuleType,
		Message:     Message(s, rule),
		Value:       s.Value,
		CreatedAt:   s.At,
		Severity:    rule.Severity,
	}, e.config().Alerts.DedupWindow)
	if err != nil {
		return out, fmt.Errorf("upsert alert: %w", err)
	}
	out.Alert = &alert
	out.Action = ActionUpdated
	if created {
		out.Action = ActionCreated
	}
	metrics.AlertsTotal.WithLabelValues(string(out.Action), string(alert.Severity)).Inc()
	e.logger.Warn("alert raised",
		"action", out.Action,
		"api_name", alert.APIName,
		"environment", alert.Environment,
		"alert_type", alert.AlertType,
		"severity", alert.Severity,
		"value", alert.Value,
	)
	e.notify(ctx, out.Action, alert)
	return out, nil
}

func (e *Engine) notify(ctx context.Context, action Action, alert model.AlertRecord) {
	if e.notifier == nil {
		return
	}
	// New alerts always go out; refreshes are throttled per key.
	allowed := e.cooldown.Allow(alertKey(alert.APIName, alert.Environment, alert.AlertType), e.now())
	if !allowed && action != ActionCreated {
		return
	}
	if err := e.notifier.Notify(ctx, action, alert); err != nil {
		e.logger.Warn("alert notification failed", "alert_id", alert.ID, "err", err)
	}
}

// FromAnomaly maps a detected anomaly onto the value its rule type compares:
// latency in ms, error rate in percent, pattern change as the outlier share.
func FromAnomaly(a model.AnomalyRecord) Sample {
	s := Sample{
		APIName:     a.APIName,
		Environment: a.Environment,
		RuleType:    string(a.AnomalyType),
		Value:       a.AnomalyValue,
		At:          a.DetectedAt,
	}
	if a.AnomalyType == model.AnomalyPatternChange {
		s.Value = a.AnomalyScore
	}
	return s
}

// EvaluateAnomalies raises or refreshes alerts from detector candidates. The
// batch collapses to one sample per (api, env, type) carrying the highest
// value and the latest detection time. Candidates never resolve alerts; that
// is left to EvaluateWindows and operators. A failing key is logged and does
// not stop the rest.
func (e *Engine) EvaluateAnomalies(ctx context.Context, anomalies []model.AnomalyRecord) []Outcome {
	samples := collapse(anomalies)
	out := make([]Outcome, 0, len(samples))
	for _, s := range samples {
		o, err := e.evaluate(ctx, s, false)
		if err != nil {
			e.logger.Warn("anomaly evaluation failed", "api_name", s.APIName, "anomaly_type", s.RuleType, "err", err)
			continue
		}
		out = append(out, o)
	}
	return out
}

// collapse keeps the first-seen key order.
func collapse(anomalies []model.AnomalyRecord) []Sample {
	idx := make(map[string]int, len(anomalies))
	var out []Sample
	for _, a := range anomalies {
		s := FromAnomaly(a)
		key := alertKey(s.APIName, s.Environment, s.RuleType)
		i, ok := idx[key]
		if !ok {
			idx[key] = len(out)
			out = append(out, s)
			continue
		}
		if s.Value > out[i].Value {
			out[i].Value = s.Value
		}
		if s.At.After(out[i].At) {
			out[i].At = s.At
		}
	}
	return out
}

// EvaluateWindows checks average latency and error rate of every api x env
// pair over the window of the rule that applies to it.
func (e *Engine) EvaluateWindows(ctx context.Context) ([]Outcome, error) {
	apis, err := e.store.DistinctAPIs(ctx)
	if err != nil {
		return nil, err
	}
	envs, err := e.store.DistinctEnvironments(ctx)
	if err != nil {
		return nil, err
	}
	now := e.now()
	var out []Outcome
	for _, api := range apis {
		for _, env := range envs {
			if err := ctx.Err(); err != nil {
				return out, err
			}
			for _, ruleType := range []model.AnomalyType{model.AnomalyResponseTime, model.AnomalyErrorRate} {
				o, err := e.evaluateWindow(ctx, api, env, string(ruleType), now)
				if err != nil {
					e.logger.Warn("window evaluation failed", "api_name", api, "environment", env, "rule_type", ruleType, "err", err)
					continue
				}
				if o.Action != ActionNone {
					out = append(out, o)
				}
			}
		}
	}
	return out, nil
}

func (e *Engine) evaluateWindow(ctx context.Context, api, env, ruleType string, now time.Time) (Outcome, error) {
	rules, err := e.store.ListRules(ctx, model.RuleFilter{APIName: api, Environment: env, RuleType: ruleType, ActiveOnly: true})
	if err != nil {
		return Outcome{Action: ActionNone}, err
	}
	rule, ok := SelectRule(rules, api, env, ruleType)
	if !ok {
		return Outcome{Action: ActionNone}, nil
	}
	stats, err := e.store.WindowStats(ctx, api, env, now.Add(-time.Duration(rule.TimeWindowMinutes)*time.Minute))
	if err != nil {
		return Outcome{Action: ActionNone}, err
	}
	if stats.Calls == 0 {
		return Outcome{Action: ActionNone}, nil
	}
	value := stats.AvgResponseTime
	if ruleType == string(model.AnomalyErrorRate) {
		value = stats.ErrorRate
	}
	return e.Evaluate(ctx, Sample{APIName: api, Environment: env, RuleType: ruleType, Value: value, At: now})
}

// Message renders the human readable alert text.
func Message(s Sample, r model.AlertRule) string {
	target := s.APIName
	if s.Environment != "" {
		target += " (" + s.Environment + ")"
	}
	switch model.AnomalyType(s.RuleType) {
	case model.AnomalyResponseTime:
		return fmt.Sprintf("Response time %.2fms exceeds threshold %.2fms for %s", s.Value, r.Threshold, target)
	case model.AnomalyErrorRate:
		return fmt.Sprintf("Error rate %.2f%% exceeds threshold %.2f%% for %s", s.Value, r.Threshold, target)
	case model.AnomalyPatternChange:
		return fmt.Sprintf("Traffic pattern changed: %.1f%% outliers (threshold %.1f%%) for %s", s.Value, r.Threshold, target)
	default:
		return fmt.Sprintf("%s value %.2f exceeds threshold %.2f for %s", s.RuleType, s.Value, r.Threshold, target)
	}
}

func alertKey(api, env, alertType string) string {
	return api + "|" + env + "|" + alertType
}
