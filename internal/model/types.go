package model

import "time"

type AnomalyType string

const (
	AnomalyResponseTime  AnomalyType = "response_time"
	AnomalyErrorRate     AnomalyType = "error_rate"
	AnomalyPatternChange AnomalyType = "pattern_change"
)

type PredictionType string

const (
	PredictionResponseTime PredictionType = "response_time"
	PredictionErrorRate    PredictionType = "error_rate"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func ParseSeverity(s string) (Severity, bool) {
	switch Severity(s) {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return Severity(s), true
	}
	return "", false
}

// Wildcard matches any api name or environment in an alert rule.
const Wildcard = "*"

// LogRecord is one normalized API call. ResponseTime and StatusCode are nil
// when the source record did not carry them.
type LogRecord struct {
	ID             int64     `json:"id,omitempty"`
	APIName        string    `json:"api_name"`
	Environment    string    `json:"environment"`
	Timestamp      time.Time `json:"timestamp"`
	ResponseTime   *float64  `json:"response_time"`
	StatusCode     *int      `json:"status_code"`
	IsError        bool      `json:"is_error"`
	RequestID      string    `json:"request_id,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
	AdditionalInfo string    `json:"additional_info,omitempty"`
}

func (r LogRecord) ResponseTimeMS() float64 {
	if r.ResponseTime == nil {
		return 0
	}
	return *r.ResponseTime
}

func (r LogRecord) Status() int {
	if r.StatusCode == nil {
		return 0
	}
	return *r.StatusCode
}

type AnomalyRecord struct {
	ID             int64       `json:"id"`
	APIName        string      `json:"api_name"`
	Environment    string      `json:"environment"`
	AnomalyType    AnomalyType `json:"anomaly_type"`
	AnomalyValue   float64     `json:"anomaly_value"`
	AnomalyScore   float64     `json:"anomaly_score"`
	DetectedAt     time.Time   `json:"detected_at"`
	IsAcknowledged bool        `json:"is_acknowledged"`
}

type AlertRule struct {
	ID                int64     `json:"id"`
	APIName           string    `json:"api_name"`
	Environment       string    `json:"environment"`
	RuleType          string    `json:"rule_type"`
	Threshold         float64   `json:"threshold"`
	TimeWindowMinutes int       `json:"time_window"`
	Severity          Severity  `json:"severity"`
	IsActive          bool      `json:"is_active"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Specificity ranks how precisely a rule targets an (api, env) pair.
// Exact matches on both fields rank highest, the global wildcard lowest.
func (r AlertRule) Specificity() int {
	score := 0
	if r.APIName != Wildcard {
		score += 2
	}
	if r.Environment != Wildcard {
		score++
	}
	return score
}

func (r AlertRule) Matches(apiName, environment string) bool {
	if r.APIName != Wildcard && r.APIName != apiName {
		return false
	}
	if r.Environment != Wildcard && r.Environment != environment {
		return false
	}
	return true
}

// RuleUpdate carries the optional fields of an in-place rule update.
type RuleUpdate struct {
	Threshold         *float64  `json:"threshold,omitempty"`
	TimeWindowMinutes *int      `json:"time_window,omitempty"`
	Severity          *Severity `json:"severity,omitempty"`
	IsActive          *bool     `json:"is_active,omitempty"`
}

type AlertRecord struct {
	ID          int64     `json:"id"`
	APIName     string    `json:"api_name"`
	Environment string    `json:"environment"`
	AlertType   string    `json:"alert_type"`
	Message     string    `json:"alert_message"`
	Value       float64   `json:"alert_value"`
	CreatedAt   time.Time `json:"created_at"`
	IsActive    bool      `json:"is_active"`
	Severity    Severity  `json:"severity"`
}

type Prediction struct {
	ID             int64          `json:"id"`
	APIName        string         `json:"api_name"`
	Environment    string         `json:"environment"`
	PredictionType PredictionType `json:"prediction_type"`
	PredictedValue float64        `json:"predicted_value"`
	Confidence     float64        `json:"confidence"`
	PredictedAt    time.Time      `json:"predicted_at"`
	PredictionFor  time.Time      `json:"prediction_for"`
}

// ModelKey identifies a trained model artifact.
type ModelKey struct {
	APIName     string `json:"api_name"`
	Environment string `json:"environment"`
	Metric      string `json:"metric"`
}

func (k ModelKey) String() string {
	return k.APIName + "|" + k.Environment + "|" + k.Metric
}

// TrainedModel is an opaque, serialized regression or outlier model.
type TrainedModel struct {
	Key       ModelKey  `json:"key"`
	Kind      string    `json:"kind"`
	Payload   []byte    `json:"payload"`
	Samples   int       `json:"samples"`
	TrainedAt time.Time `json:"trained_at"`
}

type HealthOverview struct {
	TotalAPIs       int     `json:"total_apis"`
	TotalCalls      int     `json:"total_calls"`
	AvgResponseTime float64 `json:"avg_response_time"`
	ErrorRate       float64 `json:"error_rate"`
	AnomalyCount    int     `json:"anomaly_count"`
}

type CleanupResult struct {
	LogsDeleted        int64 `json:"logs_deleted"`
	AnomaliesDeleted   int64 `json:"anomalies_deleted"`
	AlertsDeleted      int64 `json:"alerts_deleted"`
	PredictionsDeleted int64 `json:"predictions_deleted"`
}

// LogFilter narrows log queries. Zero values mean "no constraint".
type LogFilter struct {
	APIName     string
	Environment string
	Since       time.Time
	Until       time.Time
	Limit       int
}

// RuleFilter matches rules whose api/env equal the filter value or the
// wildcard.
type RuleFilter struct {
	APIName     string
	Environment string
	RuleType    string
	ActiveOnly  bool
}

type PredictionFilter struct {
	PredictionType PredictionType
	APIName        string
	Environment    string
	Limit          int
}
