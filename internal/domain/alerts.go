package domain

// Severity orders alert and anomaly importance.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Rank returns the numeric ordering of a severity; unknown values rank
// below low so malformed input never outranks a real severity.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return -1
}

// AtLeast reports whether s is at or above the given severity.
func (s Severity) AtLeast(min Severity) bool {
	return s.Rank() >= min.Rank()
}

// AlertType classifies how an alert was produced.
type AlertType string

const (
	AlertAnomaly    AlertType = "anomaly"
	AlertThreshold  AlertType = "threshold"
	AlertRate       AlertType = "rate"
	AlertTypeCustom AlertType = "custom"
)

// Alert is a fired notification.
type Alert struct {
	ID          string         `json:"id"`
	Type        AlertType      `json:"type"`
	Severity    Severity       `json:"severity"`
	Title       string         `json:"title"`
	Message     string         `json:"message"`
	Metric      string         `json:"metric,omitempty"`
	Value       float64        `json:"value,omitempty"`
	Threshold   float64        `json:"threshold,omitempty"`
	Timestamp   int64          `json:"timestamp"`
	Triggered   bool           `json:"triggered"`
	TriggeredAt int64          `json:"triggeredAt,omitempty"`
	ResolvedAt  int64          `json:"resolvedAt,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ConditionType selects how an AlertCondition is evaluated.
type ConditionType string

const (
	ConditionThreshold ConditionType = "threshold"
	ConditionRate      ConditionType = "rate"
	ConditionComposite ConditionType = "composite"
	ConditionAnomaly   ConditionType = "anomaly"
)

// CompositeLogic joins sub-conditions of a composite condition.
type CompositeLogic string

const (
	LogicAnd CompositeLogic = "and"
	LogicOr  CompositeLogic = "or"
)

// AlertCondition is a declarative condition tree evaluated against a
// metrics snapshot and the current set of detected anomalies.
//
//   - threshold: compare Metric against Value using Operator
//   - rate: compare Metric/SecondMetric against Value using Operator
//   - composite: AND/OR over Conditions
//   - anomaly: match detected anomalies by Metric substring and MinSeverity
type AlertCondition struct {
	Type         ConditionType    `json:"type"`
	Metric       string           `json:"metric,omitempty"`
	SecondMetric string           `json:"secondMetric,omitempty"`
	Operator     string           `json:"operator,omitempty"` // > < >= <= == !=
	Value        float64          `json:"value,omitempty"`
	Logic        CompositeLogic   `json:"logic,omitempty"`
	Conditions   []AlertCondition `json:"conditions,omitempty"`
	MinSeverity  Severity         `json:"minSeverity,omitempty"`
}

// ActionType selects the side effect a firing rule executes.
type ActionType string

const (
	ActionLog     ActionType = "log"
	ActionWebhook ActionType = "webhook"
	ActionEmail   ActionType = "email"
	ActionCustom  ActionType = "custom"
)

// AlertAction is one configured effect of a firing rule. Actions run in
// order and independently; one failure never suppresses the rest.
type AlertAction struct {
	Type    ActionType        `json:"type"`
	URL     string            `json:"url,omitempty"`     // webhook
	To      string            `json:"to,omitempty"`      // email
	Handler string            `json:"handler,omitempty"` // custom handler name
	Headers map[string]string `json:"headers,omitempty"`
}

// AlertRule couples a condition tree with a cooldown and actions. A rule
// never fires twice within CooldownMS of its last firing.
type AlertRule struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Severity   Severity       `json:"severity"`
	Condition  AlertCondition `json:"condition"`
	CooldownMS int64          `json:"cooldown"`
	Actions    []AlertAction  `json:"actions"`
	Enabled    bool           `json:"enabled"`
}

// AnomalyType classifies detected anomalies.
type AnomalyType string

const (
	AnomalyDurationSpike  AnomalyType = "duration_spike"
	AnomalyErrorSpike     AnomalyType = "error_spike"
	AnomalySessionDrop    AnomalyType = "session_drop"
	AnomalyUnusualPattern AnomalyType = "unusual_pattern"
)

// Anomaly is a derived, read-only fact over a time range. Anomalies are
// not persisted; they only survive as Alerts when a rule wraps them.
type Anomaly struct {
	ID             string         `json:"id"`
	Type           AnomalyType    `json:"type"`
	Severity       Severity       `json:"severity"`
	Description    string         `json:"description"`
	DetectedAt     int64          `json:"detectedAt"`
	WindowStart    int64          `json:"windowStart"`
	WindowEnd      int64          `json:"windowEnd"`
	Metric         string         `json:"metric"`
	Value          float64        `json:"value"`
	ExpectedValue  float64        `json:"expectedValue"`
	DeviationScore float64        `json:"deviationScore"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}
