package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/flightdeck-ai/telemetry/internal/domain"
)

func snapshot(metrics map[string]float64) *domain.MetricsSnapshot {
	return &domain.MetricsSnapshot{
		Timestamp: time.Now().UnixMilli(),
		Metrics:   metrics,
	}
}

func thresholdRule(id string, metric string, op string, value float64) *domain.AlertRule {
	return &domain.AlertRule{
		ID:       id,
		Name:     "rule " + id,
		Severity: domain.SeverityHigh,
		Condition: domain.AlertCondition{
			Type:     domain.ConditionThreshold,
			Metric:   metric,
			Operator: op,
			Value:    value,
		},
		Actions: []domain.AlertAction{{Type: domain.ActionLog}},
		Enabled: true,
	}
}

func TestManager_ThresholdRuleFires(t *testing.T) {
	m := NewManager(ManagerConfig{}, nil)
	if err := m.AddRule(thresholdRule("r1", "events.error_rate_1m", ">", 0.2)); err != nil {
		t.Fatalf("AddRule() error = %v", err)
	}

	fired := m.Evaluate(context.Background(), snapshot(map[string]float64{"events.error_rate_1m": 0.5}), nil)
	if len(fired) != 1 {
		t.Fatalf("Evaluate() fired %d alerts, want 1", len(fired))
	}
	alert := fired[0]
	if alert.Type != domain.AlertThreshold {
		t.Errorf("alert type = %s, want threshold", alert.Type)
	}
	if alert.Value != 0.5 || alert.Threshold != 0.2 {
		t.Errorf("alert value/threshold = %v/%v", alert.Value, alert.Threshold)
	}

	// Below threshold: silent.
	fired = m.Evaluate(context.Background(), snapshot(map[string]float64{"events.error_rate_1m": 0.1}), nil)
	if len(fired) != 0 {
		t.Errorf("Evaluate() fired %d alerts below threshold", len(fired))
	}
}

func TestManager_OnFiredCallback(t *testing.T) {
	var fired []*domain.Alert
	m := NewManager(ManagerConfig{
		OnFired: func(a *domain.Alert) { fired = append(fired, a) },
	}, nil)
	rule := thresholdRule("r1", "events.error_rate_1m", ">", 0.2)
	rule.CooldownMS = 60000
	m.AddRule(rule)

	m.Evaluate(context.Background(), snapshot(map[string]float64{"events.error_rate_1m": 0.5}), nil)
	if len(fired) != 1 {
		t.Fatalf("OnFired invoked %d times, want 1", len(fired))
	}
	if fired[0].Severity != domain.SeverityHigh {
		t.Errorf("OnFired alert severity = %s, want high", fired[0].Severity)
	}

	// Silent evaluations never reach the callback.
	m.Evaluate(context.Background(), snapshot(map[string]float64{"events.error_rate_1m": 0.5}), nil)
	if len(fired) != 1 {
		t.Errorf("OnFired invoked during cooldown, %d calls", len(fired))
	}
}

func TestManager_MissingMetricNeverFires(t *testing.T) {
	m := NewManager(ManagerConfig{}, nil)
	m.AddRule(thresholdRule("r1", "no.such.metric", ">", 0))

	fired := m.Evaluate(context.Background(), snapshot(map[string]float64{"events.per_second": 100}), nil)
	if len(fired) != 0 {
		t.Errorf("rule on a missing metric fired %d alerts", len(fired))
	}
}

func TestManager_CooldownSkipsRule(t *testing.T) {
	m := NewManager(ManagerConfig{}, nil)
	rule := thresholdRule("r1", "events.per_second", ">", 10)
	rule.CooldownMS = 60000
	m.AddRule(rule)

	snap := snapshot(map[string]float64{"events.per_second": 50})
	if fired := m.Evaluate(context.Background(), snap, nil); len(fired) != 1 {
		t.Fatalf("first Evaluate() fired %d alerts, want 1", len(fired))
	}
	if fired := m.Evaluate(context.Background(), snap, nil); len(fired) != 0 {
		t.Fatalf("Evaluate() within cooldown fired %d alerts, want 0", len(fired))
	}

	// After the cooldown the rule is live again.
	base := time.Now()
	m.now = func() time.Time { return base.Add(61 * time.Second) }
	if fired := m.Evaluate(context.Background(), snap, nil); len(fired) != 1 {
		t.Fatalf("Evaluate() after cooldown fired %d alerts, want 1", len(fired))
	}
}

func TestManager_RateCondition(t *testing.T) {
	m := NewManager(ManagerConfig{}, nil)
	m.AddRule(&domain.AlertRule{
		ID:       "rate",
		Name:     "error ratio",
		Severity: domain.SeverityMedium,
		Condition: domain.AlertCondition{
			Type:         domain.ConditionRate,
			Metric:       "errors.count",
			SecondMetric: "events.count",
			Operator:     ">=",
			Value:        0.25,
		},
		Actions: []domain.AlertAction{{Type: domain.ActionLog}},
		Enabled: true,
	})

	fired := m.Evaluate(context.Background(), snapshot(map[string]float64{
		"errors.count": 25,
		"events.count": 100,
	}), nil)
	if len(fired) != 1 {
		t.Fatalf("rate rule fired %d alerts, want 1", len(fired))
	}
	if fired[0].Type != domain.AlertRate {
		t.Errorf("alert type = %s, want rate", fired[0].Type)
	}

	// Zero denominator never fires.
	fired = m.Evaluate(context.Background(), snapshot(map[string]float64{
		"errors.count": 25,
		"events.count": 0,
	}), nil)
	if len(fired) != 0 {
		t.Errorf("rate rule with zero denominator fired %d alerts", len(fired))
	}
}

func TestManager_CompositeCondition(t *testing.T) {
	sub := []domain.AlertCondition{
		{Type: domain.ConditionThreshold, Metric: "a", Operator: ">", Value: 1},
		{Type: domain.ConditionThreshold, Metric: "b", Operator: ">", Value: 1},
	}

	cases := []struct {
		logic   domain.CompositeLogic
		metrics map[string]float64
		want    int
	}{
		{domain.LogicAnd, map[string]float64{"a": 2, "b": 2}, 1},
		{domain.LogicAnd, map[string]float64{"a": 2, "b": 0}, 0},
		{domain.LogicOr, map[string]float64{"a": 0, "b": 2}, 1},
		{domain.LogicOr, map[string]float64{"a": 0, "b": 0}, 0},
	}
	for _, tc := range cases {
		m := NewManager(ManagerConfig{}, nil)
		m.AddRule(&domain.AlertRule{
			ID:       "c",
			Name:     "composite",
			Severity: domain.SeverityLow,
			Condition: domain.AlertCondition{
				Type:       domain.ConditionComposite,
				Logic:      tc.logic,
				Conditions: sub,
			},
			Actions: []domain.AlertAction{{Type: domain.ActionLog}},
			Enabled: true,
		})
		fired := m.Evaluate(context.Background(), snapshot(tc.metrics), nil)
		if len(fired) != tc.want {
			t.Errorf("%s over %v fired %d alerts, want %d", tc.logic, tc.metrics, len(fired), tc.want)
		}
	}
}

func TestManager_AnomalyCondition(t *testing.T) {
	m := NewManager(ManagerConfig{}, nil)
	m.AddRule(&domain.AlertRule{
		ID:       "anomaly",
		Name:     "duration anomalies",
		Severity: domain.SeverityHigh,
		Condition: domain.AlertCondition{
			Type:        domain.ConditionAnomaly,
			Metric:      "duration",
			MinSeverity: domain.SeverityMedium,
		},
		Actions: []domain.AlertAction{{Type: domain.ActionLog}},
		Enabled: true,
	})

	lowOnly := []*domain.Anomaly{{
		ID: "a1", Type: domain.AnomalyDurationSpike,
		Severity: domain.SeverityLow, Metric: "duration.session_ms",
	}}
	if fired := m.Evaluate(context.Background(), snapshot(nil), lowOnly); len(fired) != 0 {
		t.Errorf("low-severity anomaly fired %d alerts", len(fired))
	}

	critical := []*domain.Anomaly{{
		ID: "a2", Type: domain.AnomalyDurationSpike,
		Severity: domain.SeverityCritical, Metric: "duration.session_ms",
		Description: "session duration spiked", Value: 3600000,
	}}
	fired := m.Evaluate(context.Background(), snapshot(nil), critical)
	if len(fired) != 1 {
		t.Fatalf("critical anomaly fired %d alerts, want 1", len(fired))
	}
	if fired[0].Metadata["anomalyId"] != "a2" {
		t.Error("fired alert does not reference the matched anomaly")
	}
}

func TestManager_WebhookActionPayload(t *testing.T) {
	var received webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewManager(ManagerConfig{}, nil)
	rule := thresholdRule("wh", "events.per_second", ">", 10)
	rule.Actions = []domain.AlertAction{{Type: domain.ActionWebhook, URL: srv.URL}}
	m.AddRule(rule)

	fired := m.Evaluate(context.Background(), snapshot(map[string]float64{"events.per_second": 50}), nil)
	if len(fired) != 1 {
		t.Fatalf("Evaluate() fired %d alerts, want 1", len(fired))
	}
	if received.Source != "telemetry" {
		t.Errorf("payload source = %q, want telemetry", received.Source)
	}
	if received.Alert == nil || received.Alert.Title != "rule wh" {
		t.Errorf("payload alert = %+v", received.Alert)
	}
	if received.Timestamp == 0 {
		t.Error("payload timestamp missing")
	}
}

func TestManager_ActionFailureDoesNotBlockRemaining(t *testing.T) {
	m := NewManager(ManagerConfig{Webhook: WebhookConfig{Timeout: time.Second}}, nil)

	customRan := false
	m.RegisterHandler("record", func(ctx context.Context, alert *domain.Alert) error {
		customRan = true
		return nil
	})

	rule := thresholdRule("multi", "events.per_second", ">", 10)
	rule.Actions = []domain.AlertAction{
		{Type: domain.ActionWebhook, URL: "http://127.0.0.1:1/unreachable"},
		{Type: domain.ActionCustom, Handler: "record"},
	}
	m.AddRule(rule)

	fired := m.Evaluate(context.Background(), snapshot(map[string]float64{"events.per_second": 50}), nil)
	if len(fired) != 1 {
		t.Fatalf("Evaluate() fired %d alerts, want 1", len(fired))
	}
	if !customRan {
		t.Error("custom action skipped after webhook failure")
	}

	results, ok := fired[0].Metadata["actionResults"].([]ActionResult)
	if !ok || len(results) != 2 {
		t.Fatalf("actionResults = %v", fired[0].Metadata["actionResults"])
	}
	if results[0].Err == "" {
		t.Error("failed webhook action recorded no error")
	}
	if results[1].Err != "" {
		t.Errorf("custom action recorded error %q", results[1].Err)
	}
}

func TestManager_PanickingHandlerIsRecovered(t *testing.T) {
	m := NewManager(ManagerConfig{}, nil)
	m.RegisterHandler("boom", func(ctx context.Context, alert *domain.Alert) error {
		panic("handler bug")
	})

	rule := thresholdRule("p", "events.per_second", ">", 10)
	rule.Actions = []domain.AlertAction{{Type: domain.ActionCustom, Handler: "boom"}}
	m.AddRule(rule)

	fired := m.Evaluate(context.Background(), snapshot(map[string]float64{"events.per_second": 50}), nil)
	if len(fired) != 1 {
		t.Fatalf("Evaluate() fired %d alerts, want 1", len(fired))
	}
	results := fired[0].Metadata["actionResults"].([]ActionResult)
	if results[0].Err == "" {
		t.Error("panicking handler recorded no error")
	}
}

func TestManager_DisabledRuleNeverRuns(t *testing.T) {
	m := NewManager(ManagerConfig{}, nil)
	rule := thresholdRule("off", "events.per_second", ">", 0)
	rule.Enabled = false
	m.AddRule(rule)

	if fired := m.Evaluate(context.Background(), snapshot(map[string]float64{"events.per_second": 100}), nil); len(fired) != 0 {
		t.Errorf("disabled rule fired %d alerts", len(fired))
	}
}

func TestManager_AlertHistory(t *testing.T) {
	m := NewManager(ManagerConfig{MaxHistory: 2}, nil)
	m.AddRule(thresholdRule("h", "m", ">", 0))

	snap := snapshot(map[string]float64{"m": 1})
	for i := 0; i < 4; i++ {
		m.Evaluate(context.Background(), snap, nil)
	}
	if got := len(m.Alerts(0)); got != 2 {
		t.Errorf("history holds %d alerts, want 2", got)
	}
	if got := len(m.Alerts(1)); got != 1 {
		t.Errorf("Alerts(1) returned %d", got)
	}
}

func TestManager_AddRuleValidation(t *testing.T) {
	m := NewManager(ManagerConfig{}, nil)
	err := m.AddRule(&domain.AlertRule{Name: "no id"})
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("AddRule() error = %v, want ValidationError", err)
	}
}
