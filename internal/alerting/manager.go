package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flightdeck-ai/telemetry/internal/domain"
)

// CustomHandler is a caller-supplied action target registered by name.
type CustomHandler func(ctx context.Context, alert *domain.Alert) error

// ActionResult records the outcome of one action of a fired rule.
type ActionResult struct {
	Type domain.ActionType `json:"type"`
	Err  string            `json:"error,omitempty"`
}

// Manager owns the rule registry, cooldown state, and alert history.
type Manager struct {
	mu        sync.Mutex
	rules     map[string]*domain.AlertRule
	lastFired map[string]int64
	history   []*domain.Alert
	handlers  map[string]CustomHandler

	webhook    *WebhookSender
	maxHistory int
	onFired    func(*domain.Alert)
	logger     *slog.Logger
	now        func() time.Time
}

// ManagerConfig configures the alert manager.
type ManagerConfig struct {
	Webhook    WebhookConfig
	MaxHistory int
	// OnFired is invoked once per fired alert, after its actions ran.
	// Observability counters hook in here.
	OnFired func(*domain.Alert)
}

// NewManager creates an empty manager.
func NewManager(cfg ManagerConfig, logger *slog.Logger) *Manager {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 200
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		rules:      make(map[string]*domain.AlertRule),
		lastFired:  make(map[string]int64),
		handlers:   make(map[string]CustomHandler),
		webhook:    NewWebhookSender(cfg.Webhook),
		maxHistory: cfg.MaxHistory,
		onFired:    cfg.OnFired,
		logger:     logger,
		now:        time.Now,
	}
}

// AddRule registers or replaces a rule.
func (m *Manager) AddRule(rule *domain.AlertRule) error {
	if rule == nil || rule.ID == "" {
		return domain.NewValidationError("rule.id", "is required")
	}
	if rule.Name == "" {
		return domain.NewValidationError("rule.name", "is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[rule.ID] = rule
	return nil
}

// RemoveRule deletes a rule and its cooldown state.
func (m *Manager) RemoveRule(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rules, id)
	delete(m.lastFired, id)
}

// Rules returns the registered rules sorted by id.
func (m *Manager) Rules() []*domain.AlertRule {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.AlertRule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RegisterHandler binds a named custom action target.
func (m *Manager) RegisterHandler(name string, fn CustomHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[name] = fn
}

// Evaluate runs every enabled rule against the snapshot and anomalies and
// returns the alerts that fired. A rule inside its cooldown is skipped
// before evaluation, not merely suppressed after it.
func (m *Manager) Evaluate(ctx context.Context, snap *domain.MetricsSnapshot, anomalies []*domain.Anomaly) []*domain.Alert {
	m.mu.Lock()
	nowMS := m.now().UnixMilli()
	var due []*domain.AlertRule
	for _, rule := range m.rules {
		if !rule.Enabled {
			continue
		}
		if last, ok := m.lastFired[rule.ID]; ok && rule.CooldownMS > 0 && nowMS-last < rule.CooldownMS {
			continue
		}
		due = append(due, rule)
	}
	m.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })

	ec := evalContext{snapshot: snap, anomalies: anomalies}
	var fired []*domain.Alert
	for _, rule := range due {
		if !evaluate(rule.Condition, ec) {
			continue
		}
		alert := m.buildAlert(rule, ec, nowMS)

		m.mu.Lock()
		m.lastFired[rule.ID] = nowMS
		m.history = append(m.history, alert)
		if len(m.history) > m.maxHistory {
			m.history = append(m.history[:0], m.history[len(m.history)-m.maxHistory:]...)
		}
		m.mu.Unlock()

		results := m.runActions(ctx, rule, alert)
		alert.Metadata["actionResults"] = results
		if m.onFired != nil {
			m.onFired(alert)
		}
		fired = append(fired, alert)
	}
	return fired
}

func (m *Manager) buildAlert(rule *domain.AlertRule, ec evalContext, nowMS int64) *domain.Alert {
	alert := &domain.Alert{
		ID:          uuid.NewString(),
		Type:        alertTypeFor(rule.Condition.Type),
		Severity:    rule.Severity,
		Title:       rule.Name,
		Metric:      rule.Condition.Metric,
		Threshold:   rule.Condition.Value,
		Timestamp:   nowMS,
		Triggered:   true,
		TriggeredAt: nowMS,
		Metadata:    map[string]any{"ruleId": rule.ID},
	}
	if v, ok := ec.snapshot.Metric(rule.Condition.Metric); ok {
		alert.Value = v
	}
	if a := matchedAnomaly(rule.Condition, ec); a != nil {
		alert.Message = a.Description
		alert.Metadata["anomalyId"] = a.ID
		alert.Metadata["anomalyType"] = string(a.Type)
		if alert.Value == 0 {
			alert.Value = a.Value
		}
	}
	if alert.Message == "" {
		alert.Message = fmt.Sprintf("rule %q matched: %s %s %v (observed %v)",
			rule.Name, rule.Condition.Metric, rule.Condition.Operator, rule.Condition.Value, alert.Value)
	}
	return alert
}

func alertTypeFor(ct domain.ConditionType) domain.AlertType {
	switch ct {
	case domain.ConditionAnomaly:
		return domain.AlertAnomaly
	case domain.ConditionRate:
		return domain.AlertRate
	case domain.ConditionThreshold:
		return domain.AlertThreshold
	default:
		return domain.AlertTypeCustom
	}
}

// runActions executes the rule's actions in order. One failing action is
// recorded and logged but never blocks the rest.
func (m *Manager) runActions(ctx context.Context, rule *domain.AlertRule, alert *domain.Alert) []ActionResult {
	results := make([]ActionResult, 0, len(rule.Actions))
	for _, action := range rule.Actions {
		err := m.runAction(ctx, action, alert)
		result := ActionResult{Type: action.Type}
		if err != nil {
			result.Err = err.Error()
			m.logger.Error("alert action failed",
				slog.String("rule", rule.ID),
				slog.String("action", string(action.Type)),
				slog.String("error", err.Error()))
		}
		results = append(results, result)
	}
	return results
}

func (m *Manager) runAction(ctx context.Context, action domain.AlertAction, alert *domain.Alert) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action panicked: %v", r)
		}
	}()

	switch action.Type {
	case domain.ActionLog:
		m.logger.Warn("alert fired",
			slog.String("id", alert.ID),
			slog.String("title", alert.Title),
			slog.String("severity", string(alert.Severity)),
			slog.String("metric", alert.Metric),
			slog.Float64("value", alert.Value))
		return nil

	case domain.ActionWebhook:
		if action.URL == "" {
			return domain.NewValidationError("action.url", "is required for webhook actions")
		}
		return m.webhook.Send(ctx, action.URL, action.Headers, alert)

	case domain.ActionEmail:
		// Email delivery rides the webhook sender against a relay endpoint
		// when configured; a bare address with no URL has no transport.
		if action.URL == "" {
			return fmt.Errorf("no relay configured for email action to %s", action.To)
		}
		return m.webhook.Send(ctx, action.URL, action.Headers, alert)

	case domain.ActionCustom:
		m.mu.Lock()
		handler, ok := m.handlers[action.Handler]
		m.mu.Unlock()
		if !ok {
			return fmt.Errorf("unknown custom handler %q", action.Handler)
		}
		return handler(ctx, alert)

	default:
		return fmt.Errorf("unknown action type %q", action.Type)
	}
}

// Alerts returns the most recent fired alerts, newest last.
func (m *Manager) Alerts(limit int) []*domain.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.history) {
		limit = len(m.history)
	}
	out := make([]*domain.Alert, limit)
	copy(out, m.history[len(m.history)-limit:])
	return out
}
