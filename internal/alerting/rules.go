// Package alerting evaluates declarative alert rules against metric
// snapshots and detected anomalies, enforcing per-rule cooldowns and
// fanning fired alerts out to configured actions.
package alerting

import (
	"strings"

	"github.com/flightdeck-ai/telemetry/internal/domain"
)

// evalContext carries the inputs one evaluation pass sees.
type evalContext struct {
	snapshot  *domain.MetricsSnapshot
	anomalies []*domain.Anomaly
}

// evaluate walks the condition tree. Unknown condition types and missing
// metrics evaluate to false so a misconfigured rule can never fire.
func evaluate(cond domain.AlertCondition, ec evalContext) bool {
	switch cond.Type {
	case domain.ConditionThreshold:
		v, ok := ec.snapshot.Metric(cond.Metric)
		if !ok {
			return false
		}
		return compare(v, cond.Operator, cond.Value)

	case domain.ConditionRate:
		num, ok := ec.snapshot.Metric(cond.Metric)
		if !ok {
			return false
		}
		den, ok := ec.snapshot.Metric(cond.SecondMetric)
		if !ok || den == 0 {
			return false
		}
		return compare(num/den, cond.Operator, cond.Value)

	case domain.ConditionComposite:
		if len(cond.Conditions) == 0 {
			return false
		}
		for _, sub := range cond.Conditions {
			matched := evaluate(sub, ec)
			if cond.Logic == domain.LogicOr && matched {
				return true
			}
			if cond.Logic != domain.LogicOr && !matched {
				return false
			}
		}
		return cond.Logic != domain.LogicOr

	case domain.ConditionAnomaly:
		for _, a := range ec.anomalies {
			if cond.Metric != "" && !strings.Contains(a.Metric, cond.Metric) {
				continue
			}
			if cond.MinSeverity != "" && !a.Severity.AtLeast(cond.MinSeverity) {
				continue
			}
			return true
		}
		return false

	default:
		return false
	}
}

func compare(v float64, op string, target float64) bool {
	switch op {
	case ">":
		return v > target
	case "<":
		return v < target
	case ">=":
		return v >= target
	case "<=":
		return v <= target
	case "==":
		return v == target
	case "!=":
		return v != target
	default:
		return false
	}
}

// matchedAnomaly returns the first anomaly the condition tree references,
// for enriching the fired alert. Nil when the rule is purely metric-based.
func matchedAnomaly(cond domain.AlertCondition, ec evalContext) *domain.Anomaly {
	switch cond.Type {
	case domain.ConditionAnomaly:
		for _, a := range ec.anomalies {
			if cond.Metric != "" && !strings.Contains(a.Metric, cond.Metric) {
				continue
			}
			if cond.MinSeverity != "" && !a.Severity.AtLeast(cond.MinSeverity) {
				continue
			}
			return a
		}
	case domain.ConditionComposite:
		for _, sub := range cond.Conditions {
			if a := matchedAnomaly(sub, ec); a != nil {
				return a
			}
		}
	}
	return nil
}
