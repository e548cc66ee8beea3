package engine

import (
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/vsumup-vs/pain-db-sub012/internal/domain"
)

// RuleMatcher evaluates one observation against every applicable rule and
// produces the violations. Rules are evaluated in rule-id ascending order and
// every firing rule is returned; overlapping tiers on the same metric (a HIGH
// and a CRITICAL threshold, say) produce independent violations for the
// lifecycle stage to reconcile.
type RuleMatcher struct {
	log *logrus.Logger
}

// NewRuleMatcher creates a new rule matcher.
func NewRuleMatcher(logger *logrus.Logger) *RuleMatcher {
	return &RuleMatcher{log: logger}
}

// Match returns the violations the observation produces against the context's
// candidate rules, plus the IDs of windowed rules that could not be evaluated
// for lack of history. Skipped rules say nothing about the reading, so the
// lifecycle stage must not auto-resolve their open alerts. Match itself has no
// error path.
func (m *RuleMatcher) Match(obs *domain.Observation, evalCtx *domain.EvaluationContext) ([]domain.RuleViolation, map[int64]bool) {
	rules := make([]domain.AlertRule, len(evalCtx.Rules))
	copy(rules, evalCtx.Rules)
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })

	var violations []domain.RuleViolation
	skipped := make(map[int64]bool)
	for _, rule := range rules {
		if !rule.Active || rule.MetricKey != obs.MetricKey {
			continue
		}
		if !rule.Scope.AppliesTo(evalCtx.OrganizationID, evalCtx.PresetIDs) {
			continue
		}

		var violation domain.RuleViolation
		var fired bool
		if rule.Windowed() {
			window := evalCtx.WindowHistory(rule.Window, obs.RecordedAt)
			if len(window) == 0 {
				// A windowed rule needs at least one prior observation inside
				// the window to be evaluable. Skipped, not failed.
				m.log.WithFields(logrus.Fields{
					"rule_id":    rule.ID,
					"metric_key": rule.MetricKey,
					"window":     rule.Window.String(),
					"reason":     domain.ErrInsufficientWindow.Error(),
				}).Debug("Skipping windowed rule")
				skipped[rule.ID] = true
				continue
			}
			violation, fired = m.evaluateWindowed(obs, window, rule)
		} else {
			violation, fired = m.evaluateInstantaneous(obs, rule)
		}
		if !fired {
			continue
		}
		violations = append(violations, violation)
	}

	return violations, skipped
}

func (m *RuleMatcher) evaluateInstantaneous(obs *domain.Observation, rule domain.AlertRule) (domain.RuleViolation, bool) {
	switch rule.Op {
	case domain.OpGreaterThan, domain.OpGreaterOrEqual, domain.OpLessThan, domain.OpLessOrEqual:
		value, ok := obs.Value.Numeric()
		if !ok {
			// Non-numeric observations only match equality operators.
			return domain.RuleViolation{}, false
		}
		if !compareNumeric(rule.Op, value, rule.Threshold) {
			return domain.RuleViolation{}, false
		}
		return violation(rule, obs.ID, value, rule.Threshold), true

	case domain.OpEqual:
		if value, ok := obs.Value.Numeric(); ok {
			if value != rule.Threshold {
				return domain.RuleViolation{}, false
			}
			return violation(rule, obs.ID, value, rule.Threshold), true
		}
		if !obs.Value.EqualsText(rule.ThresholdText) {
			return domain.RuleViolation{}, false
		}
		return violation(rule, obs.ID, 0, rule.Threshold), true

	default:
		return domain.RuleViolation{}, false
	}
}

func (m *RuleMatcher) evaluateWindowed(obs *domain.Observation, window []domain.Observation, rule domain.AlertRule) (domain.RuleViolation, bool) {
	switch rule.Op {
	case domain.OpDeltaOverWindow:
		current, ok := obs.Value.Numeric()
		if !ok {
			return domain.RuleViolation{}, false
		}
		earliest, ok := window[0].Value.Numeric()
		if !ok {
			return domain.RuleViolation{}, false
		}
		delta := current - earliest
		if delta < 0 {
			delta = -delta
		}
		if delta <= rule.Threshold {
			return domain.RuleViolation{}, false
		}
		return violation(rule, obs.ID, delta, rule.Threshold), true

	case domain.OpCountOverWindow:
		count := 0
		for _, prior := range window {
			if qualifies(prior.Value, rule.Threshold) {
				count++
			}
		}
		if qualifies(obs.Value, rule.Threshold) {
			count++
		}
		if count < rule.MinCount {
			return domain.RuleViolation{}, false
		}
		return violation(rule, obs.ID, float64(count), float64(rule.MinCount)), true

	default:
		return domain.RuleViolation{}, false
	}
}

func violation(rule domain.AlertRule, observationID string, trigger, threshold float64) domain.RuleViolation {
	return domain.RuleViolation{
		Rule:          rule,
		ObservationID: observationID,
		TriggerValue:  trigger,
		Threshold:     threshold,
	}
}

func compareNumeric(op domain.ComparisonOp, value, threshold float64) bool {
	switch op {
	case domain.OpGreaterThan:
		return value > threshold
	case domain.OpGreaterOrEqual:
		return value >= threshold
	case domain.OpLessThan:
		return value < threshold
	case domain.OpLessOrEqual:
		return value <= threshold
	default:
		return false
	}
}

// qualifies reports whether a value counts toward a COUNT_OVER_WINDOW rule:
// a numeric value strictly above the rule's threshold.
func qualifies(value domain.ObservationValue, threshold float64) bool {
	n, ok := value.Numeric()
	return ok && n > threshold
}
