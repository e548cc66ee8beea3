package engine

import (
	"github.com/sirupsen/logrus"

	"github.com/vsumup-vs/pain-db-sub012/internal/domain"
)

// Severity band floors on the [0,100] risk scale. A violation starts at its
// tier's floor and climbs toward the next floor with the size of the excess
// over the threshold.
var severityFloors = map[domain.Severity]float64{
	domain.SeverityLow:      10,
	domain.SeverityMedium:   35,
	domain.SeverityHigh:     60,
	domain.SeverityCritical: 85,
}

var severityCeilings = map[domain.Severity]float64{
	domain.SeverityLow:      35,
	domain.SeverityMedium:   60,
	domain.SeverityHigh:     85,
	domain.SeverityCritical: 100,
}

// RiskScorer converts a rule violation into a numeric risk score and a
// severity tier. The rule's severity is a floor: a metric that keeps firing
// inside the rule's window is escalated one tier, because a persistent
// abnormal trend outranks a single spike. Scoring never fails.
type RiskScorer struct {
	log *logrus.Logger
}

// NewRiskScorer creates a new risk scorer.
func NewRiskScorer(logger *logrus.Logger) *RiskScorer {
	return &RiskScorer{log: logger}
}

// Score assesses one violation. The score lands inside the severity tier's
// band, positioned by how far the trigger value exceeds the threshold
// relative to the rule's expected value range, and is clamped to [0,100].
func (s *RiskScorer) Score(obs *domain.Observation, v domain.RuleViolation, evalCtx *domain.EvaluationContext) domain.RiskAssessment {
	severity := v.Rule.Severity
	if !severity.IsValid() {
		severity = domain.SeverityLow
	}

	escalated := false
	if s.firedRepeatedly(obs, v, evalCtx) {
		severity = severity.Escalate()
		escalated = true
	}

	floor := severityFloors[severity]
	ceiling := severityCeilings[severity]
	score := floor + s.normalizedExcess(v)*(ceiling-floor)

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	s.log.WithFields(logrus.Fields{
		"rule_id":   v.Rule.ID,
		"trigger":   v.TriggerValue,
		"threshold": v.Threshold,
		"score":     score,
		"severity":  severity,
		"escalated": escalated,
	}).Debug("Scored rule violation")

	return domain.RiskAssessment{
		Score:     score,
		Severity:  severity,
		Escalated: escalated,
	}
}

// normalizedExcess maps the distance past the threshold into [0,1] using the
// rule's expected value range. A rule without a usable range contributes a
// fixed mid-band position.
func (s *RiskScorer) normalizedExcess(v domain.RuleViolation) float64 {
	span := v.Rule.ExpectedMax - v.Rule.ExpectedMin
	if span <= 0 {
		return 0.5
	}

	excess := v.TriggerValue - v.Threshold
	if excess < 0 {
		excess = -excess
	}

	normalized := excess / span
	if normalized > 1 {
		normalized = 1
	}
	return normalized
}

// firedRepeatedly reports whether the same metric already fired at least
// twice inside the rule's window. Only windowed rules carry the history
// needed to judge persistence; instantaneous rules never escalate.
func (s *RiskScorer) firedRepeatedly(obs *domain.Observation, v domain.RuleViolation, evalCtx *domain.EvaluationContext) bool {
	if !v.Rule.Windowed() {
		return false
	}

	window := evalCtx.WindowHistory(v.Rule.Window, obs.RecordedAt)
	if len(window) == 0 {
		return false
	}

	prior := 0
	switch v.Rule.Op {
	case domain.OpCountOverWindow:
		for _, o := range window {
			if qualifies(o.Value, v.Rule.Threshold) {
				prior++
			}
		}
	case domain.OpDeltaOverWindow:
		earliest, ok := window[0].Value.Numeric()
		if !ok {
			return false
		}
		for _, o := range window[1:] {
			n, ok := o.Value.Numeric()
			if !ok {
				continue
			}
			delta := n - earliest
			if delta < 0 {
				delta = -delta
			}
			if delta > v.Rule.Threshold {
				prior++
			}
		}
	default:
		return false
	}

	return prior >= 2
}
