package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vsumup-vs/pain-db-sub012/internal/domain"
)

func TestScorerStaysInsideSeverityBand(t *testing.T) {
	scorer := NewRiskScorer(testLogger())

	tests := []struct {
		severity domain.Severity
		floor    float64
		ceiling  float64
	}{
		{domain.SeverityLow, 10, 35},
		{domain.SeverityMedium, 35, 60},
		{domain.SeverityHigh, 60, 85},
		{domain.SeverityCritical, 85, 100},
	}

	for _, tt := range tests {
		t.Run(string(tt.severity), func(t *testing.T) {
			rule := domain.AlertRule{
				ID: 1, MetricKey: "m", Op: domain.OpGreaterThan,
				Threshold: 7, ExpectedMin: 0, ExpectedMax: 10,
				Severity: tt.severity, Active: true,
			}
			v := domain.RuleViolation{Rule: rule, TriggerValue: 8, Threshold: 7}
			obs := numericObservation("p", "m", 8, time.Now())

			assessment := scorer.Score(obs, v, orgContext(rule))
			assert.Equal(t, tt.severity, assessment.Severity)
			assert.False(t, assessment.Escalated)
			assert.GreaterOrEqual(t, assessment.Score, tt.floor)
			assert.LessOrEqual(t, assessment.Score, tt.ceiling)
		})
	}
}

func TestScorerLargerExcessScoresHigher(t *testing.T) {
	scorer := NewRiskScorer(testLogger())
	rule := domain.AlertRule{
		ID: 1, MetricKey: "m", Op: domain.OpGreaterThan,
		Threshold: 7, ExpectedMin: 0, ExpectedMax: 10,
		Severity: domain.SeverityHigh, Active: true,
	}
	obs := numericObservation("p", "m", 8, time.Now())

	small := scorer.Score(obs, domain.RuleViolation{Rule: rule, TriggerValue: 8, Threshold: 7}, orgContext(rule))
	large := scorer.Score(obs, domain.RuleViolation{Rule: rule, TriggerValue: 10, Threshold: 7}, orgContext(rule))

	assert.Greater(t, large.Score, small.Score)
}

func TestScorerClampsToHundred(t *testing.T) {
	scorer := NewRiskScorer(testLogger())
	rule := domain.AlertRule{
		ID: 1, MetricKey: "m", Op: domain.OpGreaterThan,
		Threshold: 1, ExpectedMin: 0, ExpectedMax: 2,
		Severity: domain.SeverityCritical, Active: true,
	}
	obs := numericObservation("p", "m", 1000, time.Now())

	assessment := scorer.Score(obs, domain.RuleViolation{Rule: rule, TriggerValue: 1000, Threshold: 1}, orgContext(rule))
	assert.LessOrEqual(t, assessment.Score, 100.0)
	assert.Equal(t, domain.SeverityCritical, assessment.Severity)
}

func TestScorerEscalatesPersistentTrend(t *testing.T) {
	scorer := NewRiskScorer(testLogger())
	now := time.Now()

	rule := domain.AlertRule{
		ID: 1, MetricKey: "pain_level_nrs", Op: domain.OpCountOverWindow,
		Threshold: 5, MinCount: 3, Window: 7 * 24 * time.Hour,
		ExpectedMin: 0, ExpectedMax: 10,
		Severity: domain.SeverityMedium, Active: true,
	}

	evalCtx := orgContext(rule)
	evalCtx.History = []domain.Observation{
		*numericObservation("p", "pain_level_nrs", 6, now.Add(-5*24*time.Hour)),
		*numericObservation("p", "pain_level_nrs", 7, now.Add(-2*24*time.Hour)),
	}

	obs := numericObservation("p", "pain_level_nrs", 6, now)
	assessment := scorer.Score(obs, domain.RuleViolation{Rule: rule, TriggerValue: 3, Threshold: 3}, evalCtx)

	assert.True(t, assessment.Escalated)
	assert.Equal(t, domain.SeverityHigh, assessment.Severity, "persistent trend escalates one tier above the rule's floor")
}

func TestScorerSingleRepeatDoesNotEscalate(t *testing.T) {
	scorer := NewRiskScorer(testLogger())
	now := time.Now()

	rule := domain.AlertRule{
		ID: 1, MetricKey: "pain_level_nrs", Op: domain.OpCountOverWindow,
		Threshold: 5, MinCount: 2, Window: 7 * 24 * time.Hour,
		ExpectedMin: 0, ExpectedMax: 10,
		Severity: domain.SeverityMedium, Active: true,
	}

	evalCtx := orgContext(rule)
	evalCtx.History = []domain.Observation{
		*numericObservation("p", "pain_level_nrs", 6, now.Add(-2*24*time.Hour)),
	}

	obs := numericObservation("p", "pain_level_nrs", 6, now)
	assessment := scorer.Score(obs, domain.RuleViolation{Rule: rule, TriggerValue: 2, Threshold: 2}, evalCtx)

	assert.False(t, assessment.Escalated, "one prior firing is a spike, not a trend")
	assert.Equal(t, domain.SeverityMedium, assessment.Severity)
}

func TestScorerNeverEscalatesPastCritical(t *testing.T) {
	scorer := NewRiskScorer(testLogger())
	now := time.Now()

	rule := domain.AlertRule{
		ID: 1, MetricKey: "pain_level_nrs", Op: domain.OpCountOverWindow,
		Threshold: 5, MinCount: 3, Window: 7 * 24 * time.Hour,
		ExpectedMin: 0, ExpectedMax: 10,
		Severity: domain.SeverityCritical, Active: true,
	}

	evalCtx := orgContext(rule)
	evalCtx.History = []domain.Observation{
		*numericObservation("p", "pain_level_nrs", 8, now.Add(-5*24*time.Hour)),
		*numericObservation("p", "pain_level_nrs", 9, now.Add(-3*24*time.Hour)),
		*numericObservation("p", "pain_level_nrs", 10, now.Add(-1*24*time.Hour)),
	}

	obs := numericObservation("p", "pain_level_nrs", 9, now)
	assessment := scorer.Score(obs, domain.RuleViolation{Rule: rule, TriggerValue: 4, Threshold: 3}, evalCtx)

	assert.True(t, assessment.Escalated)
	assert.Equal(t, domain.SeverityCritical, assessment.Severity)
	assert.LessOrEqual(t, assessment.Score, 100.0)
}

func TestScorerInstantaneousRulesNeverEscalate(t *testing.T) {
	scorer := NewRiskScorer(testLogger())

	rule := domain.AlertRule{
		ID: 1, MetricKey: "m", Op: domain.OpGreaterThan,
		Threshold: 7, ExpectedMin: 0, ExpectedMax: 10,
		Severity: domain.SeverityHigh, Active: true,
	}
	obs := numericObservation("p", "m", 10, time.Now())

	assessment := scorer.Score(obs, domain.RuleViolation{Rule: rule, TriggerValue: 10, Threshold: 7}, orgContext(rule))
	assert.False(t, assessment.Escalated)
	assert.Equal(t, domain.SeverityHigh, assessment.Severity)
}

func TestScorerHandlesMissingExpectedRange(t *testing.T) {
	scorer := NewRiskScorer(testLogger())

	rule := domain.AlertRule{
		ID: 1, MetricKey: "m", Op: domain.OpGreaterThan,
		Threshold: 7, Severity: domain.SeverityLow, Active: true,
	}
	obs := numericObservation("p", "m", 8, time.Now())

	assessment := scorer.Score(obs, domain.RuleViolation{Rule: rule, TriggerValue: 8, Threshold: 7}, orgContext(rule))
	assert.GreaterOrEqual(t, assessment.Score, 0.0)
	assert.LessOrEqual(t, assessment.Score, 100.0)
}
