package domain

import (
	"time"
)

// Observation is a single recorded clinical measurement for a patient.
// Observations are immutable facts created by upstream ingestion; the engine
// only reads them.
type Observation struct {
	ID           string           `json:"id"`
	PatientID    string           `json:"patient_id"`
	EnrollmentID string           `json:"enrollment_id"`
	MetricKey    string           `json:"metric_key"`
	Value        ObservationValue `json:"value"`
	RecordedAt   time.Time        `json:"recorded_at"`
}

// AlertRule is a configured monitoring condition. Rules are owned by
// configuration and read-only to the engine.
//
// A rule with a Window requires at least one prior observation inside that
// window to be evaluable; otherwise it is skipped, not failed.
type AlertRule struct {
	ID            int64         `json:"id"`
	Name          string        `json:"name"`
	Scope         RuleScope     `json:"scope"`
	MetricKey     string        `json:"metric_key"`
	Op            ComparisonOp  `json:"op"`
	Threshold     float64       `json:"threshold"`
	ThresholdText string        `json:"threshold_text,omitempty"` // equality against text/boolean values
	MinCount      int           `json:"min_count,omitempty"`      // COUNT_OVER_WINDOW only
	Window        time.Duration `json:"window,omitempty"`         // zero means instantaneous
	ExpectedMin   float64       `json:"expected_min"`             // expected value range, for score normalization
	ExpectedMax   float64       `json:"expected_max"`
	Severity      Severity      `json:"severity"`
	Active        bool          `json:"active"`
}

// Windowed reports whether the rule aggregates prior observations.
func (r AlertRule) Windowed() bool {
	return r.Window > 0
}

// ConditionPreset is a named bundle of monitoring configuration attached to
// an enrollment (e.g. "chronic pain", "arthritis").
type ConditionPreset struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Enrollment ties a patient to a care program within an organization. A
// patient may hold several active enrollments, each carrying condition
// presets whose rules all apply.
type Enrollment struct {
	ID             string            `json:"id"`
	PatientID      string            `json:"patient_id"`
	OrganizationID string            `json:"organization_id"`
	Active         bool              `json:"active"`
	Presets        []ConditionPreset `json:"presets,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	EndedAt        *time.Time        `json:"ended_at,omitempty"`
}

// Patient identifies an enrolled patient. Demographics live upstream; the
// engine needs only identity and organization membership.
type Patient struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
}

// EvaluationContext is built per observation and discarded after the
// evaluation call. It carries the resolved patient identity, the candidate
// rule set, and the prior-observation window needed by windowed rules.
type EvaluationContext struct {
	Patient        *Patient
	Enrollments    []Enrollment
	OrganizationID string
	PresetIDs      []string
	Rules          []AlertRule
	// History holds prior observations for the same metric within the
	// largest window any candidate rule requires, ordered oldest to newest.
	History []Observation
}

// WindowHistory returns the slice of History falling inside the given window
// ending at the reference time, preserving oldest-to-newest order.
func (c *EvaluationContext) WindowHistory(window time.Duration, ref time.Time) []Observation {
	if window <= 0 {
		return nil
	}
	cutoff := ref.Add(-window)
	for i, obs := range c.History {
		if !obs.RecordedAt.Before(cutoff) {
			return c.History[i:]
		}
	}
	return nil
}

// RuleViolation is the ephemeral fact that one observation satisfied one
// rule's condition. Produced by the matcher, consumed by the scorer, never
// persisted.
type RuleViolation struct {
	Rule          AlertRule
	ObservationID string
	// TriggerValue is the computed value that crossed the threshold: the
	// observed value for instantaneous rules, the delta or qualifying count
	// for windowed rules.
	TriggerValue float64
	Threshold    float64
}

// RiskAssessment is the scorer's output for one violation.
type RiskAssessment struct {
	Score    float64  `json:"score"` // [0,100]
	Severity Severity `json:"severity"`
	// Escalated indicates the severity was raised one tier above the rule's
	// floor because the metric fired repeatedly within the rule's window.
	Escalated bool `json:"escalated"`
}

// Alert is the durable, lifecycle-tracked notification surfaced to clinical
// staff. At most one open (TRIGGERED or ACKNOWLEDGED) alert exists per
// (patient, rule) pair; subsequent violations update it in place.
type Alert struct {
	ID          string      `json:"id"`
	PatientID   string      `json:"patient_id"`
	RuleID      int64       `json:"rule_id"`
	Severity    Severity    `json:"severity"`
	RiskScore   float64     `json:"risk_score"`
	Message     string      `json:"message"`
	History     []string    `json:"history,omitempty"` // prior messages, oldest first
	Status      AlertStatus `json:"status"`
	TriggeredAt time.Time   `json:"triggered_at"`
	ResolvedAt  *time.Time  `json:"resolved_at,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`
}
