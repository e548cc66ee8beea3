package domain

import (
	"context"
	"time"
)

// PatientReader resolves patient identity and enrollment state.
type PatientReader interface {
	// GetPatient returns the patient or an error wrapping ErrNotFound.
	GetPatient(ctx context.Context, patientID string) (*Patient, error)
	// ActiveEnrollments returns the enrollments active at the given instant,
	// with their condition presets loaded. An empty slice is not an error;
	// the resolver decides whether that is fatal.
	ActiveEnrollments(ctx context.Context, patientID string, at time.Time) ([]Enrollment, error)
}

// RuleReader provides read-only access to active alert rules. The candidate
// set for an observation is the union of rules scoped to the organization and
// rules scoped to any of the given condition presets, already filtered to
// active rules targeting the metric key.
type RuleReader interface {
	ActiveRules(ctx context.Context, orgID string, presetIDs []string, metricKey string) ([]AlertRule, error)
}

// ObservationReader provides read-only access to recorded observations.
type ObservationReader interface {
	// ListByMetric returns observations for the patient and metric recorded
	// in [from, to), ordered oldest to newest.
	ListByMetric(ctx context.Context, patientID, metricKey string, from, to time.Time) ([]Observation, error)
}

// AlertStore persists alerts. This is the only write surface of the engine.
type AlertStore interface {
	// FindOpen returns the open (TRIGGERED or ACKNOWLEDGED) alert for the
	// (patient, rule) pair, or (nil, nil) when none exists.
	FindOpen(ctx context.Context, patientID string, ruleID int64) (*Alert, error)
	// Create inserts a new alert. A conflict on the open-alert uniqueness
	// constraint surfaces as an error wrapping ErrPersistence so the caller
	// retries and converges via FindOpen.
	Create(ctx context.Context, alert *Alert) error
	// Update rewrites the mutable fields of an existing alert.
	Update(ctx context.Context, alert *Alert) error
	// ListOpenForMetric returns all open alerts for the patient whose rule
	// targets the given metric key. Used by the auto-resolution policy.
	ListOpenForMetric(ctx context.Context, patientID, metricKey string) ([]*Alert, error)
}
