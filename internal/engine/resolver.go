package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vsumup-vs/pain-db-sub012/internal/domain"
)

// ContextResolver builds the per-observation evaluation context: patient
// identity, active enrollments with their condition presets, the candidate
// rule set, and the prior-observation window. All reads, no writes.
type ContextResolver struct {
	patients     domain.PatientReader
	rules        domain.RuleReader
	observations domain.ObservationReader
	log          *logrus.Logger
}

// NewContextResolver creates a new context resolver.
func NewContextResolver(
	patients domain.PatientReader,
	rules domain.RuleReader,
	observations domain.ObservationReader,
	logger *logrus.Logger,
) *ContextResolver {
	return &ContextResolver{
		patients:     patients,
		rules:        rules,
		observations: observations,
		log:          logger,
	}
}

// Resolve loads everything one evaluation needs. It fails wrapping
// ErrNotFound when the patient cannot be located or has no enrollment active
// at the observation's recorded time; alerting on unknown patients would mask
// upstream data integrity problems.
func (r *ContextResolver) Resolve(ctx context.Context, obs *domain.Observation) (*domain.EvaluationContext, error) {
	patient, err := r.patients.GetPatient(ctx, obs.PatientID)
	if err != nil {
		return nil, fmt.Errorf("resolving patient %s: %w", obs.PatientID, err)
	}

	enrollments, err := r.patients.ActiveEnrollments(ctx, obs.PatientID, obs.RecordedAt)
	if err != nil {
		return nil, fmt.Errorf("resolving enrollments for patient %s: %w", obs.PatientID, err)
	}
	if len(enrollments) == 0 {
		return nil, fmt.Errorf("no active enrollment for patient %s at %s: %w",
			obs.PatientID, obs.RecordedAt.Format(time.RFC3339), domain.ErrNotFound)
	}

	presetIDs := collectPresetIDs(enrollments)

	rules, err := r.rules.ActiveRules(ctx, patient.OrganizationID, presetIDs, obs.MetricKey)
	if err != nil {
		return nil, fmt.Errorf("loading rules for metric %s: %w", obs.MetricKey, err)
	}

	evalCtx := &domain.EvaluationContext{
		Patient:        patient,
		Enrollments:    enrollments,
		OrganizationID: patient.OrganizationID,
		PresetIDs:      presetIDs,
		Rules:          rules,
	}

	// One bounded query over the largest window any candidate rule needs,
	// not one query per rule. The half-open range excludes the observation
	// under evaluation.
	maxWindow := maxRuleWindow(rules)
	if maxWindow > 0 {
		history, err := r.observations.ListByMetric(ctx,
			obs.PatientID, obs.MetricKey,
			obs.RecordedAt.Add(-maxWindow), obs.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("loading observation history for metric %s: %w", obs.MetricKey, err)
		}
		evalCtx.History = history
	}

	r.log.WithFields(logrus.Fields{
		"patient_id":  obs.PatientID,
		"metric_key":  obs.MetricKey,
		"enrollments": len(enrollments),
		"presets":     len(presetIDs),
		"rules":       len(rules),
		"history":     len(evalCtx.History),
	}).Debug("Resolved evaluation context")

	return evalCtx, nil
}

// collectPresetIDs returns the deduplicated preset IDs across all active
// enrollments; a patient monitored for chronic pain and arthritis gets rules
// from both presets.
func collectPresetIDs(enrollments []domain.Enrollment) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, enrollment := range enrollments {
		for _, preset := range enrollment.Presets {
			if _, ok := seen[preset.ID]; ok {
				continue
			}
			seen[preset.ID] = struct{}{}
			ids = append(ids, preset.ID)
		}
	}
	return ids
}

func maxRuleWindow(rules []domain.AlertRule) time.Duration {
	var max time.Duration
	for _, rule := range rules {
		if rule.Window > max {
			max = rule.Window
		}
	}
	return max
}
