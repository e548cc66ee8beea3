package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vsumup-vs/pain-db-sub012/internal/domain"
	"github.com/vsumup-vs/pain-db-sub012/internal/metrics"
)

// LifecycleManager decides whether a violation opens a new alert, updates the
// existing open one, or resolves alerts whose metric returned to normal. It
// owns the engine's only write path.
type LifecycleManager struct {
	alerts      domain.AlertStore
	autoResolve bool
	log         *logrus.Logger
}

// NewLifecycleManager creates a new lifecycle manager. When autoResolve is
// enabled, open alerts whose rule no longer matches a fresh observation of
// the same metric are resolved automatically; the default leaves resolution
// to clinical staff.
func NewLifecycleManager(alerts domain.AlertStore, autoResolve bool, logger *logrus.Logger) *LifecycleManager {
	return &LifecycleManager{
		alerts:      alerts,
		autoResolve: autoResolve,
		log:         logger,
	}
}

// Reconcile persists one violation: it either creates a TRIGGERED alert or
// updates the open alert for the (patient, rule) pair, reporting which path
// was taken. Re-running with the same violation converges to the same state,
// so callers retry freely on persistence failures.
func (l *LifecycleManager) Reconcile(ctx context.Context, obs *domain.Observation, v domain.RuleViolation, assessment domain.RiskAssessment) (*domain.Alert, bool, error) {
	open, err := l.alerts.FindOpen(ctx, obs.PatientID, v.Rule.ID)
	if err != nil {
		return nil, false, fmt.Errorf("looking up open alert: %w", err)
	}

	if open != nil {
		updated, err := l.update(ctx, open, obs, v, assessment)
		return updated, false, err
	}

	alert, err := l.create(ctx, obs, v, assessment)
	if err == nil {
		return alert, true, nil
	}

	// A concurrent evaluation may have created the alert between the lookup
	// and the insert; the uniqueness constraint rejects ours. Converge onto
	// the winner.
	if errors.Is(err, domain.ErrPersistence) {
		open, findErr := l.alerts.FindOpen(ctx, obs.PatientID, v.Rule.ID)
		if findErr == nil && open != nil {
			updated, err := l.update(ctx, open, obs, v, assessment)
			return updated, false, err
		}
	}
	return nil, false, err
}

func (l *LifecycleManager) create(ctx context.Context, obs *domain.Observation, v domain.RuleViolation, assessment domain.RiskAssessment) (*domain.Alert, error) {
	alert := &domain.Alert{
		ID:          uuid.New().String(),
		PatientID:   obs.PatientID,
		RuleID:      v.Rule.ID,
		Severity:    assessment.Severity,
		RiskScore:   assessment.Score,
		Message:     violationMessage(obs, v),
		Status:      domain.StatusTriggered,
		TriggeredAt: obs.RecordedAt,
		UpdatedAt:   time.Now().UTC(),
	}

	if err := l.alerts.Create(ctx, alert); err != nil {
		return nil, err
	}

	l.log.WithFields(logrus.Fields{
		"alert_id":   alert.ID,
		"patient_id": alert.PatientID,
		"rule_id":    alert.RuleID,
		"severity":   alert.Severity,
		"risk_score": alert.RiskScore,
	}).Info("Alert triggered")

	return alert, nil
}

// update folds a repeat violation into the open alert: the risk score and
// severity only move upward, the previous message is kept in history, and
// triggeredAt is never reset.
func (l *LifecycleManager) update(ctx context.Context, open *domain.Alert, obs *domain.Observation, v domain.RuleViolation, assessment domain.RiskAssessment) (*domain.Alert, error) {
	if assessment.Score > open.RiskScore {
		open.RiskScore = assessment.Score
	}
	if assessment.Severity.Rank() > open.Severity.Rank() {
		open.Severity = assessment.Severity
	}

	open.History = append(open.History, open.Message)
	open.Message = violationMessage(obs, v)
	open.UpdatedAt = time.Now().UTC()

	if err := l.alerts.Update(ctx, open); err != nil {
		return nil, fmt.Errorf("updating open alert %s: %w", open.ID, err)
	}

	l.log.WithFields(logrus.Fields{
		"alert_id":   open.ID,
		"patient_id": open.PatientID,
		"rule_id":    open.RuleID,
		"severity":   open.Severity,
		"risk_score": open.RiskScore,
	}).Info("Alert updated with repeat violation")

	return open, nil
}

// ResolveCleared closes open alerts on the observation's metric whose rule no
// longer fires. Only runs when the auto-resolution policy is enabled; fired
// carries the rule IDs that violated on this observation and are therefore
// still abnormal, skipped the windowed rules the matcher could not evaluate.
func (l *LifecycleManager) ResolveCleared(ctx context.Context, obs *domain.Observation, evalCtx *domain.EvaluationContext, fired, skipped map[int64]bool) error {
	if !l.autoResolve {
		return nil
	}

	open, err := l.alerts.ListOpenForMetric(ctx, obs.PatientID, obs.MetricKey)
	if err != nil {
		return fmt.Errorf("listing open alerts for auto-resolution: %w", err)
	}

	candidates := make(map[int64]struct{}, len(evalCtx.Rules))
	for _, rule := range evalCtx.Rules {
		candidates[rule.ID] = struct{}{}
	}

	var errs []error
	now := time.Now().UTC()
	for _, alert := range open {
		if fired[alert.RuleID] || skipped[alert.RuleID] {
			continue
		}
		// Only resolve against rules we actually re-evaluated; an alert from
		// a rule outside the candidate set says nothing about this reading.
		if _, ok := candidates[alert.RuleID]; !ok {
			continue
		}

		alert.Status = domain.StatusResolved
		alert.ResolvedAt = &now
		alert.UpdatedAt = now

		if err := l.alerts.Update(ctx, alert); err != nil {
			errs = append(errs, fmt.Errorf("resolving alert %s: %w", alert.ID, err))
			continue
		}

		metrics.AlertsResolvedTotal.Inc()
		l.log.WithFields(logrus.Fields{
			"alert_id":   alert.ID,
			"patient_id": alert.PatientID,
			"rule_id":    alert.RuleID,
			"metric_key": obs.MetricKey,
		}).Info("Alert auto-resolved, metric back in range")
	}

	return errors.Join(errs...)
}

func violationMessage(obs *domain.Observation, v domain.RuleViolation) string {
	switch v.Rule.Op {
	case domain.OpCountOverWindow:
		return fmt.Sprintf("%s: %.0f readings crossed %s over %s (rule %q, minimum %d)",
			obs.MetricKey, v.TriggerValue, formatNumber(v.Rule.Threshold), v.Rule.Window, v.Rule.Name, v.Rule.MinCount)
	case domain.OpDeltaOverWindow:
		return fmt.Sprintf("%s: changed by %s over %s, limit %s (rule %q)",
			obs.MetricKey, formatNumber(v.TriggerValue), v.Rule.Window, formatNumber(v.Threshold), v.Rule.Name)
	default:
		return fmt.Sprintf("%s: recorded %s, threshold %s %s (rule %q)",
			obs.MetricKey, obs.Value.String(), v.Rule.Op, formatNumber(v.Threshold), v.Rule.Name)
	}
}

func formatNumber(n float64) string {
	return fmt.Sprintf("%g", n)
}
