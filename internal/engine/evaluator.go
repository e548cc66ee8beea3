package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vsumup-vs/pain-db-sub012/internal/domain"
	"github.com/vsumup-vs/pain-db-sub012/internal/metrics"
)

// Evaluator is the public entry point of the engine: it resolves the context
// for one observation, matches rules, scores violations, and reconciles
// alerts. Evaluations for different patients run fully concurrently;
// evaluations for the same patient serialize around the alert write so two
// racing calls cannot both decide "no open alert exists".
type Evaluator struct {
	resolver  *ContextResolver
	matcher   *RuleMatcher
	scorer    *RiskScorer
	lifecycle *LifecycleManager
	timeout   time.Duration
	log       *logrus.Logger

	mu    sync.Mutex
	locks map[string]*patientLock
}

type patientLock struct {
	mu   sync.Mutex
	refs int
}

// NewEvaluator creates a new evaluation orchestrator. A zero timeout disables
// the per-evaluation deadline.
func NewEvaluator(
	resolver *ContextResolver,
	matcher *RuleMatcher,
	scorer *RiskScorer,
	lifecycle *LifecycleManager,
	timeout time.Duration,
	logger *logrus.Logger,
) *Evaluator {
	return &Evaluator{
		resolver:  resolver,
		matcher:   matcher,
		scorer:    scorer,
		lifecycle: lifecycle,
		timeout:   timeout,
		log:       logger,
		locks:     make(map[string]*patientLock),
	}
}

// Evaluate runs the full pipeline for one observation and returns the alerts
// created or updated. An observation that violates nothing returns an empty
// slice, not an error. Errors wrap ErrNotFound when the patient or enrollment
// cannot be resolved and ErrPersistence on store failures; both leave the
// engine in a state where retrying the same observation is safe.
func (e *Evaluator) Evaluate(ctx context.Context, obs *domain.Observation) ([]*domain.Alert, error) {
	if err := validateObservation(obs); err != nil {
		return nil, err
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	start := time.Now()
	alerts, err := e.evaluate(ctx, obs)
	metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
	metrics.EvaluationsTotal.WithLabelValues(outcomeLabel(err)).Inc()

	return alerts, err
}

func (e *Evaluator) evaluate(ctx context.Context, obs *domain.Observation) ([]*domain.Alert, error) {
	unlock := e.lockPatient(obs.PatientID)
	defer unlock()

	evalCtx, err := e.resolver.Resolve(ctx, obs)
	if err != nil {
		return nil, err
	}
	metrics.RulesEvaluated.Observe(float64(len(evalCtx.Rules)))

	violations, skipped := e.matcher.Match(obs, evalCtx)

	fired := make(map[int64]bool, len(violations))
	alerts := make([]*domain.Alert, 0, len(violations))
	var errs []error

	for _, v := range violations {
		fired[v.Rule.ID] = true

		assessment := e.scorer.Score(obs, v, evalCtx)
		metrics.ViolationsTotal.WithLabelValues(assessment.Severity.String()).Inc()

		alert, created, err := e.lifecycle.Reconcile(ctx, obs, v, assessment)
		if err != nil {
			// One violation failing to persist must not suppress its
			// siblings on the same observation.
			e.log.WithFields(logrus.Fields{
				"patient_id": obs.PatientID,
				"rule_id":    v.Rule.ID,
				"error":      err,
			}).Error("Failed to reconcile violation")
			errs = append(errs, fmt.Errorf("rule %d: %w", v.Rule.ID, err))
			continue
		}

		if created {
			metrics.AlertsCreatedTotal.WithLabelValues(alert.Severity.String()).Inc()
		} else {
			metrics.AlertsUpdatedTotal.Inc()
		}

		alerts = append(alerts, alert)
	}

	if err := e.lifecycle.ResolveCleared(ctx, obs, evalCtx, fired, skipped); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return alerts, errors.Join(errs...)
	}
	return alerts, nil
}

// lockPatient serializes evaluations for one patient. Locks are reference
// counted and dropped from the table when the last holder releases, so the
// table does not grow with the patient population.
func (e *Evaluator) lockPatient(patientID string) func() {
	e.mu.Lock()
	lock, ok := e.locks[patientID]
	if !ok {
		lock = &patientLock{}
		e.locks[patientID] = lock
	}
	lock.refs++
	e.mu.Unlock()

	lock.mu.Lock()

	return func() {
		lock.mu.Unlock()

		e.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(e.locks, patientID)
		}
		e.mu.Unlock()
	}
}

func validateObservation(obs *domain.Observation) error {
	if obs == nil {
		return domain.NewValidationError("observation", "must not be nil")
	}
	if obs.PatientID == "" {
		return domain.NewValidationError("patient_id", "must not be empty")
	}
	if obs.MetricKey == "" {
		return domain.NewValidationError("metric_key", "must not be empty")
	}
	if obs.RecordedAt.IsZero() {
		return domain.NewValidationError("recorded_at", "must be set")
	}
	if !obs.Value.IsValid() {
		return domain.NewValidationError("value", "unknown value kind")
	}
	return nil
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrPersistence):
		return "persistence_error"
	default:
		return "error"
	}
}
