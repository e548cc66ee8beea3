package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vsumup-vs/pain-db-sub012/internal/domain"
)

// fakeStore is an in-memory implementation of every store interface the
// engine consumes, with injectable failures for persistence-error paths.
type fakeStore struct {
	mu sync.Mutex

	patients     map[string]*domain.Patient
	enrollments  map[string][]domain.Enrollment
	rules        []domain.AlertRule
	observations []domain.Observation
	alerts       map[string]*domain.Alert

	failCreates int // fail the next N Create calls
	failUpdates int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		patients:    make(map[string]*domain.Patient),
		enrollments: make(map[string][]domain.Enrollment),
		alerts:      make(map[string]*domain.Alert),
	}
}

func (f *fakeStore) GetPatient(_ context.Context, patientID string) (*domain.Patient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	patient, ok := f.patients[patientID]
	if !ok {
		return nil, fmt.Errorf("patient not found: %w", domain.ErrNotFound)
	}
	return patient, nil
}

func (f *fakeStore) ActiveEnrollments(_ context.Context, patientID string, at time.Time) ([]domain.Enrollment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var active []domain.Enrollment
	for _, e := range f.enrollments[patientID] {
		if e.StartedAt.After(at) {
			continue
		}
		if e.EndedAt != nil && !e.EndedAt.After(at) {
			continue
		}
		active = append(active, e)
	}
	return active, nil
}

func (f *fakeStore) ActiveRules(_ context.Context, orgID string, presetIDs []string, metricKey string) ([]domain.AlertRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matched []domain.AlertRule
	for _, rule := range f.rules {
		if !rule.Active || rule.MetricKey != metricKey {
			continue
		}
		if rule.Scope.AppliesTo(orgID, presetIDs) {
			matched = append(matched, rule)
		}
	}
	return matched, nil
}

func (f *fakeStore) ListByMetric(_ context.Context, patientID, metricKey string, from, to time.Time) ([]domain.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []domain.Observation
	for _, obs := range f.observations {
		if obs.PatientID != patientID || obs.MetricKey != metricKey {
			continue
		}
		if obs.RecordedAt.Before(from) || !obs.RecordedAt.Before(to) {
			continue
		}
		result = append(result, obs)
	}
	return result, nil
}

func (f *fakeStore) FindOpen(_ context.Context, patientID string, ruleID int64) (*domain.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.findOpenLocked(patientID, ruleID), nil
}

func (f *fakeStore) findOpenLocked(patientID string, ruleID int64) *domain.Alert {
	for _, alert := range f.alerts {
		if alert.PatientID == patientID && alert.RuleID == ruleID && alert.Status.IsOpen() {
			copied := *alert
			return &copied
		}
	}
	return nil
}

func (f *fakeStore) Create(_ context.Context, alert *domain.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreates > 0 {
		f.failCreates--
		return fmt.Errorf("injected failure: %w", domain.ErrPersistence)
	}
	if existing := f.findOpenLocked(alert.PatientID, alert.RuleID); existing != nil {
		return fmt.Errorf("open alert already exists: %w", domain.ErrPersistence)
	}
	copied := *alert
	f.alerts[alert.ID] = &copied
	return nil
}

func (f *fakeStore) Update(_ context.Context, alert *domain.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpdates > 0 {
		f.failUpdates--
		return fmt.Errorf("injected failure: %w", domain.ErrPersistence)
	}
	if _, ok := f.alerts[alert.ID]; !ok {
		return fmt.Errorf("alert not found: %w", domain.ErrNotFound)
	}
	copied := *alert
	f.alerts[alert.ID] = &copied
	return nil
}

func (f *fakeStore) ListOpenForMetric(_ context.Context, patientID, metricKey string) ([]*domain.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	metricByRule := make(map[int64]string, len(f.rules))
	for _, rule := range f.rules {
		metricByRule[rule.ID] = rule.MetricKey
	}
	var open []*domain.Alert
	for _, alert := range f.alerts {
		if alert.PatientID != patientID || !alert.Status.IsOpen() {
			continue
		}
		if metricByRule[alert.RuleID] != metricKey {
			continue
		}
		copied := *alert
		open = append(open, &copied)
	}
	return open, nil
}

func (f *fakeStore) openAlertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, alert := range f.alerts {
		if alert.Status.IsOpen() {
			count++
		}
	}
	return count
}

func (f *fakeStore) alertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

func newTestEvaluator(store *fakeStore, autoResolve bool) *Evaluator {
	logger := testLogger()
	return NewEvaluator(
		NewContextResolver(store, store, store, logger),
		NewRuleMatcher(logger),
		NewRiskScorer(logger),
		NewLifecycleManager(store, autoResolve, logger),
		5*time.Second,
		logger,
	)
}

func seedPatient(store *fakeStore, patientID, orgID string, presets ...string) {
	store.patients[patientID] = &domain.Patient{ID: patientID, OrganizationID: orgID}

	enrollment := domain.Enrollment{
		ID:             uuid.New().String(),
		PatientID:      patientID,
		OrganizationID: orgID,
		Active:         true,
		StartedAt:      time.Now().Add(-365 * 24 * time.Hour),
	}
	for _, preset := range presets {
		enrollment.Presets = append(enrollment.Presets, domain.ConditionPreset{ID: preset, Name: preset})
	}
	store.enrollments[patientID] = []domain.Enrollment{enrollment}
}

func numericObservation(patientID, metricKey string, value float64, recordedAt time.Time) *domain.Observation {
	return &domain.Observation{
		ID:         uuid.New().String(),
		PatientID:  patientID,
		MetricKey:  metricKey,
		Value:      domain.NumericValue(value),
		RecordedAt: recordedAt,
	}
}
