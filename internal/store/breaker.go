package store

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/vsumup-vs/pain-db-sub012/internal/domain"
)

// BreakerAlertStore wraps an AlertStore with a circuit breaker so a failing
// backend sheds load quickly instead of stalling every evaluation. An open
// breaker surfaces as ErrPersistence, which callers already treat as
// retryable.
type BreakerAlertStore struct {
	inner   domain.AlertStore
	breaker *gobreaker.CircuitBreaker
	log     *logrus.Logger
}

// NewBreakerAlertStore creates an alert store protected by a circuit breaker.
func NewBreakerAlertStore(inner domain.AlertStore, logger *logrus.Logger) *BreakerAlertStore {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "AlertStore",
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	})

	return &BreakerAlertStore{
		inner:   inner,
		breaker: breaker,
		log:     logger,
	}
}

// FindOpen retrieves the open alert for the (patient, rule) pair through the
// breaker.
func (s *BreakerAlertStore) FindOpen(ctx context.Context, patientID string, ruleID int64) (*domain.Alert, error) {
	result, err := s.breaker.Execute(func() (interface{}, error) {
		return s.inner.FindOpen(ctx, patientID, ruleID)
	})
	if err != nil {
		return nil, shedAsPersistence(err)
	}
	if result == nil {
		return nil, nil
	}
	alert, _ := result.(*domain.Alert)
	return alert, nil
}

// Create inserts a new alert through the breaker.
func (s *BreakerAlertStore) Create(ctx context.Context, alert *domain.Alert) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.inner.Create(ctx, alert)
	})
	return shedAsPersistence(err)
}

// Update rewrites an existing alert through the breaker.
func (s *BreakerAlertStore) Update(ctx context.Context, alert *domain.Alert) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.inner.Update(ctx, alert)
	})
	return shedAsPersistence(err)
}

// ListOpenForMetric lists open alerts through the breaker.
func (s *BreakerAlertStore) ListOpenForMetric(ctx context.Context, patientID, metricKey string) ([]*domain.Alert, error) {
	result, err := s.breaker.Execute(func() (interface{}, error) {
		return s.inner.ListOpenForMetric(ctx, patientID, metricKey)
	})
	if err != nil {
		return nil, shedAsPersistence(err)
	}
	alerts, _ := result.([]*domain.Alert)
	return alerts, nil
}

// shedAsPersistence maps requests the breaker refused to run, whether fully
// open or saturated in half-open, to the retryable persistence error callers
// expect from a failing backend. Errors from the store itself pass through.
func shedAsPersistence(err error) error {
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return fmt.Errorf("alert store unavailable: %w", domain.ErrPersistence)
	}
	return err
}

// State exposes the breaker state for health reporting.
func (s *BreakerAlertStore) State() gobreaker.State {
	return s.breaker.State()
}

// Counts exposes the breaker counters for health reporting.
func (s *BreakerAlertStore) Counts() gobreaker.Counts {
	return s.breaker.Counts()
}
