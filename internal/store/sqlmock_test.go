package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vsumup-vs/pain-db-sub012/internal/domain"
)

// These tests exercise the error translation paths that the file-backed
// tests cannot reach: driver failures must wrap ErrPersistence, never leak
// raw sql errors to the engine.

func newMockStore(t *testing.T) (*SQLiteStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLiteStoreWithDB(db), mock
}

func TestGetPatientWrapsDriverError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT id, organization_id FROM patients").
		WillReturnError(errors.New("disk I/O error"))

	_, err := store.GetPatient(context.Background(), "patient-1")
	assert.ErrorIs(t, err, domain.ErrPersistence)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindOpenWrapsDriverError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT (.+) FROM alerts").
		WillReturnError(errors.New("database is locked"))

	_, err := store.FindOpen(context.Background(), "patient-1", 1)
	assert.ErrorIs(t, err, domain.ErrPersistence)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateWrapsDriverError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO alerts").
		WillReturnError(errors.New("constraint failed"))

	err := store.Create(context.Background(), &domain.Alert{
		ID:          "a-1",
		PatientID:   "patient-1",
		RuleID:      1,
		Severity:    domain.SeverityHigh,
		Status:      domain.StatusTriggered,
		TriggeredAt: time.Now(),
		UpdatedAt:   time.Now(),
	})
	assert.ErrorIs(t, err, domain.ErrPersistence)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateWrapsDriverError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE alerts SET").
		WillReturnError(errors.New("database is locked"))

	err := store.Update(context.Background(), &domain.Alert{
		ID:        "a-1",
		Status:    domain.StatusTriggered,
		UpdatedAt: time.Now(),
	})
	assert.ErrorIs(t, err, domain.ErrPersistence)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListByMetricWrapsDriverError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT (.+) FROM observations").
		WillReturnError(errors.New("disk I/O error"))

	now := time.Now()
	_, err := store.ListByMetric(context.Background(), "patient-1", "pain_level_nrs", now.Add(-time.Hour), now)
	assert.ErrorIs(t, err, domain.ErrPersistence)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestActiveRulesWrapsDriverError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT (.+) FROM alert_rules").
		WillReturnError(errors.New("disk I/O error"))

	_, err := store.ActiveRules(context.Background(), "org-1", nil, "pain_level_nrs")
	assert.ErrorIs(t, err, domain.ErrPersistence)
	assert.NoError(t, mock.ExpectationsWereMet())
}
