package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/vsumup-vs/pain-db-sub012/internal/domain"
)

// PatientRepository handles patient and enrollment reads.
type PatientRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewPatientRepository creates a new patient repository.
func NewPatientRepository(db *pgxpool.Pool, logger *logrus.Logger) *PatientRepository {
	return &PatientRepository{
		db:  db,
		log: logger,
	}
}

// GetPatient retrieves a patient by its ID.
func (r *PatientRepository) GetPatient(ctx context.Context, patientID string) (*domain.Patient, error) {
	query := `
		SELECT id, organization_id
		FROM patients
		WHERE id = $1`

	var patient domain.Patient

	err := r.db.QueryRow(ctx, query, patientID).Scan(
		&patient.ID,
		&patient.OrganizationID,
	)

	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("patient not found: %w", domain.ErrNotFound)
		}
		r.log.WithFields(logrus.Fields{
			"patient_id": patientID,
			"error":      err,
		}).Error("Failed to get patient by ID")
		return nil, fmt.Errorf("getting patient by ID: %w", domain.ErrPersistence)
	}

	return &patient, nil
}

// ActiveEnrollments retrieves the enrollments active for the patient at the
// given instant, with their condition presets loaded.
func (r *PatientRepository) ActiveEnrollments(ctx context.Context, patientID string, at time.Time) ([]domain.Enrollment, error) {
	query := `
		SELECT e.id, e.patient_id, p.organization_id, e.started_at, e.ended_at
		FROM enrollments e
		JOIN patients p ON p.id = e.patient_id
		WHERE e.patient_id = $1
		  AND e.started_at <= $2
		  AND (e.ended_at IS NULL OR e.ended_at > $2)
		ORDER BY e.started_at`

	rows, err := r.db.Query(ctx, query, patientID, at)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"patient_id": patientID,
			"error":      err,
		}).Error("Failed to get active enrollments")
		return nil, fmt.Errorf("getting active enrollments: %w", domain.ErrPersistence)
	}
	defer rows.Close()

	var enrollments []domain.Enrollment
	for rows.Next() {
		var enrollment domain.Enrollment

		err := rows.Scan(
			&enrollment.ID,
			&enrollment.PatientID,
			&enrollment.OrganizationID,
			&enrollment.StartedAt,
			&enrollment.EndedAt,
		)
		if err != nil {
			r.log.WithFields(logrus.Fields{
				"patient_id": patientID,
				"error":      err,
			}).Error("Failed to scan enrollment row")
			return nil, fmt.Errorf("scanning enrollment row: %w", domain.ErrPersistence)
		}

		enrollment.Active = true
		enrollments = append(enrollments, enrollment)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating enrollment rows: %w", domain.ErrPersistence)
	}

	for i := range enrollments {
		presets, err := r.enrollmentPresets(ctx, enrollments[i].ID)
		if err != nil {
			return nil, err
		}
		enrollments[i].Presets = presets
	}

	return enrollments, nil
}

func (r *PatientRepository) enrollmentPresets(ctx context.Context, enrollmentID string) ([]domain.ConditionPreset, error) {
	query := `
		SELECT cp.id, cp.name
		FROM condition_presets cp
		JOIN enrollment_presets ep ON ep.preset_id = cp.id
		WHERE ep.enrollment_id = $1
		ORDER BY cp.name`

	rows, err := r.db.Query(ctx, query, enrollmentID)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"enrollment_id": enrollmentID,
			"error":         err,
		}).Error("Failed to get enrollment presets")
		return nil, fmt.Errorf("getting enrollment presets: %w", domain.ErrPersistence)
	}
	defer rows.Close()

	var presets []domain.ConditionPreset
	for rows.Next() {
		var preset domain.ConditionPreset
		if err := rows.Scan(&preset.ID, &preset.Name); err != nil {
			return nil, fmt.Errorf("scanning preset row: %w", domain.ErrPersistence)
		}
		presets = append(presets, preset)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating preset rows: %w", domain.ErrPersistence)
	}

	return presets, nil
}
