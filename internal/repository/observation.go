package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/vsumup-vs/pain-db-sub012/internal/domain"
)

// ObservationRepository handles observation reads.
type ObservationRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewObservationRepository creates a new observation repository.
func NewObservationRepository(db *pgxpool.Pool, logger *logrus.Logger) *ObservationRepository {
	return &ObservationRepository{
		db:  db,
		log: logger,
	}
}

// ListByMetric retrieves observations for the patient and metric recorded in
// [from, to), ordered oldest to newest.
func (r *ObservationRepository) ListByMetric(ctx context.Context, patientID, metricKey string, from, to time.Time) ([]domain.Observation, error) {
	query := `
		SELECT id, patient_id, enrollment_id, metric_key,
			   value_kind, value_numeric, value_text, value_bool, value_payload,
			   recorded_at
		FROM observations
		WHERE patient_id = $1
		  AND metric_key = $2
		  AND recorded_at >= $3
		  AND recorded_at < $4
		ORDER BY recorded_at`

	rows, err := r.db.Query(ctx, query, patientID, metricKey, from, to)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"patient_id": patientID,
			"metric_key": metricKey,
			"error":      err,
		}).Error("Failed to list observations")
		return nil, fmt.Errorf("listing observations: %w", domain.ErrPersistence)
	}
	defer rows.Close()

	var observations []domain.Observation
	for rows.Next() {
		var (
			obs          domain.Observation
			enrollmentID *string
			kind         string
			number       *float64
			text         *string
			boolean      *bool
			payload      []byte
		)

		err := rows.Scan(
			&obs.ID,
			&obs.PatientID,
			&enrollmentID,
			&obs.MetricKey,
			&kind,
			&number,
			&text,
			&boolean,
			&payload,
			&obs.RecordedAt,
		)
		if err != nil {
			r.log.WithFields(logrus.Fields{
				"patient_id": patientID,
				"error":      err,
			}).Error("Failed to scan observation row")
			return nil, fmt.Errorf("scanning observation row: %w", domain.ErrPersistence)
		}

		if enrollmentID != nil {
			obs.EnrollmentID = *enrollmentID
		}

		value, err := decodeValue(domain.ValueKind(kind), number, text, boolean, payload)
		if err != nil {
			return nil, fmt.Errorf("decoding observation value: %w", err)
		}
		obs.Value = value

		observations = append(observations, obs)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating observation rows: %w", domain.ErrPersistence)
	}

	return observations, nil
}

func decodeValue(kind domain.ValueKind, number *float64, text *string, boolean *bool, payload []byte) (domain.ObservationValue, error) {
	switch kind {
	case domain.ValueNumeric:
		if number == nil {
			return domain.ObservationValue{}, fmt.Errorf("numeric observation without numeric column")
		}
		return domain.NumericValue(*number), nil
	case domain.ValueText:
		if text == nil {
			return domain.ObservationValue{}, fmt.Errorf("text observation without text column")
		}
		return domain.TextValue(*text), nil
	case domain.ValueBoolean:
		if boolean == nil {
			return domain.ObservationValue{}, fmt.Errorf("boolean observation without boolean column")
		}
		return domain.BoolValue(*boolean), nil
	case domain.ValueStructured:
		var m map[string]any
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &m); err != nil {
				return domain.ObservationValue{}, fmt.Errorf("unmarshaling structured payload: %w", err)
			}
		}
		return domain.StructuredValue(m), nil
	default:
		return domain.ObservationValue{}, fmt.Errorf("unknown value kind %q", kind)
	}
}
