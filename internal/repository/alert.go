package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/vsumup-vs/pain-db-sub012/internal/domain"
)

// AlertRepository handles alert persistence. It is the only write surface of
// the evaluation engine.
type AlertRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewAlertRepository creates a new alert repository.
func NewAlertRepository(db *pgxpool.Pool, logger *logrus.Logger) *AlertRepository {
	return &AlertRepository{
		db:  db,
		log: logger,
	}
}

// FindOpen retrieves the open alert for the (patient, rule) pair, or
// (nil, nil) when no open alert exists.
func (r *AlertRepository) FindOpen(ctx context.Context, patientID string, ruleID int64) (*domain.Alert, error) {
	query := `
		SELECT id, patient_id, rule_id, severity, risk_score, message, history,
			   status, triggered_at, resolved_at, updated_at
		FROM alerts
		WHERE patient_id = $1
		  AND rule_id = $2
		  AND status IN ('TRIGGERED', 'ACKNOWLEDGED')`

	alert, err := scanAlert(r.db.QueryRow(ctx, query, patientID, ruleID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		r.log.WithFields(logrus.Fields{
			"patient_id": patientID,
			"rule_id":    ruleID,
			"error":      err,
		}).Error("Failed to find open alert")
		return nil, fmt.Errorf("finding open alert: %w", domain.ErrPersistence)
	}

	return alert, nil
}

// Create inserts a new alert. A conflict on the open-alert uniqueness
// constraint surfaces wrapping ErrPersistence so the caller retries and
// converges via FindOpen.
func (r *AlertRepository) Create(ctx context.Context, alert *domain.Alert) error {
	query := `
		INSERT INTO alerts (
			id, patient_id, rule_id, severity, risk_score, message, history,
			status, triggered_at, resolved_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)`

	history, err := json.Marshal(alert.History)
	if err != nil {
		return fmt.Errorf("marshaling alert history: %w", err)
	}

	_, err = r.db.Exec(ctx, query,
		alert.ID,
		alert.PatientID,
		alert.RuleID,
		alert.Severity,
		alert.RiskScore,
		alert.Message,
		history,
		alert.Status,
		alert.TriggeredAt,
		alert.ResolvedAt,
		alert.UpdatedAt,
	)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			r.log.WithFields(logrus.Fields{
				"patient_id": alert.PatientID,
				"rule_id":    alert.RuleID,
			}).Warn("Open alert already exists for patient and rule")
			return fmt.Errorf("open alert already exists: %w", domain.ErrPersistence)
		}
		r.log.WithFields(logrus.Fields{
			"alert_id":   alert.ID,
			"patient_id": alert.PatientID,
			"rule_id":    alert.RuleID,
			"error":      err,
		}).Error("Failed to create alert")
		return fmt.Errorf("creating alert: %w", domain.ErrPersistence)
	}

	r.log.WithFields(logrus.Fields{
		"alert_id":   alert.ID,
		"patient_id": alert.PatientID,
		"rule_id":    alert.RuleID,
		"severity":   alert.Severity,
		"risk_score": alert.RiskScore,
	}).Info("Alert created")

	return nil
}

// Update rewrites the mutable fields of an existing alert.
func (r *AlertRepository) Update(ctx context.Context, alert *domain.Alert) error {
	query := `
		UPDATE alerts
		SET severity = $2, risk_score = $3, message = $4, history = $5,
			status = $6, resolved_at = $7, updated_at = $8
		WHERE id = $1`

	history, err := json.Marshal(alert.History)
	if err != nil {
		return fmt.Errorf("marshaling alert history: %w", err)
	}

	result, err := r.db.Exec(ctx, query,
		alert.ID,
		alert.Severity,
		alert.RiskScore,
		alert.Message,
		history,
		alert.Status,
		alert.ResolvedAt,
		alert.UpdatedAt,
	)

	if err != nil {
		r.log.WithFields(logrus.Fields{
			"alert_id": alert.ID,
			"error":    err,
		}).Error("Failed to update alert")
		return fmt.Errorf("updating alert: %w", domain.ErrPersistence)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("alert not found: %w", domain.ErrNotFound)
	}

	r.log.WithFields(logrus.Fields{
		"alert_id":   alert.ID,
		"status":     alert.Status,
		"severity":   alert.Severity,
		"risk_score": alert.RiskScore,
	}).Info("Alert updated")

	return nil
}

// ListOpenForMetric retrieves all open alerts for the patient whose rule
// targets the given metric key.
func (r *AlertRepository) ListOpenForMetric(ctx context.Context, patientID, metricKey string) ([]*domain.Alert, error) {
	query := `
		SELECT a.id, a.patient_id, a.rule_id, a.severity, a.risk_score, a.message,
			   a.history, a.status, a.triggered_at, a.resolved_at, a.updated_at
		FROM alerts a
		JOIN alert_rules r ON r.id = a.rule_id
		WHERE a.patient_id = $1
		  AND r.metric_key = $2
		  AND a.status IN ('TRIGGERED', 'ACKNOWLEDGED')
		ORDER BY a.triggered_at`

	rows, err := r.db.Query(ctx, query, patientID, metricKey)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"patient_id": patientID,
			"metric_key": metricKey,
			"error":      err,
		}).Error("Failed to list open alerts for metric")
		return nil, fmt.Errorf("listing open alerts: %w", domain.ErrPersistence)
	}
	defer rows.Close()

	var alerts []*domain.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning alert row: %w", domain.ErrPersistence)
		}
		alerts = append(alerts, alert)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating alert rows: %w", domain.ErrPersistence)
	}

	return alerts, nil
}

func scanAlert(row pgx.Row) (*domain.Alert, error) {
	var (
		alert   domain.Alert
		history []byte
	)

	err := row.Scan(
		&alert.ID,
		&alert.PatientID,
		&alert.RuleID,
		&alert.Severity,
		&alert.RiskScore,
		&alert.Message,
		&history,
		&alert.Status,
		&alert.TriggeredAt,
		&alert.ResolvedAt,
		&alert.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(history) > 0 {
		if err := json.Unmarshal(history, &alert.History); err != nil {
			return nil, fmt.Errorf("unmarshaling alert history: %w", err)
		}
	}

	return &alert, nil
}
