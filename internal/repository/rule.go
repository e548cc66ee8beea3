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

// RuleRepository handles alert rule reads.
type RuleRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewRuleRepository creates a new rule repository.
func NewRuleRepository(db *pgxpool.Pool, logger *logrus.Logger) *RuleRepository {
	return &RuleRepository{
		db:  db,
		log: logger,
	}
}

// ActiveRules retrieves the active rules applicable to an observation: the
// union of organization-scoped rules for the organization and preset-scoped
// rules for any of the given condition presets, filtered to the metric key.
func (r *RuleRepository) ActiveRules(ctx context.Context, orgID string, presetIDs []string, metricKey string) ([]domain.AlertRule, error) {
	query := `
		SELECT id, name, scope_kind, organization_id, preset_id, metric_key,
			   comparison_op, threshold, threshold_text, min_count, window_seconds,
			   expected_min, expected_max, severity
		FROM alert_rules
		WHERE active
		  AND metric_key = $3
		  AND (
			(scope_kind = 'ORGANIZATION' AND organization_id = $1) OR
			(scope_kind = 'CONDITION_PRESET' AND preset_id = ANY($2))
		  )
		ORDER BY id`

	rows, err := r.db.Query(ctx, query, orgID, presetIDs, metricKey)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"organization_id": orgID,
			"metric_key":      metricKey,
			"error":           err,
		}).Error("Failed to get active rules")
		return nil, fmt.Errorf("getting active rules: %w", domain.ErrPersistence)
	}
	defer rows.Close()

	var rules []domain.AlertRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			r.log.WithFields(logrus.Fields{
				"metric_key": metricKey,
				"error":      err,
			}).Error("Failed to scan rule row")
			return nil, fmt.Errorf("scanning rule row: %w", domain.ErrPersistence)
		}
		rules = append(rules, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rule rows: %w", domain.ErrPersistence)
	}

	return rules, nil
}

// GetByID retrieves a single rule by its ID.
func (r *RuleRepository) GetByID(ctx context.Context, id int64) (*domain.AlertRule, error) {
	query := `
		SELECT id, name, scope_kind, organization_id, preset_id, metric_key,
			   comparison_op, threshold, threshold_text, min_count, window_seconds,
			   expected_min, expected_max, severity
		FROM alert_rules
		WHERE id = $1 AND active`

	rule, err := scanRule(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("rule not found: %w", domain.ErrNotFound)
		}
		r.log.WithFields(logrus.Fields{
			"rule_id": id,
			"error":   err,
		}).Error("Failed to get rule by ID")
		return nil, fmt.Errorf("getting rule by ID: %w", domain.ErrPersistence)
	}

	return &rule, nil
}

func scanRule(row pgx.Row) (domain.AlertRule, error) {
	var (
		rule          domain.AlertRule
		scopeKind     string
		orgID         *string
		presetID      *string
		windowSeconds int64
		expectedMin   *float64
		expectedMax   *float64
	)

	err := row.Scan(
		&rule.ID,
		&rule.Name,
		&scopeKind,
		&orgID,
		&presetID,
		&rule.MetricKey,
		&rule.Op,
		&rule.Threshold,
		&rule.ThresholdText,
		&rule.MinCount,
		&windowSeconds,
		&expectedMin,
		&expectedMax,
		&rule.Severity,
	)
	if err != nil {
		return domain.AlertRule{}, err
	}

	switch domain.ScopeKind(scopeKind) {
	case domain.ScopeOrganization:
		if orgID != nil {
			rule.Scope = domain.OrganizationScope(*orgID)
		}
	case domain.ScopeConditionPreset:
		if presetID != nil {
			rule.Scope = domain.PresetScope(*presetID)
		}
	}

	rule.Window = time.Duration(windowSeconds) * time.Second
	if expectedMin != nil {
		rule.ExpectedMin = *expectedMin
	}
	if expectedMax != nil {
		rule.ExpectedMax = *expectedMax
	}
	rule.Active = true

	return rule, nil
}
