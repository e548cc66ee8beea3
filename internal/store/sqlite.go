package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vsumup-vs/pain-db-sub012/internal/domain"
)

// SQLiteStore is an embedded single-file backend for standalone deployments.
// It implements the full read and write surface of the evaluation engine:
// patients, enrollments, rules, observations, and alerts.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore creates a new SQLite store.
// It creates the database file and schema if they don't exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		dbPath: dbPath,
	}, nil
}

// NewSQLiteStoreWithDB wraps an existing database handle. The caller owns the
// handle's lifecycle; Close is a no-op on the underlying connection.
func NewSQLiteStoreWithDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// scanner is an interface for sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

// createSchema creates the database tables and indexes.
func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS patients (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS condition_presets (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS enrollments (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL REFERENCES patients(id),
		started_at DATETIME NOT NULL,
		ended_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS enrollment_presets (
		enrollment_id TEXT NOT NULL REFERENCES enrollments(id),
		preset_id TEXT NOT NULL REFERENCES condition_presets(id),
		PRIMARY KEY (enrollment_id, preset_id)
	);

	CREATE TABLE IF NOT EXISTS alert_rules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		scope_kind TEXT NOT NULL,
		organization_id TEXT,
		preset_id TEXT,
		metric_key TEXT NOT NULL,
		comparison_op TEXT NOT NULL,
		threshold REAL NOT NULL DEFAULT 0,
		threshold_text TEXT NOT NULL DEFAULT '',
		min_count INTEGER NOT NULL DEFAULT 0,
		window_seconds INTEGER NOT NULL DEFAULT 0,
		expected_min REAL,
		expected_max REAL,
		severity TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS observations (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL REFERENCES patients(id),
		enrollment_id TEXT,
		metric_key TEXT NOT NULL,
		value_kind TEXT NOT NULL,
		value_numeric REAL,
		value_text TEXT,
		value_bool INTEGER,
		value_payload TEXT,
		recorded_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL REFERENCES patients(id),
		rule_id INTEGER NOT NULL REFERENCES alert_rules(id),
		severity TEXT NOT NULL,
		risk_score REAL NOT NULL,
		message TEXT NOT NULL,
		history TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL,
		triggered_at DATETIME NOT NULL,
		resolved_at DATETIME,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_enrollments_patient ON enrollments(patient_id, started_at);
	CREATE INDEX IF NOT EXISTS idx_rules_org_metric ON alert_rules(organization_id, metric_key);
	CREATE INDEX IF NOT EXISTS idx_rules_preset_metric ON alert_rules(preset_id, metric_key);
	CREATE INDEX IF NOT EXISTS idx_observations_patient_metric ON observations(patient_id, metric_key, recorded_at);
	CREATE UNIQUE INDEX IF NOT EXISTS uq_alerts_open_per_rule
		ON alerts(patient_id, rule_id)
		WHERE status IN ('TRIGGERED', 'ACKNOWLEDGED');
	`

	_, err := db.Exec(schema)
	return err
}

// GetPatient retrieves a patient by its ID.
func (s *SQLiteStore) GetPatient(ctx context.Context, patientID string) (*domain.Patient, error) {
	var patient domain.Patient
	err := s.db.QueryRowContext(ctx,
		"SELECT id, organization_id FROM patients WHERE id = ?",
		patientID,
	).Scan(&patient.ID, &patient.OrganizationID)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("patient not found: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting patient: %w", domain.ErrPersistence)
	}
	return &patient, nil
}

// ActiveEnrollments retrieves the enrollments active for the patient at the
// given instant, with their condition presets loaded.
func (s *SQLiteStore) ActiveEnrollments(ctx context.Context, patientID string, at time.Time) ([]domain.Enrollment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.patient_id, p.organization_id, e.started_at, e.ended_at
		FROM enrollments e
		JOIN patients p ON p.id = e.patient_id
		WHERE e.patient_id = ?
		  AND e.started_at <= ?
		  AND (e.ended_at IS NULL OR e.ended_at > ?)
		ORDER BY e.started_at
	`, patientID, at, at)
	if err != nil {
		return nil, fmt.Errorf("querying enrollments: %w", domain.ErrPersistence)
	}
	defer rows.Close()

	var enrollments []domain.Enrollment
	for rows.Next() {
		var e domain.Enrollment
		if err := rows.Scan(&e.ID, &e.PatientID, &e.OrganizationID, &e.StartedAt, &e.EndedAt); err != nil {
			return nil, fmt.Errorf("scanning enrollment: %w", domain.ErrPersistence)
		}
		e.Active = true
		enrollments = append(enrollments, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating enrollments: %w", domain.ErrPersistence)
	}

	for i := range enrollments {
		presets, err := s.enrollmentPresets(ctx, enrollments[i].ID)
		if err != nil {
			return nil, err
		}
		enrollments[i].Presets = presets
	}

	return enrollments, nil
}

func (s *SQLiteStore) enrollmentPresets(ctx context.Context, enrollmentID string) ([]domain.ConditionPreset, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cp.id, cp.name
		FROM condition_presets cp
		JOIN enrollment_presets ep ON ep.preset_id = cp.id
		WHERE ep.enrollment_id = ?
		ORDER BY cp.name
	`, enrollmentID)
	if err != nil {
		return nil, fmt.Errorf("querying presets: %w", domain.ErrPersistence)
	}
	defer rows.Close()

	var presets []domain.ConditionPreset
	for rows.Next() {
		var p domain.ConditionPreset
		if err := rows.Scan(&p.ID, &p.Name); err != nil {
			return nil, fmt.Errorf("scanning preset: %w", domain.ErrPersistence)
		}
		presets = append(presets, p)
	}
	return presets, rows.Err()
}

// scanRule scans a row into an AlertRule.
func scanRule(sc scanner) (domain.AlertRule, error) {
	var (
		rule          domain.AlertRule
		scopeKind     string
		orgID         sql.NullString
		presetID      sql.NullString
		windowSeconds int64
		expectedMin   sql.NullFloat64
		expectedMax   sql.NullFloat64
		op, severity  string
	)

	err := sc.Scan(
		&rule.ID, &rule.Name, &scopeKind, &orgID, &presetID, &rule.MetricKey,
		&op, &rule.Threshold, &rule.ThresholdText, &rule.MinCount,
		&windowSeconds, &expectedMin, &expectedMax, &severity,
	)
	if err != nil {
		return domain.AlertRule{}, err
	}

	switch domain.ScopeKind(scopeKind) {
	case domain.ScopeOrganization:
		rule.Scope = domain.OrganizationScope(orgID.String)
	case domain.ScopeConditionPreset:
		rule.Scope = domain.PresetScope(presetID.String)
	}

	rule.Op = domain.ComparisonOp(op)
	rule.Severity = domain.Severity(severity)
	rule.Window = time.Duration(windowSeconds) * time.Second
	rule.ExpectedMin = expectedMin.Float64
	rule.ExpectedMax = expectedMax.Float64
	rule.Active = true

	return rule, nil
}

const ruleColumns = `id, name, scope_kind, organization_id, preset_id, metric_key,
	comparison_op, threshold, threshold_text, min_count, window_seconds,
	expected_min, expected_max, severity`

// ActiveRules retrieves the active rules applicable to an observation.
func (s *SQLiteStore) ActiveRules(ctx context.Context, orgID string, presetIDs []string, metricKey string) ([]domain.AlertRule, error) {
	query := "SELECT " + ruleColumns + `
		FROM alert_rules
		WHERE active = 1
		  AND metric_key = ?
		  AND scope_kind = 'ORGANIZATION'
		  AND organization_id = ?`
	args := []any{metricKey, orgID}

	if len(presetIDs) > 0 {
		placeholders := ""
		for i, id := range presetIDs {
			if i > 0 {
				placeholders += ", "
			}
			placeholders += "?"
			args = append(args, id)
		}
		query = "SELECT " + ruleColumns + `
			FROM alert_rules
			WHERE active = 1
			  AND metric_key = ?
			  AND (
				(scope_kind = 'ORGANIZATION' AND organization_id = ?) OR
				(scope_kind = 'CONDITION_PRESET' AND preset_id IN (` + placeholders + `))
			  )`
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying rules: %w", domain.ErrPersistence)
	}
	defer rows.Close()

	var rules []domain.AlertRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning rule: %w", domain.ErrPersistence)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// SaveRule inserts or updates a rule. Used by standalone deployments to seed
// configuration.
func (s *SQLiteStore) SaveRule(ctx context.Context, rule *domain.AlertRule) error {
	var orgID, presetID sql.NullString
	switch rule.Scope.Kind {
	case domain.ScopeOrganization:
		orgID = sql.NullString{String: rule.Scope.OrganizationID, Valid: true}
	case domain.ScopeConditionPreset:
		presetID = sql.NullString{String: rule.Scope.PresetID, Valid: true}
	}

	if rule.ID == 0 {
		result, err := s.db.ExecContext(ctx, `
			INSERT INTO alert_rules (
				name, scope_kind, organization_id, preset_id, metric_key,
				comparison_op, threshold, threshold_text, min_count,
				window_seconds, expected_min, expected_max, severity, active
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			rule.Name, string(rule.Scope.Kind), orgID, presetID, rule.MetricKey,
			string(rule.Op), rule.Threshold, rule.ThresholdText, rule.MinCount,
			int64(rule.Window/time.Second), rule.ExpectedMin, rule.ExpectedMax,
			string(rule.Severity), rule.Active,
		)
		if err != nil {
			return fmt.Errorf("inserting rule: %w", domain.ErrPersistence)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("getting rule ID: %w", domain.ErrPersistence)
		}
		rule.ID = id
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE alert_rules SET
			name = ?, scope_kind = ?, organization_id = ?, preset_id = ?,
			metric_key = ?, comparison_op = ?, threshold = ?, threshold_text = ?,
			min_count = ?, window_seconds = ?, expected_min = ?, expected_max = ?,
			severity = ?, active = ?
		WHERE id = ?
	`,
		rule.Name, string(rule.Scope.Kind), orgID, presetID, rule.MetricKey,
		string(rule.Op), rule.Threshold, rule.ThresholdText, rule.MinCount,
		int64(rule.Window/time.Second), rule.ExpectedMin, rule.ExpectedMax,
		string(rule.Severity), rule.Active, rule.ID,
	)
	if err != nil {
		return fmt.Errorf("updating rule: %w", domain.ErrPersistence)
	}
	return nil
}

// ListByMetric retrieves observations for the patient and metric recorded in
// [from, to), ordered oldest to newest.
func (s *SQLiteStore) ListByMetric(ctx context.Context, patientID, metricKey string, from, to time.Time) ([]domain.Observation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, patient_id, enrollment_id, metric_key,
			   value_kind, value_numeric, value_text, value_bool, value_payload,
			   recorded_at
		FROM observations
		WHERE patient_id = ?
		  AND metric_key = ?
		  AND recorded_at >= ?
		  AND recorded_at < ?
		ORDER BY recorded_at
	`, patientID, metricKey, from, to)
	if err != nil {
		return nil, fmt.Errorf("querying observations: %w", domain.ErrPersistence)
	}
	defer rows.Close()

	var observations []domain.Observation
	for rows.Next() {
		obs, err := scanObservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning observation: %w", domain.ErrPersistence)
		}
		observations = append(observations, obs)
	}
	return observations, rows.Err()
}

// SaveObservation inserts an observation. Observations are immutable;
// duplicates by ID are rejected by the primary key.
func (s *SQLiteStore) SaveObservation(ctx context.Context, obs *domain.Observation) error {
	var (
		number  sql.NullFloat64
		text    sql.NullString
		boolean sql.NullBool
		payload sql.NullString
	)

	switch obs.Value.Kind {
	case domain.ValueNumeric:
		n, _ := obs.Value.Numeric()
		number = sql.NullFloat64{Float64: n, Valid: true}
	case domain.ValueText:
		text = sql.NullString{String: obs.Value.Text, Valid: true}
	case domain.ValueBoolean:
		boolean = sql.NullBool{Bool: obs.Value.Bool, Valid: true}
	case domain.ValueStructured:
		raw, err := json.Marshal(obs.Value.Payload)
		if err != nil {
			return fmt.Errorf("marshaling payload: %w", err)
		}
		payload = sql.NullString{String: string(raw), Valid: true}
	}

	var enrollmentID sql.NullString
	if obs.EnrollmentID != "" {
		enrollmentID = sql.NullString{String: obs.EnrollmentID, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO observations (
			id, patient_id, enrollment_id, metric_key,
			value_kind, value_numeric, value_text, value_bool, value_payload,
			recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		obs.ID, obs.PatientID, enrollmentID, obs.MetricKey,
		string(obs.Value.Kind), number, text, boolean, payload,
		obs.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting observation: %w", domain.ErrPersistence)
	}
	return nil
}

func scanObservation(sc scanner) (domain.Observation, error) {
	var (
		obs          domain.Observation
		enrollmentID sql.NullString
		kind         string
		number       sql.NullFloat64
		text         sql.NullString
		boolean      sql.NullBool
		payload      sql.NullString
	)

	err := sc.Scan(
		&obs.ID, &obs.PatientID, &enrollmentID, &obs.MetricKey,
		&kind, &number, &text, &boolean, &payload,
		&obs.RecordedAt,
	)
	if err != nil {
		return domain.Observation{}, err
	}

	obs.EnrollmentID = enrollmentID.String

	switch domain.ValueKind(kind) {
	case domain.ValueNumeric:
		obs.Value = domain.NumericValue(number.Float64)
	case domain.ValueText:
		obs.Value = domain.TextValue(text.String)
	case domain.ValueBoolean:
		obs.Value = domain.BoolValue(boolean.Bool)
	case domain.ValueStructured:
		var m map[string]any
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &m); err != nil {
				return domain.Observation{}, fmt.Errorf("unmarshaling payload: %w", err)
			}
		}
		obs.Value = domain.StructuredValue(m)
	default:
		return domain.Observation{}, fmt.Errorf("unknown value kind %q", kind)
	}

	return obs, nil
}

const alertColumns = `id, patient_id, rule_id, severity, risk_score, message,
	history, status, triggered_at, resolved_at, updated_at`

// FindOpen retrieves the open alert for the (patient, rule) pair, or
// (nil, nil) when no open alert exists.
func (s *SQLiteStore) FindOpen(ctx context.Context, patientID string, ruleID int64) (*domain.Alert, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+alertColumns+`
		FROM alerts
		WHERE patient_id = ?
		  AND rule_id = ?
		  AND status IN ('TRIGGERED', 'ACKNOWLEDGED')
		LIMIT 1
	`, patientID, ruleID)

	alert, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding open alert: %w", domain.ErrPersistence)
	}
	return alert, nil
}

// Create inserts a new alert. A conflict on the open-alert uniqueness index
// surfaces wrapping ErrPersistence so the caller retries via FindOpen.
func (s *SQLiteStore) Create(ctx context.Context, alert *domain.Alert) error {
	history, err := json.Marshal(alert.History)
	if err != nil {
		return fmt.Errorf("marshaling history: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alerts (
			id, patient_id, rule_id, severity, risk_score, message, history,
			status, triggered_at, resolved_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		alert.ID, alert.PatientID, alert.RuleID, string(alert.Severity),
		alert.RiskScore, alert.Message, string(history), string(alert.Status),
		alert.TriggeredAt, alert.ResolvedAt, alert.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting alert: %w", domain.ErrPersistence)
	}
	return nil
}

// Update rewrites the mutable fields of an existing alert.
func (s *SQLiteStore) Update(ctx context.Context, alert *domain.Alert) error {
	history, err := json.Marshal(alert.History)
	if err != nil {
		return fmt.Errorf("marshaling history: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET
			severity = ?, risk_score = ?, message = ?, history = ?,
			status = ?, resolved_at = ?, updated_at = ?
		WHERE id = ?
	`,
		string(alert.Severity), alert.RiskScore, alert.Message, string(history),
		string(alert.Status), alert.ResolvedAt, alert.UpdatedAt, alert.ID,
	)
	if err != nil {
		return fmt.Errorf("updating alert: %w", domain.ErrPersistence)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", domain.ErrPersistence)
	}
	if affected == 0 {
		return fmt.Errorf("alert not found: %w", domain.ErrNotFound)
	}
	return nil
}

// ListOpenForMetric retrieves all open alerts for the patient whose rule
// targets the given metric key.
func (s *SQLiteStore) ListOpenForMetric(ctx context.Context, patientID, metricKey string) ([]*domain.Alert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.patient_id, a.rule_id, a.severity, a.risk_score, a.message,
			   a.history, a.status, a.triggered_at, a.resolved_at, a.updated_at
		FROM alerts a
		JOIN alert_rules r ON r.id = a.rule_id
		WHERE a.patient_id = ?
		  AND r.metric_key = ?
		  AND a.status IN ('TRIGGERED', 'ACKNOWLEDGED')
		ORDER BY a.triggered_at
	`, patientID, metricKey)
	if err != nil {
		return nil, fmt.Errorf("listing open alerts: %w", domain.ErrPersistence)
	}
	defer rows.Close()

	var alerts []*domain.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning alert: %w", domain.ErrPersistence)
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

func scanAlert(sc scanner) (*domain.Alert, error) {
	var (
		alert            domain.Alert
		severity, status string
		history          string
		resolvedAt       sql.NullTime
	)

	err := sc.Scan(
		&alert.ID, &alert.PatientID, &alert.RuleID, &severity, &alert.RiskScore,
		&alert.Message, &history, &status, &alert.TriggeredAt, &resolvedAt,
		&alert.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	alert.Severity = domain.Severity(severity)
	alert.Status = domain.AlertStatus(status)
	if resolvedAt.Valid {
		alert.ResolvedAt = &resolvedAt.Time
	}
	if history != "" {
		if err := json.Unmarshal([]byte(history), &alert.History); err != nil {
			return nil, fmt.Errorf("unmarshaling history: %w", err)
		}
	}

	return &alert, nil
}

// SavePatient inserts or replaces a patient. Used to seed standalone stores.
func (s *SQLiteStore) SavePatient(ctx context.Context, patient *domain.Patient) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO patients (id, organization_id) VALUES (?, ?)",
		patient.ID, patient.OrganizationID,
	)
	if err != nil {
		return fmt.Errorf("saving patient: %w", domain.ErrPersistence)
	}
	return nil
}

// SaveEnrollment inserts or replaces an enrollment and its preset links.
func (s *SQLiteStore) SaveEnrollment(ctx context.Context, enrollment *domain.Enrollment) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO enrollments (id, patient_id, started_at, ended_at) VALUES (?, ?, ?, ?)",
		enrollment.ID, enrollment.PatientID, enrollment.StartedAt, enrollment.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("saving enrollment: %w", domain.ErrPersistence)
	}

	for _, preset := range enrollment.Presets {
		_, err := s.db.ExecContext(ctx,
			"INSERT OR REPLACE INTO condition_presets (id, name) VALUES (?, ?)",
			preset.ID, preset.Name,
		)
		if err != nil {
			return fmt.Errorf("saving preset: %w", domain.ErrPersistence)
		}
		_, err = s.db.ExecContext(ctx,
			"INSERT OR REPLACE INTO enrollment_presets (enrollment_id, preset_id) VALUES (?, ?)",
			enrollment.ID, preset.ID,
		)
		if err != nil {
			return fmt.Errorf("linking preset: %w", domain.ErrPersistence)
		}
	}
	return nil
}

// Close closes the store and releases resources.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
