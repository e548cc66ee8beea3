// Package main provides a lightweight entry point for the alert engine.
// This version requires no external services - observations are read from a
// JSON fixture file and evaluated against an embedded SQLite database.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vsumup-vs/pain-db-sub012/internal/consumer"
	"github.com/vsumup-vs/pain-db-sub012/internal/domain"
	"github.com/vsumup-vs/pain-db-sub012/internal/engine"
	"github.com/vsumup-vs/pain-db-sub012/internal/store"
)

// Fixture is the JSON shape accepted on the command line: the full state of
// a small deployment, evaluated in recording order.
type Fixture struct {
	Patients     []domain.Patient               `json:"patients"`
	Enrollments  []domain.Enrollment            `json:"enrollments"`
	Rules        []domain.AlertRule             `json:"rules"`
	Observations []consumer.ObservationEnvelope `json:"observations"`
}

func main() {
	var (
		dbPath      = flag.String("db", "alert-engine.db", "Path to the SQLite database file")
		fixturePath = flag.String("fixture", "", "Path to a JSON fixture to load and evaluate")
		autoResolve = flag.Bool("auto-resolve", false, "Resolve open alerts when the metric recovers")
		logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	)
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{})
	if level, err := logrus.ParseLevel(*logLevel); err == nil {
		logger.SetLevel(level)
	}

	if *fixturePath == "" {
		fmt.Fprintln(os.Stderr, "Usage: alert-engine-lite -fixture fixture.json [-db alert-engine.db] [-auto-resolve]")
		os.Exit(2)
	}

	if err := run(*dbPath, *fixturePath, *autoResolve, logger); err != nil {
		logger.WithError(err).Fatal("Evaluation run failed")
	}
}

func run(dbPath, fixturePath string, autoResolve bool, logger *logrus.Logger) error {
	sqlite, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer sqlite.Close()

	fixture, err := loadFixture(fixturePath)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if err := seed(ctx, sqlite, fixture); err != nil {
		return err
	}

	evaluator := engine.NewEvaluator(
		engine.NewContextResolver(sqlite, sqlite, sqlite, logger),
		engine.NewRuleMatcher(logger),
		engine.NewRiskScorer(logger),
		engine.NewLifecycleManager(sqlite, autoResolve, logger),
		30*time.Second,
		logger,
	)

	observations, err := decodeObservations(fixture.Observations)
	if err != nil {
		return err
	}
	sort.Slice(observations, func(i, j int) bool {
		return observations[i].RecordedAt.Before(observations[j].RecordedAt)
	})

	var evaluated, alertCount, failed int
	for _, obs := range observations {
		// Persist first so later observations see this one in their window.
		if err := sqlite.SaveObservation(ctx, obs); err != nil {
			return fmt.Errorf("storing observation %s: %w", obs.ID, err)
		}

		alerts, err := evaluator.Evaluate(ctx, obs)
		if err != nil {
			failed++
			logger.WithFields(logrus.Fields{
				"observation_id": obs.ID,
				"patient_id":     obs.PatientID,
				"error":          err,
			}).Error("Evaluation failed")
			continue
		}
		evaluated++
		alertCount += len(alerts)

		for _, alert := range alerts {
			logger.WithFields(logrus.Fields{
				"alert_id":   alert.ID,
				"patient_id": alert.PatientID,
				"rule_id":    alert.RuleID,
				"severity":   alert.Severity,
				"risk_score": alert.RiskScore,
				"status":     alert.Status,
			}).Info(alert.Message)
		}
	}

	logger.WithFields(logrus.Fields{
		"evaluated": evaluated,
		"failed":    failed,
		"alerts":    alertCount,
		"db":        dbPath,
	}).Info("Run complete")
	return nil
}

func loadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading fixture: %w", err)
	}
	var fixture Fixture
	if err := json.Unmarshal(data, &fixture); err != nil {
		return nil, fmt.Errorf("parsing fixture: %w", err)
	}
	return &fixture, nil
}

func seed(ctx context.Context, sqlite *store.SQLiteStore, fixture *Fixture) error {
	for i := range fixture.Patients {
		if err := sqlite.SavePatient(ctx, &fixture.Patients[i]); err != nil {
			return fmt.Errorf("seeding patient %s: %w", fixture.Patients[i].ID, err)
		}
	}
	for i := range fixture.Enrollments {
		if err := sqlite.SaveEnrollment(ctx, &fixture.Enrollments[i]); err != nil {
			return fmt.Errorf("seeding enrollment %s: %w", fixture.Enrollments[i].ID, err)
		}
	}
	for i := range fixture.Rules {
		rule := &fixture.Rules[i]
		if err := rule.Scope.Validate(); err != nil {
			return fmt.Errorf("invalid rule %q: %w", rule.Name, err)
		}
		if !rule.Op.IsValid() {
			return fmt.Errorf("invalid rule %q: unknown comparison op %q", rule.Name, rule.Op)
		}
		if err := sqlite.SaveRule(ctx, &fixture.Rules[i]); err != nil {
			return fmt.Errorf("seeding rule %q: %w", fixture.Rules[i].Name, err)
		}
	}
	return nil
}

func decodeObservations(envelopes []consumer.ObservationEnvelope) ([]*domain.Observation, error) {
	observations := make([]*domain.Observation, 0, len(envelopes))
	for _, envelope := range envelopes {
		obs, err := envelope.Observation()
		if err != nil {
			return nil, fmt.Errorf("observation %s: %w", envelope.ID, err)
		}
		observations = append(observations, obs)
	}
	return observations, nil
}
