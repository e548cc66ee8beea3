package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Evaluation metrics
	EvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alert_engine_evaluations_total",
			Help: "Total number of observation evaluations",
		},
		[]string{"outcome"}, // outcome: ok, not_found, persistence_error
	)

	EvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "alert_engine_evaluation_duration_seconds",
			Help:    "Time taken to evaluate one observation",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	ViolationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alert_engine_violations_total",
			Help: "Total number of rule violations detected",
		},
		[]string{"severity"},
	)

	RulesEvaluated = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "alert_engine_rules_evaluated",
			Help:    "Candidate rules evaluated per observation",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		},
	)

	// Alert lifecycle metrics
	AlertsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alert_engine_alerts_created_total",
			Help: "Total number of alerts created",
		},
		[]string{"severity"},
	)

	AlertsUpdatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alert_engine_alerts_updated_total",
			Help: "Total number of open alerts updated with repeat violations",
		},
	)

	AlertsResolvedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alert_engine_alerts_resolved_total",
			Help: "Total number of alerts auto-resolved",
		},
	)

	// Ingestion metrics
	ObservationsConsumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alert_engine_observations_consumed_total",
			Help: "Total number of observations consumed from the ingestion stream",
		},
		[]string{"status"}, // status: accepted, rejected
	)

	// Worker metrics
	WorkerQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alert_engine_worker_queue_size",
			Help: "Current size of the worker queue",
		},
	)

	WorkerQueueCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alert_engine_worker_queue_capacity",
			Help: "Capacity of the worker queue",
		},
	)

	WorkerProcessedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alert_engine_worker_processed_total",
			Help: "Total number of observations processed by workers",
		},
	)

	WorkerFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alert_engine_worker_failed_total",
			Help: "Total number of observations failed in workers",
		},
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alert_engine_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)
