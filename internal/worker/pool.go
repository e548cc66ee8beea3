package worker

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vsumup-vs/pain-db-sub012/internal/domain"
	"github.com/vsumup-vs/pain-db-sub012/internal/metrics"
)

// Evaluator is the pipeline stage the pool drives for each observation.
type Evaluator interface {
	Evaluate(ctx context.Context, obs *domain.Observation) ([]*domain.Alert, error)
}

// Pool runs observation evaluations across a fixed set of workers fed by a
// bounded queue. Ingestion can be bursty (batch imports, device syncs); the
// queue absorbs bursts and Submit applies backpressure when it is full.
type Pool struct {
	evaluator Evaluator
	queue     chan *domain.Observation
	workers   int
	log       *logrus.Logger

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	processed atomic.Uint64
	failed    atomic.Uint64
}

// Config holds worker pool configuration.
type Config struct {
	Workers   int
	QueueSize int
}

// NewPool creates a new worker pool.
func NewPool(evaluator Evaluator, cfg Config, logger *logrus.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}

	ctx, cancel := context.WithCancel(context.Background())
	metrics.WorkerQueueCapacity.Set(float64(cfg.QueueSize))

	return &Pool{
		evaluator: evaluator,
		queue:     make(chan *domain.Observation, cfg.QueueSize),
		workers:   cfg.Workers,
		log:       logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins processing observations.
func (p *Pool) Start() {
	p.log.WithFields(logrus.Fields{
		"workers":    p.workers,
		"queue_size": cap(p.queue),
	}).Info("Starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop drains the queue and waits for in-flight evaluations to finish.
func (p *Pool) Stop() {
	p.log.Info("Stopping worker pool")
	close(p.queue)
	p.wg.Wait()
	p.cancel()
	p.log.Info("Worker pool stopped")
}

// ErrQueueFull is returned by Submit when the queue cannot accept more work
// before the context expires.
var ErrQueueFull = errors.New("worker queue full")

// Submit enqueues one observation for evaluation, blocking until there is
// queue space or the context is done.
func (p *Pool) Submit(ctx context.Context, obs *domain.Observation) error {
	select {
	case p.queue <- obs:
		metrics.WorkerQueueSize.Set(float64(len(p.queue)))
		return nil
	case <-ctx.Done():
		return ErrQueueFull
	case <-p.ctx.Done():
		return ErrQueueFull
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	log := p.log.WithField("worker_id", id)

	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logrus.Fields{
				"panic": r,
				"stack": string(debug.Stack()),
			}).Error("Worker panic recovered")
			metrics.PanicsRecovered.WithLabelValues("worker").Inc()
		}
	}()

	log.Debug("Worker started")
	defer log.Debug("Worker stopped")

	for obs := range p.queue {
		metrics.WorkerQueueSize.Set(float64(len(p.queue)))
		p.process(log, obs)
	}
}

func (p *Pool) process(log *logrus.Entry, obs *domain.Observation) {
	start := time.Now()
	alerts, err := p.evaluator.Evaluate(p.ctx, obs)
	duration := time.Since(start)

	if err != nil {
		p.failed.Add(1)
		metrics.WorkerFailedTotal.Inc()
		log.WithFields(logrus.Fields{
			"observation_id": obs.ID,
			"patient_id":     obs.PatientID,
			"metric_key":     obs.MetricKey,
			"duration":       duration.String(),
			"error":          err,
		}).Error("Evaluation failed")
		return
	}

	p.processed.Add(1)
	metrics.WorkerProcessedTotal.Inc()
	log.WithFields(logrus.Fields{
		"observation_id": obs.ID,
		"patient_id":     obs.PatientID,
		"metric_key":     obs.MetricKey,
		"alerts":         len(alerts),
		"duration":       duration.String(),
	}).Debug("Evaluation completed")
}

// Stats returns worker pool statistics.
func (p *Pool) Stats() Stats {
	return Stats{
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
	}
}

// Stats holds worker pool counters.
type Stats struct {
	Processed uint64
	Failed    uint64
}
