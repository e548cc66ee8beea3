package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vsumup-vs/pain-db-sub012/internal/domain"
)

type recordingEvaluator struct {
	mu      sync.Mutex
	seen    []string
	failIDs map[string]bool
	block   chan struct{}
}

func (r *recordingEvaluator) Evaluate(ctx context.Context, obs *domain.Observation) ([]*domain.Alert, error) {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	r.seen = append(r.seen, obs.ID)
	fail := r.failIDs[obs.ID]
	r.mu.Unlock()

	if fail {
		return nil, fmt.Errorf("evaluating observation: %w", domain.ErrPersistence)
	}
	return nil, nil
}

func (r *recordingEvaluator) seenCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func testObservation() *domain.Observation {
	return &domain.Observation{
		ID:         uuid.New().String(),
		PatientID:  "patient-1",
		MetricKey:  "pain_level_nrs",
		Value:      domain.NumericValue(5),
		RecordedAt: time.Now(),
	}
}

func poolLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestPoolProcessesSubmittedObservations(t *testing.T) {
	eval := &recordingEvaluator{}
	pool := NewPool(eval, Config{Workers: 4, QueueSize: 16}, poolLogger())
	pool.Start()

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(ctx, testObservation()))
	}
	pool.Stop()

	assert.Equal(t, 10, eval.seenCount())
	stats := pool.Stats()
	assert.Equal(t, uint64(10), stats.Processed)
	assert.Equal(t, uint64(0), stats.Failed)
}

func TestPoolCountsFailures(t *testing.T) {
	failing := testObservation()
	eval := &recordingEvaluator{failIDs: map[string]bool{failing.ID: true}}
	pool := NewPool(eval, Config{Workers: 2, QueueSize: 8}, poolLogger())
	pool.Start()

	ctx := context.Background()
	require.NoError(t, pool.Submit(ctx, failing))
	require.NoError(t, pool.Submit(ctx, testObservation()))
	pool.Stop()

	stats := pool.Stats()
	assert.Equal(t, uint64(1), stats.Processed)
	assert.Equal(t, uint64(1), stats.Failed)
}

func TestPoolStopDrainsQueue(t *testing.T) {
	eval := &recordingEvaluator{}
	pool := NewPool(eval, Config{Workers: 1, QueueSize: 32}, poolLogger())
	pool.Start()

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		require.NoError(t, pool.Submit(ctx, testObservation()))
	}
	pool.Stop()

	assert.Equal(t, 20, eval.seenCount(), "Stop waits for queued work to finish")
}

func TestPoolSubmitBackpressure(t *testing.T) {
	block := make(chan struct{})
	eval := &recordingEvaluator{block: block}
	pool := NewPool(eval, Config{Workers: 1, QueueSize: 1}, poolLogger())
	pool.Start()

	ctx := context.Background()
	// First fills the worker, second fills the queue.
	require.NoError(t, pool.Submit(ctx, testObservation()))
	require.NoError(t, pool.Submit(ctx, testObservation()))

	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := pool.Submit(shortCtx, testObservation())
	assert.ErrorIs(t, err, ErrQueueFull)

	close(block)
	pool.Stop()
}

func TestPoolDefaults(t *testing.T) {
	pool := NewPool(&recordingEvaluator{}, Config{}, poolLogger())
	assert.Equal(t, 8, pool.workers)
	assert.Equal(t, 1024, cap(pool.queue))
}
