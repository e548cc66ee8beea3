package consumer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vsumup-vs/pain-db-sub012/internal/domain"
	"github.com/vsumup-vs/pain-db-sub012/internal/worker"
)

func TestDecodeEnvelope(t *testing.T) {
	raw := []byte(`{
		"id": "obs-1",
		"patient_id": "patient-1",
		"enrollment_id": "enr-1",
		"metric_key": "pain_level_nrs",
		"value_kind": "NUMERIC",
		"value": 8,
		"recorded_at": "2026-08-30T10:15:00Z"
	}`)

	obs, err := decodeEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, "obs-1", obs.ID)
	assert.Equal(t, "patient-1", obs.PatientID)
	assert.Equal(t, "enr-1", obs.EnrollmentID)
	assert.Equal(t, "pain_level_nrs", obs.MetricKey)
	assert.Equal(t, time.Date(2026, 8, 30, 10, 15, 0, 0, time.UTC), obs.RecordedAt)

	value, ok := obs.Value.Numeric()
	require.True(t, ok)
	assert.Equal(t, 8.0, value)
}

func TestDecodeEnvelopeValueKinds(t *testing.T) {
	tests := []struct {
		name        string
		kind        string
		value       string
		wantNumeric *float64
		wantText    string
	}{
		{name: "numeric", kind: "NUMERIC", value: "7.5", wantNumeric: ptr(7.5)},
		{name: "text", kind: "TEXT", value: `"dizzy"`, wantText: "dizzy"},
		{name: "boolean", kind: "BOOLEAN", value: "true", wantText: "true"},
		{name: "structured with numeric", kind: "STRUCTURED", value: `{"numeric": 145, "unit": "mmHg"}`, wantNumeric: ptr(145.0)},
		{name: "structured without numeric", kind: "STRUCTURED", value: `{"unit": "mmHg"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := []byte(`{
				"patient_id": "patient-1",
				"metric_key": "m",
				"value_kind": "` + tt.kind + `",
				"value": ` + tt.value + `,
				"recorded_at": "2026-08-30T10:15:00Z"
			}`)

			obs, err := decodeEnvelope(raw)
			require.NoError(t, err)

			value, ok := obs.Value.Numeric()
			if tt.wantNumeric != nil {
				require.True(t, ok)
				assert.Equal(t, *tt.wantNumeric, value)
			} else {
				assert.False(t, ok)
			}
			if tt.wantText != "" {
				assert.True(t, obs.Value.EqualsText(tt.wantText))
			}
		})
	}
}

func TestDecodeEnvelopeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "not json", raw: `{{`},
		{name: "missing patient", raw: `{"metric_key":"m","value_kind":"NUMERIC","value":1,"recorded_at":"2026-08-30T10:15:00Z"}`},
		{name: "missing metric", raw: `{"patient_id":"p","value_kind":"NUMERIC","value":1,"recorded_at":"2026-08-30T10:15:00Z"}`},
		{name: "missing timestamp", raw: `{"patient_id":"p","metric_key":"m","value_kind":"NUMERIC","value":1}`},
		{name: "unknown kind", raw: `{"patient_id":"p","metric_key":"m","value_kind":"BLOB","value":1,"recorded_at":"2026-08-30T10:15:00Z"}`},
		{name: "kind value mismatch", raw: `{"patient_id":"p","metric_key":"m","value_kind":"NUMERIC","value":"eight","recorded_at":"2026-08-30T10:15:00Z"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeEnvelope([]byte(tt.raw))
			assert.Error(t, err)
		})
	}
}

func TestNewConsumerValidatesConfig(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	_, err := NewConsumer(Config{Topic: "observations", GroupID: "g"}, nil, logger)
	assert.ErrorContains(t, err, "brokers")

	_, err = NewConsumer(Config{Brokers: []string{"localhost:9092"}, GroupID: "g"}, nil, logger)
	assert.ErrorContains(t, err, "topic")

	_, err = NewConsumer(Config{Brokers: []string{"localhost:9092"}, Topic: "observations"}, nil, logger)
	assert.ErrorContains(t, err, "group ID")

	consumer, err := NewConsumer(Config{
		Brokers: []string{"localhost:9092"},
		Topic:   "observations",
		GroupID: "alert-engine",
	}, nil, logger)
	require.NoError(t, err)
	require.NotNil(t, consumer)
	assert.NoError(t, consumer.Close())
}

// scriptedReader serves a fixed message sequence, then blocks until the
// context is cancelled, recording which offsets were committed.
type scriptedReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	committed []int64
}

func (r *scriptedReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.messages) > 0 {
		msg := r.messages[0]
		r.messages = r.messages[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *scriptedReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, msg := range msgs {
		r.committed = append(r.committed, msg.Offset)
	}
	return nil
}

func (r *scriptedReader) Close() error { return nil }

func (r *scriptedReader) committedOffsets() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type nopEvaluator struct{}

func (nopEvaluator) Evaluate(context.Context, *domain.Observation) ([]*domain.Alert, error) {
	return nil, nil
}

func envelopeMessage(offset int64, id string) kafka.Message {
	return kafka.Message{
		Offset: offset,
		Value: []byte(`{
			"id": "` + id + `",
			"patient_id": "patient-1",
			"metric_key": "pain_level_nrs",
			"value_kind": "NUMERIC",
			"value": 8,
			"recorded_at": "2026-08-30T10:15:00Z"
		}`),
	}
}

func TestRunCommitsAfterHandoff(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	reader := &scriptedReader{messages: []kafka.Message{
		envelopeMessage(1, "obs-1"),
		{Offset: 2, Value: []byte(`not json`)},
		envelopeMessage(3, "obs-2"),
	}}

	pool := worker.NewPool(nopEvaluator{}, worker.Config{Workers: 1, QueueSize: 8}, logger)
	pool.Start()
	defer pool.Stop()

	c := &Consumer{reader: reader, pool: pool, log: logger}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(reader.committedOffsets()) == 3
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	// Accepted and malformed messages both advance the offset.
	assert.Equal(t, []int64{1, 2, 3}, reader.committedOffsets())
}

func TestRunLeavesUnsubmittedMessageUncommitted(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	reader := &scriptedReader{messages: []kafka.Message{
		envelopeMessage(1, "obs-1"),
		envelopeMessage(2, "obs-2"),
	}}

	// Workers never start, so the single queue slot fills on the first
	// message and the second submit blocks until the context expires.
	pool := worker.NewPool(nopEvaluator{}, worker.Config{Workers: 1, QueueSize: 1}, logger)

	c := &Consumer{reader: reader, pool: pool, log: logger}
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	require.NoError(t, c.Run(ctx))
	assert.Equal(t, []int64{1}, reader.committedOffsets(), "the message that never reached the pool stays uncommitted")
}

func ptr(f float64) *float64 { return &f }
