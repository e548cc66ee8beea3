package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/vsumup-vs/pain-db-sub012/internal/domain"
	"github.com/vsumup-vs/pain-db-sub012/internal/metrics"
	"github.com/vsumup-vs/pain-db-sub012/internal/worker"
)

// ObservationEnvelope is the wire form of an observation on the ingestion
// topic. The value is a raw variant resolved into the tagged union exactly
// once, here, at the ingestion boundary.
type ObservationEnvelope struct {
	ID           string          `json:"id"`
	PatientID    string          `json:"patient_id"`
	EnrollmentID string          `json:"enrollment_id,omitempty"`
	MetricKey    string          `json:"metric_key"`
	ValueKind    string          `json:"value_kind"`
	Value        json.RawMessage `json:"value"`
	RecordedAt   time.Time       `json:"recorded_at"`
}

// messageReader is the slice of kafka.Reader the consumer drives. Fetch and
// commit are split so offsets advance only for messages the pool accepted.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads observation envelopes from Kafka and feeds the worker pool.
// Offsets are committed only after handoff to the pool, whose shutdown drains
// the queue, so observations survive everything short of a hard crash of the
// process; evaluation itself is idempotent, so redeliveries converge.
type Consumer struct {
	reader messageReader
	pool   *worker.Pool
	log    *logrus.Logger
}

// Config holds Kafka consumer configuration.
type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

// NewConsumer creates a new Kafka observation consumer.
func NewConsumer(cfg Config, pool *worker.Pool, logger *logrus.Logger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("brokers cannot be empty")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic cannot be empty")
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("group ID cannot be empty")
	}

	logger.WithFields(logrus.Fields{
		"brokers":  cfg.Brokers,
		"topic":    cfg.Topic,
		"group_id": cfg.GroupID,
	}).Info("Initializing Kafka consumer")

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       10e3, // 10KB
		MaxBytes:       10e6, // 10MB
		MaxWait:        time.Second,
		CommitInterval: time.Second,
		StartOffset:    kafka.FirstOffset,
	})

	return &Consumer{
		reader: reader,
		pool:   pool,
		log:    logger,
	}, nil
}

// Run consumes until the context is cancelled. Offsets are committed only
// after the observation is handed to the worker pool, so a message lost in a
// crash before handoff is redelivered. Malformed messages are committed and
// skipped; they would fail identically on every redelivery.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading from Kafka: %w", err)
		}

		obs, err := decodeEnvelope(msg.Value)
		if err != nil {
			metrics.ObservationsConsumedTotal.WithLabelValues("rejected").Inc()
			c.log.WithFields(logrus.Fields{
				"partition": msg.Partition,
				"offset":    msg.Offset,
				"error":     err,
			}).Warn("Skipping malformed observation message")
			c.commit(ctx, msg)
			continue
		}

		if err := c.pool.Submit(ctx, obs); err != nil {
			metrics.ObservationsConsumedTotal.WithLabelValues("rejected").Inc()
			c.log.WithFields(logrus.Fields{
				"observation_id": obs.ID,
				"error":          err,
			}).Error("Failed to submit observation to worker pool")
			if ctx.Err() != nil {
				return nil
			}
			// Left uncommitted, the message comes back on the next rebalance
			// or restart.
			continue
		}

		metrics.ObservationsConsumedTotal.WithLabelValues("accepted").Inc()
		c.commit(ctx, msg)
	}
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		// The message is already queued; the worst case of a failed commit is
		// a redelivery, which evaluation absorbs.
		c.log.WithFields(logrus.Fields{
			"partition": msg.Partition,
			"offset":    msg.Offset,
			"error":     err,
		}).Warn("Failed to commit Kafka offset")
	}
}

// Close gracefully closes the Kafka reader.
func (c *Consumer) Close() error {
	c.log.Info("Closing Kafka consumer")
	return c.reader.Close()
}

func decodeEnvelope(raw []byte) (*domain.Observation, error) {
	var envelope ObservationEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("unmarshaling envelope: %w", err)
	}
	return envelope.Observation()
}

// Observation resolves the envelope into a domain observation, validating
// required fields and the value kind.
func (envelope ObservationEnvelope) Observation() (*domain.Observation, error) {
	if envelope.PatientID == "" {
		return nil, fmt.Errorf("envelope missing patient_id")
	}
	if envelope.MetricKey == "" {
		return nil, fmt.Errorf("envelope missing metric_key")
	}
	if envelope.RecordedAt.IsZero() {
		return nil, fmt.Errorf("envelope missing recorded_at")
	}

	value, err := decodeValue(domain.ValueKind(envelope.ValueKind), envelope.Value)
	if err != nil {
		return nil, err
	}

	return &domain.Observation{
		ID:           envelope.ID,
		PatientID:    envelope.PatientID,
		EnrollmentID: envelope.EnrollmentID,
		MetricKey:    envelope.MetricKey,
		Value:        value,
		RecordedAt:   envelope.RecordedAt,
	}, nil
}

func decodeValue(kind domain.ValueKind, raw json.RawMessage) (domain.ObservationValue, error) {
	switch kind {
	case domain.ValueNumeric:
		var n float64
		if err := json.Unmarshal(raw, &n); err != nil {
			return domain.ObservationValue{}, fmt.Errorf("unmarshaling numeric value: %w", err)
		}
		return domain.NumericValue(n), nil
	case domain.ValueText:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return domain.ObservationValue{}, fmt.Errorf("unmarshaling text value: %w", err)
		}
		return domain.TextValue(s), nil
	case domain.ValueBoolean:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return domain.ObservationValue{}, fmt.Errorf("unmarshaling boolean value: %w", err)
		}
		return domain.BoolValue(b), nil
	case domain.ValueStructured:
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			return domain.ObservationValue{}, fmt.Errorf("unmarshaling structured value: %w", err)
		}
		return domain.StructuredValue(m), nil
	default:
		return domain.ObservationValue{}, fmt.Errorf("unknown value kind %q", kind)
	}
}
