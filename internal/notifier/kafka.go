package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/edgefix/edgefix/internal/types"
)

const defaultKafkaWriteTimeout = 10 * time.Second

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures a KafkaSink.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// KafkaSink produces outcomes to a Kafka topic keyed by device id, so all
// outcomes for one device land on the same partition in order.
type KafkaSink struct {
	writer messageWriter
	topic  string
}

// NewKafkaSink constructs a synchronous Kafka writer.
func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaultKafkaWriteTimeout
	}

	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		Async:        false,
	})
	return &KafkaSink{writer: w, topic: cfg.Topic}, nil
}

func (k *KafkaSink) Name() string { return "kafka:" + k.topic }

// Deliver writes one outcome. Retries are left to the dispatcher.
func (k *KafkaSink) Deliver(ctx context.Context, o types.Outcome) error {
	value, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(o.DeviceID),
		Value: value,
		Time:  o.CompletedAt.UTC(),
		Headers: []kafka.Header{
			{Key: "outcome_id", Value: []byte(o.ID)},
			{Key: "status", Value: []byte(o.Status)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write to %s: %w", k.topic, err)
	}
	return nil
}

// Close shuts down the underlying writer.
func (k *KafkaSink) Close() error {
	if k == nil || k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
