// Package events publishes coordination events (grants, releases, dead
// letters) to Kafka for downstream consumers. Publishing is best-effort from
// the engine's point of view: the store remains the source of truth.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	TypeAllocationGranted  = "hub.allocation.granted"
	TypeAllocationReleased = "hub.allocation.released"
	TypeJobDeadLettered    = "hub.job.dead_lettered"
)

// Envelope is the wire shape of every published event.
type Envelope struct {
	Type string      `json:"type"`
	Ts   time.Time   `json:"ts"`
	Data interface{} `json:"data"`
}

// Publisher is the small surface the engine needs; satisfied by
// KafkaPublisher and by test fakes.
type Publisher interface {
	Publish(ctx context.Context, eventType string, key string, data interface{}) error
	Close() error
}

// KafkaPublisherConfig contains configurable parameters for the publisher.
type KafkaPublisherConfig struct {
	Brokers []string
	Topic   string

	// MaxAttempts is how many times Publish retries on transient error.
	// Defaults to 3 if <= 0.
	MaxAttempts int

	// WriteTimeout is the per-attempt timeout. Defaults to 10s if zero.
	WriteTimeout time.Duration
}

// KafkaPublisher wraps a kafka-go Writer with simple publish-with-retries
// behavior. Messages with the same key land on the same partition, keeping
// per-resource event order.
type KafkaPublisher struct {
	writer      *kafka.Writer
	maxAttempts int
}

func NewKafkaPublisher(cfg KafkaPublisherConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		Async:        false,
	})

	return &KafkaPublisher{writer: w, maxAttempts: cfg.MaxAttempts}, nil
}

// Publish wraps data in an Envelope and writes it, retrying with capped
// exponential backoff on transient failure.
func (p *KafkaPublisher) Publish(ctx context.Context, eventType string, key string, data interface{}) error {
	value, err := json.Marshal(Envelope{
		Type: eventType,
		Ts:   time.Now().UTC(),
		Data: data,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	var lastErr error
	backoff := 100 * time.Millisecond

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		msg := kafka.Message{
			Key:   []byte(key),
			Value: value,
			Time:  time.Now().UTC(),
		}

		ctxAttempt, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := p.writer.WriteMessages(ctxAttempt, msg)
		cancel()

		if err == nil {
			return nil
		}
		lastErr = err
		time.Sleep(backoff)
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}

	return fmt.Errorf("publish failed after %d attempts: %w", p.maxAttempts, lastErr)
}

// Close shuts down the underlying writer and releases resources.
func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
