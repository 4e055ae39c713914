// Package queue carries pointer messages between the producer and the
// normalization worker over RabbitMQ or Kafka.
//
// Delivery is at-least-once. A consumer hands out one Delivery at a time and
// the caller must settle it with Ack or Reject before calling Receive again.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"cstracker/internal/config"
)

// Message is one outbound queue message.
type Message struct {
	// ID is attached as the broker message id for tracing.
	ID string
	// Key is the routing or partition key; the staging key is used.
	Key  string
	Body []byte
}

// Delivery is one received message awaiting settlement.
type Delivery interface {
	Body() []byte
	MessageID() string
	// Redelivered reports whether the broker has handed this message out before.
	Redelivered() bool
	Ack() error
	// Reject settles the message as failed. With requeue=false it is dropped.
	Reject(requeue bool) error
}

// Publisher sends messages to the configured queue.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Consumer receives messages from the configured queue.
type Consumer interface {
	// Receive blocks until a message arrives or ctx is done.
	Receive(ctx context.Context) (Delivery, error)
	Close() error
}

// NewPublisher opens a publisher for cfg.Backend.
func NewPublisher(cfg config.QueueConfig, logger zerolog.Logger) (Publisher, error) {
	switch cfg.Backend {
	case config.BackendRabbitMQ:
		return DialRabbitPublisher(cfg.RabbitURL, cfg.Name, logger)
	case config.BackendKafka:
		return NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger), nil
	default:
		return nil, fmt.Errorf("unsupported queue backend: %s", cfg.Backend)
	}
}

// NewConsumer opens a consumer for cfg.Backend. backoff spaces reconnect attempts.
func NewConsumer(cfg config.QueueConfig, backoff time.Duration, logger zerolog.Logger) (Consumer, error) {
	switch cfg.Backend {
	case config.BackendRabbitMQ:
		return NewRabbitConsumer(cfg.RabbitURL, cfg.Name, backoff, logger), nil
	case config.BackendKafka:
		return NewKafkaConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, logger), nil
	default:
		return nil, fmt.Errorf("unsupported queue backend: %s", cfg.Backend)
	}
}

// SleepWithContext waits for delay or until ctx is canceled.
func SleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
