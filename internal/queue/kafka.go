package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

const kafkaCommitTimeout = 10 * time.Second

// KafkaPublisher writes pointer messages keyed by staging key.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger zerolog.Logger
}

func NewKafkaPublisher(brokers []string, topic string, logger zerolog.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
			Async:                  false,
		},
		logger: logger.With().Str("component", "kafka_publisher").Str("topic", topic).Logger(),
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, msg Message) error {
	kmsg := kafka.Message{
		Key:   []byte(msg.Key),
		Value: msg.Body,
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/json")},
			{Key: "message-id", Value: []byte(msg.ID)},
		},
	}
	if err := p.writer.WriteMessages(ctx, kmsg); err != nil {
		return fmt.Errorf("kafka publish failed topic=%s key=%s: %w", p.writer.Topic, msg.Key, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// kafkaReader is the subset of *kafka.Reader the consumer relies on.
type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer fetches one message at a time from a consumer group. Ack and
// Reject(false) both commit the offset so the message is not seen again;
// Reject(true) leaves it uncommitted for the next group rebalance.
type KafkaConsumer struct {
	reader kafkaReader
	logger zerolog.Logger
}

func NewKafkaConsumer(brokers []string, topic, groupID string, logger zerolog.Logger) *KafkaConsumer {
	return &KafkaConsumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			GroupID:  groupID,
			Topic:    topic,
			MinBytes: 1,
			MaxBytes: 10e6,
			MaxWait:  time.Second,
		}),
		logger: logger.With().Str("component", "kafka_consumer").Str("topic", topic).Str("group_id", groupID).Logger(),
	}
}

func (c *KafkaConsumer) Receive(ctx context.Context) (Delivery, error) {
	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return nil, fmt.Errorf("kafka fetch failed: %w", err)
	}
	return &kafkaDelivery{reader: c.reader, msg: msg, logger: c.logger}, nil
}

func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}

type kafkaDelivery struct {
	reader kafkaReader
	msg    kafka.Message
	logger zerolog.Logger
}

func (k *kafkaDelivery) Body() []byte { return k.msg.Value }

func (k *kafkaDelivery) MessageID() string {
	for _, h := range k.msg.Headers {
		if h.Key == "message-id" {
			return string(h.Value)
		}
	}
	return ""
}

// Redelivered is unknown for Kafka; offsets carry no delivery count.
func (k *kafkaDelivery) Redelivered() bool { return false }

func (k *kafkaDelivery) Ack() error {
	return k.commit("processed")
}

func (k *kafkaDelivery) Reject(requeue bool) error {
	if requeue {
		k.logger.Warn().Int("partition", k.msg.Partition).Int64("offset", k.msg.Offset).Msg("offset left uncommitted for redelivery")
		return nil
	}
	return k.commit("rejected")
}

// commit records consumer progress only after a message reaches a terminal outcome.
func (k *kafkaDelivery) commit(reason string) error {
	ctx, cancel := context.WithTimeout(context.Background(), kafkaCommitTimeout)
	defer cancel()

	if err := k.reader.CommitMessages(ctx, k.msg); err != nil {
		return fmt.Errorf("kafka offset commit failed reason=%s partition=%d offset=%d: %w", reason, k.msg.Partition, k.msg.Offset, err)
	}
	k.logger.Debug().
		Str("reason", reason).
		Int("partition", k.msg.Partition).
		Int64("offset", k.msg.Offset).
		Msg("offset committed")
	return nil
}
