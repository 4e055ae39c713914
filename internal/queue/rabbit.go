package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// declareQueue applies the durable queue declaration shared by both sides.
func declareQueue(ch *amqp.Channel, name string) error {
	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitmq queue declare failed queue=%s: %w", name, err)
	}
	return nil
}

// RabbitPublisher publishes persistent messages with publisher confirms.
type RabbitPublisher struct {
	queue  string
	logger zerolog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// DialRabbitPublisher connects and declares the queue.
func DialRabbitPublisher(url, queue string, logger zerolog.Logger) (*RabbitPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq connect failed: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq channel open failed: %w", err)
	}
	if err := declareQueue(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq confirm mode failed: %w", err)
	}

	logger.Debug().Str("queue", queue).Msg("rabbitmq publisher ready")
	return &RabbitPublisher{
		queue:  queue,
		logger: logger.With().Str("component", "rabbit_publisher").Logger(),
		conn:   conn,
		ch:     ch,
	}, nil
}

// Publish sends msg and waits for the broker confirm.
func (p *RabbitPublisher) Publish(ctx context.Context, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	confirm, err := p.ch.PublishWithDeferredConfirmWithContext(
		ctx,
		"",
		p.queue,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.ID,
			Timestamp:    time.Now().UTC(),
			Body:         msg.Body,
		},
	)
	if err != nil {
		return fmt.Errorf("rabbitmq publish failed queue=%s: %w", p.queue, err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("rabbitmq publish confirm wait failed queue=%s: %w", p.queue, err)
	}
	if !acked {
		return fmt.Errorf("rabbitmq broker nacked publish queue=%s message_id=%s", p.queue, msg.ID)
	}
	return nil
}

// Close releases the channel and connection.
func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	if p.ch != nil {
		errs = append(errs, p.ch.Close())
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}
	return errors.Join(errs...)
}

// RabbitConsumer consumes with prefetch 1 and manual acknowledgement. It
// re-establishes its session with backoff when the delivery channel closes.
// Receive must not be called concurrently.
type RabbitConsumer struct {
	url     string
	queue   string
	tag     string
	backoff time.Duration
	logger  zerolog.Logger

	conn       *amqp.Connection
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery
}

func NewRabbitConsumer(url, queue string, backoff time.Duration, logger zerolog.Logger) *RabbitConsumer {
	return &RabbitConsumer{
		url:     url,
		queue:   queue,
		tag:     "cstracker-normalizer",
		backoff: backoff,
		logger:  logger.With().Str("component", "rabbit_consumer").Str("queue", queue).Logger(),
	}
}

// Receive returns the next delivery, reconnecting as needed until ctx is done.
func (c *RabbitConsumer) Receive(ctx context.Context) (Delivery, error) {
	for {
		if c.deliveries == nil {
			if err := c.openSession(); err != nil {
				c.logger.Warn().Err(err).Dur("retry_after", c.backoff).Msg("rabbitmq session open failed")
				if err := SleepWithContext(ctx, c.backoff); err != nil {
					return nil, err
				}
				continue
			}
			c.logger.Info().Msg("rabbitmq consuming")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case d, ok := <-c.deliveries:
			if !ok {
				c.logger.Warn().Dur("retry_after", c.backoff).Msg("rabbitmq deliveries channel closed unexpectedly; reconnecting")
				c.resetSession()
				if err := SleepWithContext(ctx, c.backoff); err != nil {
					return nil, err
				}
				continue
			}
			return rabbitDelivery{d: d}, nil
		}
	}
}

// openSession dials when needed, then opens a channel with QoS 1 and starts consuming.
func (c *RabbitConsumer) openSession() error {
	if c.conn == nil || c.conn.IsClosed() {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			return fmt.Errorf("rabbitmq connect failed: %w", err)
		}
		c.conn = conn
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq channel open failed: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("rabbitmq qos setup failed: %w", err)
	}
	if err := declareQueue(ch, c.queue); err != nil {
		_ = ch.Close()
		return err
	}
	deliveries, err := ch.Consume(c.queue, c.tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("rabbitmq consume setup failed: %w", err)
	}

	c.ch = ch
	c.deliveries = deliveries
	return nil
}

func (c *RabbitConsumer) resetSession() {
	if c.ch != nil {
		if err := c.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.logger.Debug().Err(err).Msg("rabbitmq channel close before reopen failed")
		}
	}
	c.ch = nil
	c.deliveries = nil
}

// Close cancels the consumer and releases the connection.
func (c *RabbitConsumer) Close() error {
	var errs []error
	if c.ch != nil {
		if err := c.ch.Cancel(c.tag, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	c.resetSession()
	if c.conn != nil && !c.conn.IsClosed() {
		errs = append(errs, c.conn.Close())
	}
	return errors.Join(errs...)
}

type rabbitDelivery struct {
	d amqp.Delivery
}

func (r rabbitDelivery) Body() []byte      { return r.d.Body }
func (r rabbitDelivery) MessageID() string { return r.d.MessageId }
func (r rabbitDelivery) Redelivered() bool { return r.d.Redelivered }

func (r rabbitDelivery) Ack() error {
	if err := r.d.Ack(false); err != nil {
		return fmt.Errorf("rabbitmq ack failed delivery_tag=%d: %w", r.d.DeliveryTag, err)
	}
	return nil
}

func (r rabbitDelivery) Reject(requeue bool) error {
	if err := r.d.Nack(false, requeue); err != nil {
		return fmt.Errorf("rabbitmq nack failed delivery_tag=%d requeue=%t: %w", r.d.DeliveryTag, requeue, err)
	}
	return nil
}
