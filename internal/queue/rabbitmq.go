package queue

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/timmy/studiodesk/internal/logger"
)

// RabbitMQConfig configures the RabbitMQ driver.
type RabbitMQConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
	Queue      string
}

// RabbitMQ publishes jobs to a durable topic exchange and consumes them from a
// bound durable queue, one unacknowledged message per consumer.
type RabbitMQ struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	cfg  RabbitMQConfig
}

// NewRabbitMQ connects and declares the exchange, queue and binding.
func NewRabbitMQ(cfg RabbitMQConfig) (*RabbitMQ, error) {
	if cfg.Exchange == "" {
		cfg.Exchange = "archives"
	}
	if cfg.RoutingKey == "" {
		cfg.RoutingKey = "archive.build"
	}
	if cfg.Queue == "" {
		cfg.Queue = "archive_jobs"
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}

	if err := declare(ch, cfg); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &RabbitMQ{conn: conn, ch: ch, cfg: cfg}, nil
}

func declare(ch *amqp.Channel, cfg RabbitMQConfig) error {
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := ch.QueueBind(cfg.Queue, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}
	return nil
}

// Publish sends msg as a persistent JSON message.
func (r *RabbitMQ) Publish(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	err = r.ch.PublishWithContext(ctx, r.cfg.Exchange, r.cfg.RoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.JobID,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish job %s: %w", msg.JobID, err)
	}
	return nil
}

// Consume acknowledges handled messages and drops the ones that fail.
func (r *RabbitMQ) Consume(ctx context.Context, handler Handler) error {
	deliveries, err := r.ch.Consume(r.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume queue: %w", err)
	}
	log := logger.FromContext(ctx).WithField(logger.FieldComponent, "rabbitmq")

	for {
		select {
		case <-ctx.Done():
			log.Info("Queue consumer shutting down")
			return nil
		case d, ok := <-deliveries:
			if !ok {
				log.Warn("RabbitMQ delivery channel closed")
				return nil
			}

			var msg Message
			if err := json.Unmarshal(d.Body, &msg); err != nil {
				log.WithError(err).Error("Failed to unmarshal job message")
				_ = d.Nack(false, false)
				continue
			}

			if err := handler(ctx, msg); err != nil {
				log.WithField(logger.FieldJobID, msg.JobID).WithError(err).Warn("Queue handler failed")
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

// Durable is true: the queue and its messages are persistent.
func (r *RabbitMQ) Durable() bool { return true }

// Close closes the channel and connection.
func (r *RabbitMQ) Close() error {
	if err := r.ch.Close(); err != nil {
		r.conn.Close()
		return err
	}
	return r.conn.Close()
}
