// Package queue carries archive jobs from the HTTP layer to the workers.
package queue

import (
	"context"
	"errors"
	"fmt"
)

// ErrClosed is returned when publishing to a closed queue.
var ErrClosed = errors.New("queue is closed")

// Message asks a worker to build the archive of one job.
type Message struct {
	JobID      string `json:"job_id"`
	UserID     string `json:"user_id"`
	ResourceID string `json:"resource_id"`
}

// Handler processes one message. A returned error drops the message; jobs are
// marked failed by the handler itself, so redelivery is never useful.
type Handler func(ctx context.Context, msg Message) error

// Queue is a job queue. Consume blocks until ctx is done or the queue is closed
// and may be called from several goroutines.
type Queue interface {
	Publish(ctx context.Context, msg Message) error
	Consume(ctx context.Context, handler Handler) error
	// Durable reports whether queued messages survive a process restart.
	Durable() bool
	Close() error
}

// Config selects and configures a queue driver.
type Config struct {
	Driver     string // memory | rabbitmq
	BufferSize int
	RabbitMQ   RabbitMQConfig
}

// New creates the queue selected by cfg.Driver.
func New(cfg Config) (Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(cfg.BufferSize), nil
	case "rabbitmq":
		return NewRabbitMQ(cfg.RabbitMQ)
	default:
		return nil, fmt.Errorf("unsupported queue driver: %s", cfg.Driver)
	}
}
