package queue

import (
	"context"
	"sync"

	"github.com/timmy/studiodesk/internal/logger"
)

// Memory is an in-process queue backed by a buffered channel.
type Memory struct {
	ch     chan Message
	done   chan struct{}
	once   sync.Once
	closed bool
	mu     sync.RWMutex
}

// NewMemory creates a queue holding up to size pending messages.
func NewMemory(size int) *Memory {
	if size <= 0 {
		size = 64
	}
	return &Memory{ch: make(chan Message, size), done: make(chan struct{})}
}

// Publish enqueues msg, blocking while the buffer is full.
func (m *Memory) Publish(ctx context.Context, msg Message) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	select {
	case m.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrClosed
	}
}

// Consume runs handler for each message until ctx is done or the queue is closed.
func (m *Memory) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.done:
			return nil
		case msg := <-m.ch:
			if err := handler(ctx, msg); err != nil {
				logger.FromContext(ctx).WithField(logger.FieldJobID, msg.JobID).WithError(err).Warn("Queue handler failed")
			}
		}
	}
}

// Durable is false: pending messages die with the process.
func (m *Memory) Durable() bool { return false }

// Close stops consumers. Pending messages are discarded.
func (m *Memory) Close() error {
	m.once.Do(func() {
		close(m.done)
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
	})
	return nil
}
