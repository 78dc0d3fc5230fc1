// Package memory is an in-process message channel for tests, the demo runner
// and single-node deployments.
package memory

import (
	"context"
	"log/slog"
	"sync"

	"bankfisc/internal/notification/channel"
)

const defaultMaxAttempts = 5

type delivery struct {
	msg      channel.Message
	attempts int
}

// Channel is a buffered queue. A failed delivery is requeued until it has
// been attempted maxAttempts times, then dropped with an error log.
type Channel struct {
	mu          sync.RWMutex
	closed      bool
	queue       chan delivery
	maxAttempts int
	logger      *slog.Logger
}

type Option func(*Channel)

func WithMaxAttempts(n int) Option {
	return func(c *Channel) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Channel) {
		c.logger = logger
	}
}

// New creates a channel holding up to capacity undelivered messages.
func New(capacity int, opts ...Option) *Channel {
	if capacity <= 0 {
		capacity = 1024
	}
	c := &Channel{
		queue:       make(chan delivery, capacity),
		maxAttempts: defaultMaxAttempts,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Publish enqueues msg, blocking while the queue is full.
func (c *Channel) Publish(ctx context.Context, msg channel.Message) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return channel.ErrClosed
	}
	select {
	case c.queue <- delivery{msg: msg}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe runs handler for each message until ctx is cancelled or the
// channel is closed and drained.
func (c *Channel) Subscribe(ctx context.Context, handler channel.Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-c.queue:
			if !ok {
				return nil
			}
			d.attempts++
			if err := handler(ctx, d.msg); err != nil {
				c.retry(ctx, d, err)
			}
		}
	}
}

func (c *Channel) retry(ctx context.Context, d delivery, err error) {
	if d.attempts >= c.maxAttempts {
		c.logger.ErrorContext(ctx, "message dropped after max delivery attempts",
			"key", d.msg.Key,
			"attempts", d.attempts,
			"error", err,
		)
		return
	}
	c.logger.WarnContext(ctx, "message handler failed, requeueing",
		"key", d.msg.Key,
		"attempts", d.attempts,
		"error", err,
	)

	// A pending Close must not wait on the subscriber that drains the queue.
	if !c.mu.TryRLock() {
		return
	}
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.queue <- d:
	default:
		c.logger.ErrorContext(ctx, "message dropped, queue full on redelivery", "key", d.msg.Key)
	}
}

// Len returns the number of queued messages.
func (c *Channel) Len() int {
	return len(c.queue)
}

// Close stops accepting messages. Subscribers return once the queue drains.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.queue)
	}
	return nil
}
