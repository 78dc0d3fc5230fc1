// Package rabbitmq implements the message channel on an AMQP 0-9-1 broker:
// a durable topic exchange bound to a durable queue by one routing key.
// Publishes wait for broker confirms; deliveries are acked only after the
// handler succeeds.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"bankfisc/internal/notification/channel"
)

const (
	defaultPrefetch    = 16
	defaultDialTimeout = 30 * time.Second
	consumerTag        = "fisc-monitor"
)

// ErrPublishNacked is returned when the broker refuses a message.
var ErrPublishNacked = errors.New("message was nacked by broker")

// Config holds connection and topology settings.
type Config struct {
	URL        string
	Exchange   string
	Queue      string
	RoutingKey string
	Prefetch   int

	// DialTimeout bounds the redial loop after a connection loss.
	DialTimeout time.Duration
}

func (c Config) validate() error {
	switch {
	case c.URL == "":
		return errors.New("amqp url is required")
	case c.Exchange == "":
		return errors.New("amqp exchange is required")
	case c.Queue == "":
		return errors.New("amqp queue is required")
	case c.RoutingKey == "":
		return errors.New("amqp routing key is required")
	}
	return nil
}

// Channel is both publisher and subscriber. Connections are re-established
// on demand after a broker restart.
type Channel struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	conn   *amqp.Connection
	pubCh  *amqp.Channel
	closed bool
}

// Dial connects and declares the exchange, queue and binding.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Channel, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = defaultPrefetch
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Channel{cfg: cfg, logger: logger}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// connectLocked dials with exponential backoff and redeclares the topology.
func (c *Channel) connectLocked(ctx context.Context) error {
	if c.conn != nil && !c.conn.IsClosed() {
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.cfg.DialTimeout
	return backoff.RetryNotify(func() error {
		conn, err := amqp.Dial(c.cfg.URL)
		if err != nil {
			return fmt.Errorf("dial amqp: %w", err)
		}
		if err := declareTopology(conn, c.cfg); err != nil {
			_ = conn.Close()
			return err
		}
		c.conn = conn
		c.pubCh = nil
		return nil
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		c.logger.WarnContext(ctx, "amqp connection failed, retrying",
			"error", err,
			"retry_in", wait.String(),
		)
	})
}

func declareTopology(conn *amqp.Connection, cfg Config) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open amqp channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", cfg.Queue, err)
	}
	if err := ch.QueueBind(cfg.Queue, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", cfg.Queue, err)
	}
	return nil
}

// publishChannelLocked returns an open confirm-mode channel, reconnecting if needed.
func (c *Channel) publishChannelLocked(ctx context.Context) (*amqp.Channel, error) {
	if c.closed {
		return nil, channel.ErrClosed
	}
	if c.pubCh != nil && !c.pubCh.IsClosed() {
		return c.pubCh, nil
	}
	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	c.pubCh = ch
	return ch, nil
}

// Publish sends a persistent message and waits for the broker confirm.
func (c *Channel) Publish(ctx context.Context, msg channel.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.publishChannelLocked(ctx)
	if err != nil {
		return err
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, c.cfg.Exchange, c.cfg.RoutingKey, false, false, publishing(msg, time.Now()))
	if err != nil {
		return fmt.Errorf("publish to %s: %w", c.cfg.Exchange, err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await publish confirm: %w", err)
	}
	if !acked {
		return ErrPublishNacked
	}
	return nil
}

// Subscribe consumes the queue until ctx is cancelled, reconnecting when the
// broker drops the connection. A failed delivery is requeued once; a failed
// redelivery is rejected without requeue.
func (c *Channel) Subscribe(ctx context.Context, handler channel.Handler) error {
	for {
		deliveries, ch, err := c.consume(ctx)
		if err != nil {
			return err
		}
		c.logger.InfoContext(ctx, "amqp consumer attached", "queue", c.cfg.Queue)

		c.drain(ctx, deliveries, handler)
		_ = ch.Close()

		if err := ctx.Err(); err != nil {
			return err
		}
		c.logger.WarnContext(ctx, "amqp delivery stream closed, reconnecting", "queue", c.cfg.Queue)
	}
}

func (c *Channel) consume(ctx context.Context) (<-chan amqp.Delivery, *amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil, channel.ErrClosed
	}
	if err := c.connectLocked(ctx); err != nil {
		return nil, nil, err
	}
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, c.cfg.Queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("consume %s: %w", c.cfg.Queue, err)
	}
	return deliveries, ch, nil
}

func (c *Channel) drain(ctx context.Context, deliveries <-chan amqp.Delivery, handler channel.Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			c.deliver(ctx, d, handler)
		}
	}
}

// publishing maps msg onto an AMQP message. The routing key is fixed per
// channel, so msg.Key travels in a header.
func publishing(msg channel.Message, now time.Time) amqp.Publishing {
	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	if msg.Key != "" {
		headers[channel.HeaderMessageKey] = msg.Key
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.Headers[channel.HeaderEventID],
		Timestamp:    now,
		Headers:      headers,
		Body:         msg.Body,
	}
}

func (c *Channel) deliver(ctx context.Context, d amqp.Delivery, handler channel.Handler) {
	msg := channel.Message{
		Key:     d.RoutingKey,
		Body:    d.Body,
		Headers: make(map[string]string, len(d.Headers)),
	}
	for k, v := range d.Headers {
		if s, ok := v.(string); ok {
			msg.Headers[k] = s
		}
	}
	if key := msg.Headers[channel.HeaderMessageKey]; key != "" {
		msg.Key = key
	}
	if d.MessageId != "" {
		msg.Headers[channel.HeaderEventID] = d.MessageId
	}

	if err := handler(ctx, msg); err != nil {
		requeue := !d.Redelivered
		level := slog.LevelWarn
		if !requeue {
			level = slog.LevelError
		}
		c.logger.Log(ctx, level, "amqp delivery failed",
			"message_id", d.MessageId,
			"redelivered", d.Redelivered,
			"requeue", requeue,
			"error", err,
		)
		if nackErr := d.Nack(false, requeue); nackErr != nil {
			c.logger.WarnContext(ctx, "amqp nack failed", "error", nackErr)
		}
		return
	}
	if err := d.Ack(false); err != nil {
		c.logger.WarnContext(ctx, "amqp ack failed", "error", err)
	}
}

// Healthy reports whether the connection is open.
func (c *Channel) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.conn.IsClosed()
}

func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
