package notification

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"bankfisc/internal/notification/channel"
	"bankfisc/internal/notification/metrics"
	"bankfisc/internal/notification/models"
)

// Applier is the monitoring registry as seen by the consumer.
type Applier interface {
	ApplyNotification(ctx context.Context, n models.BalanceChange) error
}

// Consumer applies change notifications from the message channel to the
// monitoring registry. It never republishes.
type Consumer struct {
	registry Applier
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
}

type ConsumerOption func(*Consumer)

func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

func WithConsumerMetrics(m *metrics.Metrics) ConsumerOption {
	return func(c *Consumer) {
		c.metrics = m
	}
}

func NewConsumer(registry Applier, opts ...ConsumerOption) (*Consumer, error) {
	if registry == nil {
		return nil, errors.New("monitoring registry is required")
	}
	c := &Consumer{
		registry: registry,
		logger:   slog.Default(),
		tracer:   otel.Tracer("bankfisc/notification"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run subscribes to the channel and blocks until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context, sub channel.Subscriber) error {
	c.logger.InfoContext(ctx, "notification consumer started")
	err := sub.Subscribe(ctx, c.Handle)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Handle processes one delivery. Decode and apply failures are both returned
// so the channel redelivers within its own attempt limit.
func (c *Consumer) Handle(ctx context.Context, msg channel.Message) error {
	ctx, span := c.tracer.Start(ctx, "notification.consume",
		trace.WithAttributes(attribute.String("message_key", msg.Key)),
	)
	defer span.End()

	n, err := models.Decode(msg.Body)
	if err != nil {
		c.metrics.IncrementConsumed(metrics.ConsumeMalformed)
		span.RecordError(err)
		c.logger.WarnContext(ctx, "malformed notification rejected",
			"key", msg.Key,
			"event_id", msg.Headers[channel.HeaderEventID],
			"error", err,
		)
		return err
	}
	span.SetAttributes(attribute.String("client_id", n.ClientID))

	if err := c.registry.ApplyNotification(ctx, n); err != nil {
		span.RecordError(err)
		c.metrics.IncrementConsumed(metrics.ConsumeFailed)
		c.logger.ErrorContext(ctx, "failed to apply notification",
			"client_id", n.ClientID,
			"event_id", n.EventID.String(),
			"error", err,
		)
		return err
	}
	c.metrics.IncrementConsumed(metrics.ConsumeHandled)
	return nil
}
