package rabbitmq

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bankfisc/internal/notification/channel"
)

type recordingAcknowledger struct {
	acked    int
	nacked   int
	requeued bool
}

func (a *recordingAcknowledger) Ack(uint64, bool) error {
	a.acked++
	return nil
}

func (a *recordingAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacked++
	a.requeued = requeue
	return nil
}

func (a *recordingAcknowledger) Reject(uint64, bool) error { return nil }

func testChannel() *Channel {
	return &Channel{
		cfg:    Config{Exchange: "bank-exchange", Queue: "fisc-notification-queue", RoutingKey: "bank.client.balance.change"},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestConfigValidate(t *testing.T) {
	valid := Config{URL: "amqp://localhost", Exchange: "x", Queue: "q", RoutingKey: "k"}
	require.NoError(t, valid.validate())

	for name, mutate := range map[string]func(*Config){
		"url":         func(c *Config) { c.URL = "" },
		"exchange":    func(c *Config) { c.Exchange = "" },
		"queue":       func(c *Config) { c.Queue = "" },
		"routing key": func(c *Config) { c.RoutingKey = "" },
	} {
		t.Run("missing "+name, func(t *testing.T) {
			cfg := valid
			mutate(&cfg)
			assert.Error(t, cfg.validate())
		})
	}
}

func TestDeliver(t *testing.T) {
	ctx := context.Background()
	c := testChannel()

	t.Run("success acks and passes the message id through", func(t *testing.T) {
		ack := &recordingAcknowledger{}
		var got channel.Message
		c.deliver(ctx, amqp.Delivery{
			Acknowledger: ack,
			MessageId:    "evt-1",
			RoutingKey:   "bank.client.balance.change",
			Headers:      amqp.Table{"content-type": "application/json", "ignored": int32(4)},
			Body:         []byte("{}"),
		}, func(_ context.Context, msg channel.Message) error {
			got = msg
			return nil
		})

		assert.Equal(t, 1, ack.acked)
		assert.Equal(t, "evt-1", got.Headers[channel.HeaderEventID])
		assert.Equal(t, "application/json", got.Headers["content-type"])
		assert.NotContains(t, got.Headers, "ignored")
	})

	t.Run("key comes from the message key header", func(t *testing.T) {
		var got channel.Message
		c.deliver(ctx, amqp.Delivery{
			Acknowledger: &recordingAcknowledger{},
			RoutingKey:   "bank.client.balance.change",
			Headers:      amqp.Table{channel.HeaderMessageKey: "1850101223344"},
		}, func(_ context.Context, msg channel.Message) error {
			got = msg
			return nil
		})
		assert.Equal(t, "1850101223344", got.Key)
	})

	t.Run("key falls back to the routing key", func(t *testing.T) {
		var got channel.Message
		c.deliver(ctx, amqp.Delivery{
			Acknowledger: &recordingAcknowledger{},
			RoutingKey:   "bank.client.balance.change",
		}, func(_ context.Context, msg channel.Message) error {
			got = msg
			return nil
		})
		assert.Equal(t, "bank.client.balance.change", got.Key)
	})

	t.Run("first failure requeues", func(t *testing.T) {
		ack := &recordingAcknowledger{}
		c.deliver(ctx, amqp.Delivery{Acknowledger: ack}, func(context.Context, channel.Message) error {
			return errors.New("registry unavailable")
		})
		assert.Equal(t, 1, ack.nacked)
		assert.True(t, ack.requeued)
	})

	t.Run("failed redelivery is rejected", func(t *testing.T) {
		ack := &recordingAcknowledger{}
		c.deliver(ctx, amqp.Delivery{Acknowledger: ack, Redelivered: true}, func(context.Context, channel.Message) error {
			return errors.New("still failing")
		})
		assert.Equal(t, 1, ack.nacked)
		assert.False(t, ack.requeued)
	})
}

func TestPublishingCarriesKeyAndEventID(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := publishing(channel.Message{
		Key:     "1850101223344",
		Body:    []byte("{}"),
		Headers: map[string]string{channel.HeaderEventID: "evt-9"},
	}, now)

	assert.Equal(t, "evt-9", p.MessageId)
	assert.Equal(t, "1850101223344", p.Headers[channel.HeaderMessageKey])
	assert.Equal(t, amqp.Persistent, p.DeliveryMode)
	assert.Equal(t, now, p.Timestamp)

	var got channel.Message
	testChannel().deliver(context.Background(), amqp.Delivery{
		Acknowledger: &recordingAcknowledger{},
		RoutingKey:   "bank.client.balance.change",
		MessageId:    p.MessageId,
		Headers:      p.Headers,
		Body:         p.Body,
	}, func(_ context.Context, msg channel.Message) error {
		got = msg
		return nil
	})
	assert.Equal(t, "1850101223344", got.Key)
	assert.Equal(t, "evt-9", got.Headers[channel.HeaderEventID])
}

func TestClosedChannelRejectsPublish(t *testing.T) {
	c := testChannel()
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Publish(context.Background(), channel.Message{}), channel.ErrClosed)
	assert.False(t, c.Healthy())
}
