// Package channel defines the message transport between the ledger-side
// publisher and the registry-side consumer. Delivery is at-least-once with no
// ordering guarantee; a handler error asks the transport to redeliver.
package channel

import (
	"context"
	"errors"
)

// Message is one payload on the channel. Key partitions or routes it; for
// balance changes it is the client id.
type Message struct {
	Key     string
	Body    []byte
	Headers map[string]string
}

// Handler processes one delivery. Returning an error requests redelivery.
type Handler func(ctx context.Context, msg Message) error

// Publisher sends messages to the channel.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Subscriber delivers messages to a handler until ctx is cancelled.
type Subscriber interface {
	Subscribe(ctx context.Context, handler Handler) error
}

// ErrClosed is returned by operations on a closed channel.
var ErrClosed = errors.New("message channel closed")

// Header names set by publishers. HeaderMessageKey carries Message.Key on
// transports whose own routing key is fixed by configuration.
const (
	HeaderEventID     = "event-id"
	HeaderContentType = "content-type"
	HeaderMessageKey  = "message-key"
)
