package notification

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	ledgermodels "bankfisc/internal/ledger/models"
	"bankfisc/internal/notification/channel"
	"bankfisc/internal/notification/metrics"
	"bankfisc/internal/notification/models"
	"bankfisc/pkg/requestcontext"
)

const (
	defaultBufferSize      = 1024
	defaultPublishTimeout  = 5 * time.Second
	defaultBreakerFailures = 5
	defaultBreakerCooldown = 30 * time.Second
)

// Publisher turns ledger balance deltas into change notifications and sends
// them to the message channel from a single background goroutine. Enqueue
// never blocks the ledger: when the buffer is full the notification is
// dropped and counted. Channel failures are logged, never surfaced.
type Publisher struct {
	channel        channel.Publisher
	buffer         chan models.BalanceChange
	breaker        *gobreaker.CircuitBreaker
	logger         *slog.Logger
	metrics        *metrics.Metrics
	publishTimeout time.Duration

	breakerFailures uint32
	breakerCooldown time.Duration
	bufferSize      int

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

type PublisherOption func(*Publisher)

func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

func WithPublisherMetrics(m *metrics.Metrics) PublisherOption {
	return func(p *Publisher) {
		p.metrics = m
	}
}

func WithBufferSize(n int) PublisherOption {
	return func(p *Publisher) {
		if n > 0 {
			p.bufferSize = n
		}
	}
}

func WithPublishTimeout(d time.Duration) PublisherOption {
	return func(p *Publisher) {
		if d > 0 {
			p.publishTimeout = d
		}
	}
}

// WithBreaker opens the circuit after failures consecutive publish errors and
// probes again after cooldown.
func WithBreaker(failures uint32, cooldown time.Duration) PublisherOption {
	return func(p *Publisher) {
		if failures > 0 {
			p.breakerFailures = failures
		}
		if cooldown > 0 {
			p.breakerCooldown = cooldown
		}
	}
}

// NewPublisher starts the drain goroutine. Call Close to stop it.
func NewPublisher(ch channel.Publisher, opts ...PublisherOption) (*Publisher, error) {
	if ch == nil {
		return nil, errors.New("message channel publisher is required")
	}
	p := &Publisher{
		channel:         ch,
		logger:          slog.Default(),
		publishTimeout:  defaultPublishTimeout,
		breakerFailures: defaultBreakerFailures,
		breakerCooldown: defaultBreakerCooldown,
		bufferSize:      defaultBufferSize,
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.buffer = make(chan models.BalanceChange, p.bufferSize)
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "notification-publisher",
		MaxRequests: 1,
		Timeout:     p.breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= p.breakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	go p.drain()
	return p, nil
}

// NotifyBalanceChange enqueues a notification when at least one currency
// moved. It returns immediately in every case.
func (p *Publisher) NotifyBalanceChange(ctx context.Context, previousRON, previousEUR decimal.Decimal, client ledgermodels.Client) {
	n, changed := models.NewBalanceChange(
		client.ID,
		previousRON, previousEUR,
		client.RON.Balance, client.EUR.Balance,
		client.Version,
		client.Epoch(),
		requestcontext.Now(ctx),
	)
	if !changed {
		return
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.metrics.IncrementDropped(metrics.DropClosed)
		p.logger.WarnContext(ctx, "notification dropped, publisher closed", "client_id", client.ID)
		return
	}
	select {
	case p.buffer <- n:
		p.metrics.SetBufferDepth(len(p.buffer))
	default:
		p.metrics.IncrementDropped(metrics.DropBufferFull)
		p.logger.WarnContext(ctx, "notification dropped, buffer full",
			"client_id", client.ID,
			"event_id", n.EventID.String(),
		)
	}
}

func (p *Publisher) drain() {
	defer close(p.done)
	for n := range p.buffer {
		p.metrics.SetBufferDepth(len(p.buffer))
		p.send(n)
	}
}

func (p *Publisher) send(n models.BalanceChange) {
	body, err := n.Encode()
	if err != nil {
		p.metrics.IncrementDropped(metrics.DropEncode)
		p.logger.Error("failed to encode notification", "client_id", n.ClientID, "error", err)
		return
	}
	msg := channel.Message{
		Key:  n.ClientID,
		Body: body,
		Headers: map[string]string{
			channel.HeaderEventID:     n.EventID.String(),
			channel.HeaderContentType: "application/json",
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.publishTimeout)
	defer cancel()
	_, err = p.breaker.Execute(func() (interface{}, error) {
		return nil, p.channel.Publish(ctx, msg)
	})
	switch {
	case err == nil:
		p.metrics.IncrementPublished()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		p.metrics.IncrementDropped(metrics.DropBreakerOpen)
		p.logger.Warn("notification dropped, channel circuit open",
			"client_id", n.ClientID,
			"event_id", n.EventID.String(),
		)
	default:
		p.metrics.IncrementFailed()
		p.logger.Warn("failed to publish notification",
			"client_id", n.ClientID,
			"event_id", n.EventID.String(),
			"error", err,
		)
	}
}

// BreakerState reports the channel circuit state for health checks.
func (p *Publisher) BreakerState() string {
	return p.breaker.State().String()
}

// Close stops accepting notifications and waits, bounded by ctx, for the
// buffered ones to be sent.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.buffer)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
