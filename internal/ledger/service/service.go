package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"bankfisc/internal/ledger/metrics"
	"bankfisc/internal/ledger/models"
	dErrors "bankfisc/pkg/domain-errors"
	"bankfisc/pkg/platform/sentinel"
	"bankfisc/pkg/requestcontext"
)

// Store is the durable record store for clients and their accounts.
// FindByID returns sentinel.ErrNotFound for unknown ids; Create returns
// sentinel.ErrConflict when the id is taken.
type Store interface {
	FindByID(ctx context.Context, id string) (*models.Client, error)
	Exists(ctx context.Context, id string) (bool, error)
	Create(ctx context.Context, client *models.Client) error
	Save(ctx context.Context, client *models.Client) error
	Delete(ctx context.Context, id string) error
}

// StoreTx serializes every operation on one client id. Implementations may
// wrap a database transaction or, in-memory, a sharded lock.
type StoreTx interface {
	RunInTx(ctx context.Context, clientID string, fn func(ctx context.Context, store Store) error) error
}

// Registry is the monitoring projection kept in step with the monitored flag.
type Registry interface {
	StartMonitoring(ctx context.Context, client models.Client) error
	StopMonitoring(ctx context.Context, clientID string) error
}

// Notifier hands balance deltas of monitored clients to the notification
// pipeline. It must not block and has no failure mode visible to the ledger.
type Notifier interface {
	NotifyBalanceChange(ctx context.Context, previousRON, previousEUR decimal.Decimal, client models.Client)
}

// Service enforces the balance invariants and keeps the monitoring registry
// consistent with the monitored flag.
type Service struct {
	tx       StoreTx
	registry Registry
	notifier Notifier
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
}

type Option func(*Service)

func WithNotifier(notifier Notifier) Option {
	return func(s *Service) {
		s.notifier = notifier
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func New(tx StoreTx, registry Registry, opts ...Option) (*Service, error) {
	if tx == nil {
		return nil, errors.New("ledger store tx is required")
	}
	if registry == nil {
		return nil, errors.New("monitoring registry is required")
	}

	svc := &Service{
		tx:       tx,
		registry: registry,
		logger:   slog.Default(),
		tracer:   otel.Tracer("bankfisc/ledger"),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// OpenAccounts creates a client with zeroed RON and EUR accounts.
func (s *Service) OpenAccounts(ctx context.Context, rawID string) (client *models.Client, err error) {
	ctx, done := s.begin(ctx, "open_accounts", rawID)
	defer func() { done(err) }()

	id, err := models.ValidateClientID(rawID)
	if err != nil {
		return nil, err
	}

	err = s.tx.RunInTx(ctx, id, func(ctx context.Context, store Store) error {
		exists, err := store.Exists(ctx, id)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to check client")
		}
		if exists {
			return alreadyExists(id)
		}
		client = models.NewClient(id, requestcontext.Now(ctx))
		if err := store.Create(ctx, client); err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				return alreadyExists(id)
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to create client")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "accounts opened", "client_id", id)
	return client, nil
}

// CloseAccounts removes a client whose balances are both exactly zero, and
// purges any monitoring entry along with it.
func (s *Service) CloseAccounts(ctx context.Context, rawID string) (err error) {
	ctx, done := s.begin(ctx, "close_accounts", rawID)
	defer func() { done(err) }()

	id, err := models.ValidateClientID(rawID)
	if err != nil {
		return err
	}

	err = s.tx.RunInTx(ctx, id, func(ctx context.Context, store Store) error {
		client, err := findClient(ctx, store, id)
		if err != nil {
			return err
		}
		if !client.IsEmpty() {
			return dErrors.New(dErrors.CodeNonZeroBalance, "cannot close accounts with non-zero balance")
		}
		// Purge first: StopMonitoring is idempotent, a delete is not undoable
		// in-memory.
		if err := s.registry.StopMonitoring(ctx, id); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to purge monitoring entry")
		}
		if err := store.Delete(ctx, id); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to delete client")
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "accounts closed", "client_id", id)
	return nil
}

// Deposit adds amount to the account in currency.
func (s *Service) Deposit(ctx context.Context, rawID string, currency models.Currency, amount decimal.Decimal) (client *models.Client, err error) {
	ctx, done := s.begin(ctx, "deposit", rawID)
	defer func() { done(err) }()

	if err := models.ValidateAmount(amount); err != nil {
		return nil, err
	}
	if !currency.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvalidCurrency, "currency must be RON or EUR")
	}
	return s.mutate(ctx, rawID, func(c *models.Client) error {
		return c.Account(currency).Deposit(amount)
	})
}

// Withdraw subtracts amount from the account in currency. The result must be
// zero or at least models.MinBalance.
func (s *Service) Withdraw(ctx context.Context, rawID string, currency models.Currency, amount decimal.Decimal) (client *models.Client, err error) {
	ctx, done := s.begin(ctx, "withdraw", rawID)
	defer func() { done(err) }()

	if err := models.ValidateAmount(amount); err != nil {
		return nil, err
	}
	if !currency.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvalidCurrency, "currency must be RON or EUR")
	}
	return s.mutate(ctx, rawID, func(c *models.Client) error {
		return c.Account(currency).Withdraw(amount)
	})
}

// PrepareForClosure zeroes both balances regardless of the minimum rule. It
// is the only way to empty an account holding more than the minimum.
func (s *Service) PrepareForClosure(ctx context.Context, rawID string) (client *models.Client, err error) {
	ctx, done := s.begin(ctx, "prepare_closure", rawID)
	defer func() { done(err) }()

	return s.mutate(ctx, rawID, func(c *models.Client) error {
		c.ZeroBalances()
		return nil
	})
}

// GetInfo returns the current client state.
func (s *Service) GetInfo(ctx context.Context, rawID string) (client *models.Client, err error) {
	ctx, done := s.begin(ctx, "get_info", rawID)
	defer func() { done(err) }()

	id, err := models.ValidateClientID(rawID)
	if err != nil {
		return nil, err
	}
	err = s.tx.RunInTx(ctx, id, func(ctx context.Context, store Store) error {
		client, err = findClient(ctx, store, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

// StartMonitoring flags the client as monitored and seeds the registry with a
// snapshot taken under the same per-client lock as balance mutations, so no
// mutation can slip between the snapshot and the flag.
func (s *Service) StartMonitoring(ctx context.Context, rawID string) (err error) {
	ctx, done := s.begin(ctx, "start_monitoring", rawID)
	defer func() { done(err) }()

	id, err := models.ValidateClientID(rawID)
	if err != nil {
		return err
	}

	registered := false
	err = s.tx.RunInTx(ctx, id, func(ctx context.Context, store Store) error {
		client, err := findClient(ctx, store, id)
		if err != nil {
			return err
		}
		client.Monitored = true
		client.UpdatedAt = requestcontext.Now(ctx)
		if err := store.Save(ctx, client); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to save client")
		}
		if err := s.registry.StartMonitoring(ctx, *client); err != nil {
			client.Monitored = false
			if rbErr := store.Save(ctx, client); rbErr != nil {
				s.logger.ErrorContext(ctx, "failed to revert monitored flag",
					"client_id", id,
					"error", rbErr,
				)
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to start monitoring")
		}
		registered = true
		return nil
	})
	if err != nil {
		// The registry write is not part of the store transaction. If the
		// flag did not commit, the entry must not outlive it.
		if registered {
			s.dropRegistryEntry(ctx, id)
		}
		return err
	}

	s.logger.InfoContext(ctx, "monitoring started", "client_id", id)
	return nil
}

func (s *Service) dropRegistryEntry(ctx context.Context, id string) {
	if err := s.registry.StopMonitoring(context.WithoutCancel(ctx), id); err != nil {
		s.logger.ErrorContext(ctx, "failed to remove registry entry after aborted start",
			"client_id", id,
			"error", err,
		)
	}
}

// StopMonitoring clears the monitored flag and drops the registry entry.
// The entry goes first: a monitored client without an entry is harmless,
// an unmonitored client with one is not.
func (s *Service) StopMonitoring(ctx context.Context, rawID string) (err error) {
	ctx, done := s.begin(ctx, "stop_monitoring", rawID)
	defer func() { done(err) }()

	id, err := models.ValidateClientID(rawID)
	if err != nil {
		return err
	}

	err = s.tx.RunInTx(ctx, id, func(ctx context.Context, store Store) error {
		client, err := findClient(ctx, store, id)
		if err != nil {
			return err
		}
		if err := s.registry.StopMonitoring(ctx, id); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to stop monitoring")
		}
		if !client.Monitored {
			return nil
		}
		client.Monitored = false
		client.UpdatedAt = requestcontext.Now(ctx)
		if err := store.Save(ctx, client); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to save client")
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "monitoring stopped", "client_id", id)
	return nil
}

// mutate applies fn to the client under its lock, bumps the version and
// commits. The notification is handed off only after commit and never
// affects the result.
func (s *Service) mutate(ctx context.Context, rawID string, fn func(c *models.Client) error) (*models.Client, error) {
	id, err := models.ValidateClientID(rawID)
	if err != nil {
		return nil, err
	}

	var (
		previousRON decimal.Decimal
		previousEUR decimal.Decimal
		updated     models.Client
	)
	err = s.tx.RunInTx(ctx, id, func(ctx context.Context, store Store) error {
		client, err := findClient(ctx, store, id)
		if err != nil {
			return err
		}
		previousRON = client.RON.Balance
		previousEUR = client.EUR.Balance

		if err := fn(client); err != nil {
			return err
		}
		client.Version++
		client.UpdatedAt = requestcontext.Now(ctx)
		if err := store.Save(ctx, client); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to save client")
		}
		updated = *client
		return nil
	})
	if err != nil {
		return nil, err
	}

	if updated.Monitored && s.notifier != nil {
		s.notifier.NotifyBalanceChange(ctx, previousRON, previousEUR, updated)
	}
	return &updated, nil
}

func findClient(ctx context.Context, store Store, id string) (*models.Client, error) {
	client, err := store.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "client with id "+id+" not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load client")
	}
	return client, nil
}

func alreadyExists(id string) error {
	return dErrors.New(dErrors.CodeAlreadyExists, "client with id "+id+" already exists")
}

// begin opens a span and returns a completion hook that records the outcome.
// Client-input failures are logged at info, faults at error.
func (s *Service) begin(ctx context.Context, op, clientID string) (context.Context, func(error)) {
	ctx, span := s.tracer.Start(ctx, "ledger."+op,
		trace.WithAttributes(attribute.String("client_id", clientID)),
	)
	start := time.Now()
	return ctx, func(err error) {
		defer span.End()
		outcome := "ok"
		if err != nil {
			code := dErrors.CodeOf(err)
			outcome = string(code)
			if dErrors.IsClientError(code) {
				s.logger.InfoContext(ctx, "ledger operation rejected",
					"operation", op,
					"client_id", clientID,
					"code", code,
				)
			} else {
				span.RecordError(err)
				s.logger.ErrorContext(ctx, "ledger operation failed",
					"operation", op,
					"client_id", clientID,
					"request_id", requestcontext.RequestID(ctx),
					"error", err,
				)
			}
		}
		s.metrics.ObserveOperation(op, outcome, time.Since(start))
	}
}
