package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	ledgermodels "bankfisc/internal/ledger/models"
	"bankfisc/internal/monitoring/metrics"
	"bankfisc/internal/monitoring/models"
	notificationmodels "bankfisc/internal/notification/models"
	dErrors "bankfisc/pkg/domain-errors"
	"bankfisc/pkg/platform/sentinel"
	"bankfisc/pkg/requestcontext"
)

// SnapshotStore persists registry entries.
type SnapshotStore interface {
	Get(ctx context.Context, clientID string) (*models.Snapshot, error)
	Put(ctx context.Context, snap models.Snapshot) error
	Delete(ctx context.Context, clientID string) (bool, error)
	List(ctx context.Context) ([]models.Snapshot, error)
}

const numRegistryShards = 128

// Registry is the FISC-side projection of monitored clients. Start, stop and
// apply on one client id are mutually exclusive; distinct ids never contend
// beyond their shard.
type Registry struct {
	shards  [numRegistryShards]sync.Mutex
	store   SnapshotStore
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Registry)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

func New(store SnapshotStore, opts ...Option) (*Registry, error) {
	if store == nil {
		return nil, errors.New("snapshot store is required")
	}
	r := &Registry{
		store:  store,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Registry) lock(clientID string) func() {
	m := &r.shards[hashClientID(clientID)%numRegistryShards]
	m.Lock()
	return m.Unlock
}

// StartMonitoring seeds or overwrites the entry for client with its current
// balances. Versions start at the client's version so notifications from
// mutations that preceded the seed are treated as stale, and the entry is
// bound to the client's epoch so notifications from an earlier account under
// the same id never apply.
func (r *Registry) StartMonitoring(ctx context.Context, client ledgermodels.Client) error {
	defer r.lock(client.ID)()

	_, err := r.store.Get(ctx, client.ID)
	existed := err == nil
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to read monitoring entry")
	}

	now := requestcontext.Now(ctx)
	snap := models.Snapshot{
		ClientID:       client.ID,
		RONBalance:     client.RON.Balance,
		EURBalance:     client.EUR.Balance,
		RONVersion:     client.Version,
		EURVersion:     client.Version,
		Epoch:          client.Epoch(),
		MonitoredSince: now,
		UpdatedAt:      now,
	}
	if err := r.store.Put(ctx, snap); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to store monitoring entry")
	}
	if !existed {
		r.metrics.EntryAdded()
	}
	r.logger.InfoContext(ctx, "client monitoring started",
		"client_id", client.ID,
		"ron_balance", client.RON.Balance.String(),
		"eur_balance", client.EUR.Balance.String(),
	)
	return nil
}

// StopMonitoring removes the entry. Stopping an unmonitored client is a no-op.
func (r *Registry) StopMonitoring(ctx context.Context, clientID string) error {
	defer r.lock(clientID)()

	removed, err := r.store.Delete(ctx, clientID)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to remove monitoring entry")
	}
	if removed {
		r.metrics.EntryRemoved()
		r.logger.InfoContext(ctx, "client monitoring stopped", "client_id", clientID)
	}
	return nil
}

// ApplyNotification updates the flagged currencies of an existing entry.
// Notifications for clients without an entry are discarded; a currency whose
// recorded version is already at or past the notification's is left alone.
// Unversioned notifications always apply. A notification from another
// epoch of the client id is stale as a whole.
func (r *Registry) ApplyNotification(ctx context.Context, n notificationmodels.BalanceChange) error {
	defer r.lock(n.ClientID)()

	snap, err := r.store.Get(ctx, n.ClientID)
	if errors.Is(err, sentinel.ErrNotFound) {
		r.metrics.IncrementOutcome(metrics.OutcomeDiscarded)
		r.logger.DebugContext(ctx, "notification for unmonitored client discarded",
			"client_id", n.ClientID,
			"event_id", n.EventID.String(),
		)
		return nil
	}
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to read monitoring entry")
	}

	if !sameEpoch(n.Epoch, snap.Epoch) {
		r.metrics.IncrementOutcome(metrics.OutcomeStale)
		r.logger.DebugContext(ctx, "notification from another account epoch skipped",
			"client_id", n.ClientID,
			"event_id", n.EventID.String(),
			"epoch", n.Epoch,
			"current_epoch", snap.Epoch,
		)
		return nil
	}

	applied := false
	if n.RONChanged {
		if fresh(n.Version, snap.RONVersion) {
			snap.RONBalance = n.RONBalance
			snap.RONVersion = max(snap.RONVersion, n.Version)
			applied = true
		} else {
			r.logStale(ctx, n, ledgermodels.CurrencyRON, snap.RONVersion)
		}
	}
	if n.EURChanged {
		if fresh(n.Version, snap.EURVersion) {
			snap.EURBalance = n.EURBalance
			snap.EURVersion = max(snap.EURVersion, n.Version)
			applied = true
		} else {
			r.logStale(ctx, n, ledgermodels.CurrencyEUR, snap.EURVersion)
		}
	}
	if !applied {
		r.metrics.IncrementOutcome(metrics.OutcomeStale)
		return nil
	}

	snap.UpdatedAt = requestcontext.Now(ctx)
	if err := r.store.Put(ctx, *snap); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to store monitoring entry")
	}
	r.metrics.IncrementOutcome(metrics.OutcomeApplied)
	r.logger.InfoContext(ctx, "monitored balance updated",
		"client_id", n.ClientID,
		"ron_balance", snap.RONBalance.String(),
		"eur_balance", snap.EURBalance.String(),
		"version", n.Version,
	)
	return nil
}

// Get returns the entry for clientID.
func (r *Registry) Get(ctx context.Context, clientID string) (*models.Snapshot, error) {
	snap, err := r.store.Get(ctx, clientID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "client "+clientID+" is not monitored")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read monitoring entry")
	}
	return snap, nil
}

// List returns every entry.
func (r *Registry) List(ctx context.Context) ([]models.Snapshot, error) {
	snaps, err := r.store.List(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list monitoring entries")
	}
	return snaps, nil
}

func (r *Registry) logStale(ctx context.Context, n notificationmodels.BalanceChange, currency ledgermodels.Currency, current uint64) {
	r.logger.DebugContext(ctx, "stale notification skipped",
		"client_id", n.ClientID,
		"currency", currency.String(),
		"version", n.Version,
		"current_version", current,
	)
}

func fresh(incoming, current uint64) bool {
	return incoming == 0 || incoming > current
}

// Zero on either side means the epoch is unknown and does not constrain.
func sameEpoch(incoming, current int64) bool {
	return incoming == 0 || current == 0 || incoming == current
}

// hashClientID is FNV-1a.
func hashClientID(s string) uint32 {
	const (
		fnvOffset = 2166136261
		fnvPrime  = 16777619
	)
	h := uint32(fnvOffset)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= fnvPrime
	}
	return h
}
