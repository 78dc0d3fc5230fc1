package service

import (
	"context"
	"sync"
	"time"

	dErrors "bankfisc/pkg/domain-errors"
)

// numClientShards spreads client locks so unrelated clients rarely contend.
const numClientShards = 128

// defaultClientTxTimeout bounds how long a caller waits for a client lock.
const defaultClientTxTimeout = 5 * time.Second

// ShardedTx serializes operations per client id using a fixed set of mutexes
// selected by a hash of the id. Used with the in-memory store.
type ShardedTx struct {
	shards  [numClientShards]sync.Mutex
	store   Store
	timeout time.Duration
}

// NewShardedTx wraps store with per-client locking. A zero timeout uses the default.
func NewShardedTx(store Store, timeout time.Duration) *ShardedTx {
	if timeout <= 0 {
		timeout = defaultClientTxTimeout
	}
	return &ShardedTx{store: store, timeout: timeout}
}

func (t *ShardedTx) RunInTx(ctx context.Context, clientID string, fn func(ctx context.Context, store Store) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	shard := &t.shards[hashClientID(clientID)%numClientShards]
	shard.Lock()
	defer shard.Unlock()

	// Check again after acquiring lock
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	return fn(ctx, t.store)
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
