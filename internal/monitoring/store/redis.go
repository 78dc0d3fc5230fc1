package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"bankfisc/internal/monitoring/models"
	"bankfisc/pkg/platform/sentinel"
)

const defaultKeyPrefix = "fisc:monitored"

// Hash fields of a snapshot entry.
const (
	fieldRONBalance     = "ron_balance"
	fieldEURBalance     = "eur_balance"
	fieldRONVersion     = "ron_version"
	fieldEURVersion     = "eur_version"
	fieldEpoch          = "epoch"
	fieldMonitoredSince = "monitored_since"
	fieldUpdatedAt      = "updated_at"
)

// RedisStore keeps each snapshot in a hash at "<prefix>:<client id>" and the
// set of monitored ids at "<prefix>". Writes to both go through MULTI/EXEC.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisStoreOption configures a RedisStore instance.
type RedisStoreOption func(*RedisStore)

// WithKeyPrefix overrides the key namespace.
func WithKeyPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// NewRedisStore constructs a Redis-backed snapshot store.
func NewRedisStore(client *redis.Client, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{client: client, prefix: defaultKeyPrefix}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *RedisStore) entryKey(clientID string) string {
	return s.prefix + ":" + clientID
}

func (s *RedisStore) Get(ctx context.Context, clientID string) (*models.Snapshot, error) {
	fields, err := s.client.HGetAll(ctx, s.entryKey(clientID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	if len(fields) == 0 {
		return nil, sentinel.ErrNotFound
	}
	return decodeSnapshot(clientID, fields)
}

func (s *RedisStore) Put(ctx context.Context, snap models.Snapshot) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.entryKey(snap.ClientID), encodeSnapshot(snap))
		pipe.SAdd(ctx, s.prefix, snap.ClientID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	return nil
}

// Delete reports whether an entry was removed.
func (s *RedisStore) Delete(ctx context.Context, clientID string) (bool, error) {
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.entryKey(clientID))
		pipe.SRem(ctx, s.prefix, clientID)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete snapshot: %w", err)
	}
	return del.Val() > 0, nil
}

// List returns all snapshots ordered by client id.
func (s *RedisStore) List(ctx context.Context) ([]models.Snapshot, error) {
	ids, err := s.client.SMembers(ctx, s.prefix).Result()
	if err != nil {
		return nil, fmt.Errorf("list monitored ids: %w", err)
	}
	sort.Strings(ids)

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.entryKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	out := make([]models.Snapshot, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		snap, err := decodeSnapshot(ids[i], fields)
		if err != nil {
			return nil, err
		}
		out = append(out, *snap)
	}
	return out, nil
}

func encodeSnapshot(snap models.Snapshot) map[string]any {
	return map[string]any{
		fieldRONBalance:     snap.RONBalance.String(),
		fieldEURBalance:     snap.EURBalance.String(),
		fieldRONVersion:     strconv.FormatUint(snap.RONVersion, 10),
		fieldEURVersion:     strconv.FormatUint(snap.EURVersion, 10),
		fieldEpoch:          strconv.FormatInt(snap.Epoch, 10),
		fieldMonitoredSince: snap.MonitoredSince.UTC().Format(time.RFC3339Nano),
		fieldUpdatedAt:      snap.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func decodeSnapshot(clientID string, fields map[string]string) (*models.Snapshot, error) {
	snap := &models.Snapshot{ClientID: clientID}
	var err error
	if snap.RONBalance, err = decimal.NewFromString(fields[fieldRONBalance]); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: ron balance: %w", clientID, err)
	}
	if snap.EURBalance, err = decimal.NewFromString(fields[fieldEURBalance]); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: eur balance: %w", clientID, err)
	}
	if snap.RONVersion, err = strconv.ParseUint(fields[fieldRONVersion], 10, 64); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: ron version: %w", clientID, err)
	}
	if snap.EURVersion, err = strconv.ParseUint(fields[fieldEURVersion], 10, 64); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: eur version: %w", clientID, err)
	}
	// Entries written before epochs existed carry none and match any epoch.
	if raw, ok := fields[fieldEpoch]; ok {
		if snap.Epoch, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return nil, fmt.Errorf("decode snapshot %s: epoch: %w", clientID, err)
		}
	}
	if snap.MonitoredSince, err = time.Parse(time.RFC3339Nano, fields[fieldMonitoredSince]); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: monitored since: %w", clientID, err)
	}
	if snap.UpdatedAt, err = time.Parse(time.RFC3339Nano, fields[fieldUpdatedAt]); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: updated at: %w", clientID, err)
	}
	return snap, nil
}
