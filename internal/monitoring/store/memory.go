package store

import (
	"context"
	"sort"
	"sync"

	"bankfisc/internal/monitoring/models"
	"bankfisc/pkg/platform/sentinel"
)

// InMemoryStore keeps snapshots in a map. Values are copied in and out.
type InMemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]models.Snapshot
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{snapshots: make(map[string]models.Snapshot)}
}

func (s *InMemoryStore) Get(_ context.Context, clientID string) (*models.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[clientID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return &snap, nil
}

func (s *InMemoryStore) Put(_ context.Context, snap models.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.ClientID] = snap
	return nil
}

// Delete reports whether an entry was removed.
func (s *InMemoryStore) Delete(_ context.Context, clientID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.snapshots[clientID]
	delete(s.snapshots, clientID)
	return ok, nil
}

// List returns all snapshots ordered by client id.
func (s *InMemoryStore) List(_ context.Context) ([]models.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Snapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out, nil
}
