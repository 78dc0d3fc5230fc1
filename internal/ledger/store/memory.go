package store

import (
	"context"
	"sync"

	"bankfisc/internal/ledger/models"
	"bankfisc/pkg/platform/sentinel"
)

// InMemoryStore keeps clients by id. It stores copies so callers never share
// state with the map; per-client serialization is the tx's job.
type InMemoryStore struct {
	mu      sync.RWMutex
	clients map[string]models.Client
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{clients: make(map[string]models.Client)}
}

func (s *InMemoryStore) FindByID(_ context.Context, id string) (*models.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	client, ok := s.clients[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return &client, nil
}

func (s *InMemoryStore) Exists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.clients[id]
	return ok, nil
}

func (s *InMemoryStore) Create(_ context.Context, client *models.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[client.ID]; ok {
		return sentinel.ErrConflict
	}
	s.clients[client.ID] = *client
	return nil
}

func (s *InMemoryStore) Save(_ context.Context, client *models.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[client.ID]; !ok {
		return sentinel.ErrNotFound
	}
	s.clients[client.ID] = *client
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[id]; !ok {
		return sentinel.ErrNotFound
	}
	delete(s.clients, id)
	return nil
}

// Count returns the number of open clients.
func (s *InMemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
