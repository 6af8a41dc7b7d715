package account

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store for tests and for running the relay
// without DATABASE_URL. Registrations do not survive a restart.
type MemoryStore struct {
	mu         sync.RWMutex
	byUsername map[string]Record
	byIdentity map[string]Record
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		byUsername: make(map[string]Record),
		byIdentity: make(map[string]Record),
	}
}

func (s *MemoryStore) GetByUsername(ctx context.Context, username string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byUsername[username]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) GetByIdentity(ctx context.Context, identity string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byIdentity[identity]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) Create(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byUsername[rec.Username]; ok {
		return ErrUsernameTaken
	}
	s.byUsername[rec.Username] = rec
	s.byIdentity[rec.Identity] = rec
	return nil
}
