package presence

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	record    Record
	expiresAt time.Time
}

// MemoryStore is an in-process Store for single-instance deployments.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStore creates a MemoryStore whose records expire after ttl.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:     ttl,
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (s *MemoryStore) Put(_ context.Context, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[record.ConnectionID] = memoryEntry{record: *record, expiresAt: s.now().Add(s.ttl)}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, connectionID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[connectionID]
	if !ok {
		return nil, nil
	}
	if s.now().After(e.expiresAt) {
		delete(s.entries, connectionID)
		return nil, nil
	}
	r := e.record
	return &r, nil
}

func (s *MemoryStore) Delete(_ context.Context, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, connectionID)
	return nil
}

func (s *MemoryStore) RefreshTTL(_ context.Context, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[connectionID]; ok {
		e.expiresAt = s.now().Add(s.ttl)
		s.entries[connectionID] = e
	}
	return nil
}
