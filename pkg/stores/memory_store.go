package stores

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and dry runs. It honors the
// same compare-and-swap contract as the durable backends.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*StateRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*StateRecord)}
}

// Init implements Store. No-op for the in-memory backend.
func (s *MemoryStore) Init(_ context.Context) error { return nil }

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (*StateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return rec.Clone(), nil
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, rec *StateRecord, expectedVersion int64) (*StateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	cur, exists := s.records[rec.ID]

	if expectedVersion == 0 {
		if exists {
			return nil, ErrStaleState
		}
		cp := rec.Clone()
		cp.Version = 1
		cp.CreatedAt = now
		cp.UpdatedAt = now
		s.records[cp.ID] = cp
		return cp.Clone(), nil
	}

	if !exists {
		return nil, ErrRecordNotFound
	}
	if cur.Version != expectedVersion {
		return nil, ErrStaleState
	}
	cp := rec.Clone()
	cp.Version = cur.Version + 1
	cp.CreatedAt = cur.CreatedAt
	cp.UpdatedAt = now
	s.records[cp.ID] = cp
	return cp.Clone(), nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, id string, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists := s.records[id]
	if !exists {
		return ErrRecordNotFound
	}
	if cur.Version != expectedVersion {
		return ErrStaleState
	}
	delete(s.records, id)
	return nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context) ([]*StateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*StateRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
