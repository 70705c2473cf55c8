package memory

import (
	"context"
	"fmt"
	"sync"

	"apilogger/storage"
)

// Store implements an in-memory storage backend
type Store struct {
	mu      sync.RWMutex
	entries []storage.Entry
	index   map[string]int
}

// New creates a new in-memory store
func New() *Store {
	return &Store{
		index: make(map[string]int),
	}
}

// Append stores a batch of entries in memory
func (s *Store) Append(ctx context.Context, entries []storage.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		// Copy the line to avoid external modifications
		e.Line = append([]byte(nil), e.Line...)
		s.index[e.RequestID] = len(s.entries)
		s.entries = append(s.entries, e)
	}
	return nil
}

// Get retrieves the latest entry for a request ID
func (s *Store) Get(ctx context.Context, requestID string) (*storage.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, exists := s.index[requestID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, requestID)
	}

	result := s.entries[idx]
	return &result, nil
}

// List retrieves entries matching the query
func (s *Store) List(ctx context.Context, q storage.Query) ([]storage.Entry, int, error) {
	s.mu.RLock()
	snapshot := make([]storage.Entry, len(s.entries))
	copy(snapshot, s.entries)
	s.mu.RUnlock()

	page, total := storage.Filter(snapshot, q)
	return page, total, nil
}

// Len returns the number of stored entries
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close closes the store (no-op for memory store)
func (s *Store) Close() error {
	return nil
}
