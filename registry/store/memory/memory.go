// Package memory provides an in-memory registry store for development and
// tests.
package memory

import (
	"context"
	"sync"

	"goa.design/flow/registry/store"
)

// Store keeps entries in process memory. It is safe for concurrent use and
// hands out deep copies so callers never share state with the store.
type Store struct {
	mu      sync.RWMutex
	entries map[store.Kind]map[string]*store.Entry
}

var _ store.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{entries: make(map[store.Kind]map[string]*store.Entry)}
}

// Load returns a copy of the entry for (kind, id).
func (s *Store) Load(ctx context.Context, kind store.Kind, id string) (*store.Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[kind][id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return entry.Clone(), nil
}

// Save stores a copy of the entry under (kind, entry.ID).
func (s *Store) Save(ctx context.Context, kind store.Kind, entry *store.Entry) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.entries[kind]
	if !ok {
		byID = make(map[string]*store.Entry)
		s.entries[kind] = byID
	}
	byID[entry.ID] = entry.Clone()
	return nil
}

// Delete removes the entry for (kind, id).
func (s *Store) Delete(ctx context.Context, kind store.Kind, id string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[kind][id]; !ok {
		return store.ErrNotFound
	}
	delete(s.entries[kind], id)
	return nil
}

// List returns the ids of all entries of the kind.
func (s *Store) List(ctx context.Context, kind store.Kind) ([]string, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.entries[kind]))
	for id := range s.entries[kind] {
		ids = append(ids, id)
	}
	return ids, nil
}
