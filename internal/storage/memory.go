package storage

import (
	"context"
	"sync"

	"followbot/internal/engine/followup"
)

// memoryStore keeps records in a plain map. Records go in and out by value,
// so callers never share state with the store.
type memoryStore struct {
	mu   sync.RWMutex
	recs map[string]followup.Record
}

func newMemory() *memoryStore {
	return &memoryStore{recs: map[string]followup.Record{}}
}

func (m *memoryStore) LoadRecord(_ context.Context, key string) (followup.Record, bool, error) {
	if key == "" {
		return followup.Record{}, false, followup.ErrEmptyKey
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.recs[key]
	return rec, ok, nil
}

func (m *memoryStore) SaveRecord(_ context.Context, rec followup.Record) error {
	if rec.Key == "" {
		return followup.ErrEmptyKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.Key] = rec
	return nil
}

func (m *memoryStore) DeleteRecord(_ context.Context, key string) error {
	if key == "" {
		return followup.ErrEmptyKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, key)
	return nil
}

func (m *memoryStore) Close() error { return nil }
