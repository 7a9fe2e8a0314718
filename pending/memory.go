package pending

import (
	"sync"
	"time"
)

// MemoryStore is a Store kept in memory.
type MemoryStore struct {
	mu      sync.Mutex
	records map[Key]*Record
	closed  bool
}

// A compile time check to ensure MemoryStore implements the Store interface.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[Key]*Record),
	}
}

// Put stores a record under the given key.
func (m *MemoryStore) Put(key Key, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	if _, ok := m.records[key]; ok {
		return ErrDuplicate
	}

	recCopy := *rec
	m.records[key] = &recCopy

	return nil
}

// Take returns and removes the record stored under key.
func (m *MemoryStore) Take(key Key) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	rec, ok := m.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.records, key)

	return rec, nil
}

// Expire removes all records created before cutoff.
func (m *MemoryStore) Expire(cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStoreClosed
	}

	var numExpired int
	for key, rec := range m.records {
		if rec.CreatedAt.Before(cutoff) {
			delete(m.records, key)
			numExpired++
		}
	}

	return numExpired, nil
}

// Len returns the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.records)
}

// Close marks the store as closed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true

	return nil
}
