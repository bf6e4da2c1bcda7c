package state

import (
	"context"
	"encoding/json"
	"sync"
)

// FaultFunc is consulted before each operation. A non-nil result fails the
// operation without touching the data.
type FaultFunc func(op string, keys []string) error

// MemoryStore keeps entries in a map. It backs the session area and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]json.RawMessage

	faultMu sync.RWMutex
	fault   FaultFunc
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]json.RawMessage)}
}

// SetFault installs a fault hook. The hook runs outside the store lock, so
// it may call back into the store.
func (m *MemoryStore) SetFault(fn FaultFunc) {
	m.faultMu.Lock()
	defer m.faultMu.Unlock()
	m.fault = fn
}

func (m *MemoryStore) inject(op string, keys []string) error {
	m.faultMu.RLock()
	fn := m.fault
	m.faultMu.RUnlock()
	if fn == nil {
		return nil
	}
	return transient(op, firstKey(keys), fn(op, keys))
}

// Get returns copies of the stored values.
func (m *MemoryStore) Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error) {
	if err := m.inject("get", keys); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		if v, ok := m.entries[k]; ok {
			out[k] = cloneRaw(v)
		}
	}
	return out, nil
}

// GetAll returns a copy of every entry.
func (m *MemoryStore) GetAll(ctx context.Context) (map[string]json.RawMessage, error) {
	if err := m.inject("get_all", nil); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]json.RawMessage, len(m.entries))
	for k, v := range m.entries {
		out[k] = cloneRaw(v)
	}
	return out, nil
}

// Set stores copies of entries.
func (m *MemoryStore) Set(ctx context.Context, entries map[string]json.RawMessage) error {
	if err := m.inject("set", entryKeys(entries)); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, v := range entries {
		m.entries[k] = cloneRaw(v)
	}
	return nil
}

// Remove deletes keys.
func (m *MemoryStore) Remove(ctx context.Context, keys ...string) error {
	if err := m.inject("remove", keys); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

// BytesInUse sums EntrySize over keys or the whole store.
func (m *MemoryStore) BytesInUse(ctx context.Context, keys ...string) (int64, error) {
	if err := m.inject("bytes_in_use", keys); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	if len(keys) == 0 {
		for k, v := range m.entries {
			total += EntrySize(k, v)
		}
		return total, nil
	}
	for _, k := range keys {
		if v, ok := m.entries[k]; ok {
			total += EntrySize(k, v)
		}
	}
	return total, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}

// Len returns the entry count.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
