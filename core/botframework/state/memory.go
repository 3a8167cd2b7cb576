package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

type memoryEntry struct {
	value []byte
	etag  string
}

// MemoryStorage keeps items in process memory. State is lost on restart.
type MemoryStorage struct {
	mu      sync.RWMutex
	items   map[string]memoryEntry
	counter int64
}

// NewMemoryStorage constructs an empty in-memory store for development and tests.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{items: make(map[string]memoryEntry)}
}

// Read returns copies of the stored items for keys.
func (m *MemoryStorage) Read(_ context.Context, keys []string) (map[string]Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Item, len(keys))
	for _, k := range keys {
		entry, ok := m.items[k]
		if !ok {
			continue
		}
		out[k] = Item{Value: append(json.RawMessage(nil), entry.value...), ETag: entry.etag}
	}
	return out, nil
}

// Write stores changes after checking every etag, so a conflict leaves the store untouched.
func (m *MemoryStorage) Write(_ context.Context, changes map[string]Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, item := range changes {
		if !json.Valid(item.Value) {
			return fmt.Errorf("state: value for %q is not valid JSON", k)
		}
		if unconditional(item.ETag) {
			continue
		}
		if existing, ok := m.items[k]; ok && existing.etag != item.ETag {
			return fmt.Errorf("%w: key %q", ErrETagConflict, k)
		}
	}
	for k, item := range changes {
		m.counter++
		m.items[k] = memoryEntry{
			value: append([]byte(nil), item.Value...),
			etag:  formatETag(m.counter),
		}
	}
	return nil
}

// Delete removes keys from the store.
func (m *MemoryStorage) Delete(_ context.Context, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range keys {
		delete(m.items, k)
	}
	return nil
}

// Len reports the number of stored items.
func (m *MemoryStorage) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}
