package storage

import (
	"strings"
	"sync"
)

// MemoryDB is a volatile DB used by tests and the --store-inmemory
// mode. Safe for concurrent use; values are copied on the way in and
// out so callers cannot alias the stored bytes.
type MemoryDB struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory creates an empty in-memory database.
func NewMemory() *MemoryDB {
	return &MemoryDB{
		data: make(map[string][]byte),
	}
}

// Put stores a copy of value under key.
func (m *MemoryDB) Put(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(key)] = append([]byte(nil), value...)
	return nil
}

// Delete removes a key.
func (m *MemoryDB) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key))
	return nil
}

// ForEach calls fn for every key with the given prefix.
func (m *MemoryDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	m.mu.RLock()
	matched := make(map[string][]byte)
	p := string(prefix)
	for k, v := range m.data {
		if strings.HasPrefix(k, p) {
			matched[k] = append([]byte(nil), v...)
		}
	}
	m.mu.RUnlock()

	// Iterate outside the lock so fn may call back into the DB.
	for k, v := range matched {
		if err := fn([]byte(k), v); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the database. No-op for the in-memory backend.
func (m *MemoryDB) Close() error {
	return nil
}
