package cache

import (
	"context"
	"sync"
)

// MemStorage keeps all caches in memory.
type MemStorage struct {
	mutex  *sync.RWMutex
	caches map[string]*MemCache
	order  []string
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		mutex:  &sync.RWMutex{},
		caches: make(map[string]*MemCache),
	}
}

func (m *MemStorage) Open(ctx context.Context, name string) (Cache, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if c, ok := m.caches[name]; ok {
		return c, nil
	}
	c := NewMemCache(name)
	m.caches[name] = c
	m.order = append(m.order, name)
	return c, nil
}

func (m *MemStorage) Has(ctx context.Context, name string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.caches[name]
	return ok, nil
}

func (m *MemStorage) Delete(ctx context.Context, name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	c, ok := m.caches[name]
	if !ok {
		return false, nil
	}
	c.clear()
	delete(m.caches, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (m *MemStorage) Names(ctx context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, len(m.order))
	copy(names, m.order)
	return names, nil
}

// MemCache is an in-memory named cache.
type MemCache struct {
	name  string
	mutex *sync.RWMutex
	db    map[string]Entry
	keys  []string
}

func NewMemCache(name string) *MemCache {
	return &MemCache{
		name:  name,
		mutex: &sync.RWMutex{},
		db:    make(map[string]Entry),
	}
}

func (m *MemCache) Name() string {
	return m.name
}

func (m *MemCache) Match(ctx context.Context, key string, opts MatchOptions) (Entry, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if !opts.IgnoreSearch {
		entry, ok := m.db[key]
		return entry, ok, nil
	}
	base := stripSearch(key)
	for _, k := range m.keys {
		if stripSearch(k) == base {
			return m.db[k], true, nil
		}
	}
	return Entry{}, false, nil
}

func (m *MemCache) Put(ctx context.Context, entry Entry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.db[entry.Key]; ok {
		m.removeKey(entry.Key)
	}
	m.db[entry.Key] = entry
	m.keys = append(m.keys, entry.Key)
	return nil
}

func (m *MemCache) Delete(ctx context.Context, key string, opts MatchOptions) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if !opts.IgnoreSearch {
		if _, ok := m.db[key]; !ok {
			return false, nil
		}
		delete(m.db, key)
		m.removeKey(key)
		return true, nil
	}
	base := stripSearch(key)
	deleted := false
	for _, k := range append([]string(nil), m.keys...) {
		if stripSearch(k) == base {
			delete(m.db, k)
			m.removeKey(k)
			deleted = true
		}
	}
	return deleted, nil
}

func (m *MemCache) Keys(ctx context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	keys := make([]string, len(m.keys))
	copy(keys, m.keys)
	return keys, nil
}

func (m *MemCache) clear() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.db = make(map[string]Entry)
	m.keys = nil
}

// removeKey must be called with the write lock held.
func (m *MemCache) removeKey(key string) {
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			return
		}
	}
}
