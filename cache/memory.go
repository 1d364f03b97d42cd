package cache

import (
	"context"
	"sort"
	"sync"
)

// MemStore keeps all tables in process memory.
type MemStore struct {
	mutex    *sync.RWMutex
	tables   map[string]*memTable
	settings map[string]string
}

func NewMemStore() *MemStore {
	return &MemStore{
		mutex:    &sync.RWMutex{},
		tables:   make(map[string]*memTable),
		settings: make(map[string]string),
	}
}

func (m *MemStore) Open(ctx context.Context, version string) (Table, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if t, ok := m.tables[version]; ok {
		return t, nil
	}
	t := &memTable{
		version: version,
		mutex:   &sync.RWMutex{},
		db:      make(map[string]Resource),
	}
	m.tables[version] = t
	return t, nil
}

func (m *MemStore) Versions(ctx context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	versions := make([]string, 0, len(m.tables))
	for version := range m.tables {
		versions = append(versions, version)
	}
	sort.Strings(versions)
	return versions, nil
}

func (m *MemStore) Delete(ctx context.Context, version string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	t, ok := m.tables[version]
	if !ok {
		return false, nil
	}
	delete(m.tables, version)
	t.drop()
	return true, nil
}

func (m *MemStore) Close() error {
	return nil
}

func (m *MemStore) Setting(ctx context.Context, name string) (string, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	value, ok := m.settings[name]
	return value, ok, nil
}

func (m *MemStore) SetSetting(ctx context.Context, name, value string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.settings[name] = value
	return nil
}

type memTable struct {
	version string
	mutex   *sync.RWMutex
	db      map[string]Resource
	deleted bool
}

func (t *memTable) Version() string {
	return t.version
}

func (t *memTable) Get(ctx context.Context, key string) (Resource, bool, error) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	res, ok := t.db[key]
	if !ok {
		return Resource{}, false, nil
	}
	return res.Clone(), true, nil
}

func (t *memTable) Put(ctx context.Context, key string, res Resource) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.deleted {
		return ErrTableDeleted
	}
	t.db[key] = res.Clone()
	return nil
}

func (t *memTable) Keys(ctx context.Context) ([]string, error) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	keys := make([]string, 0, len(t.db))
	for key := range t.db {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (t *memTable) drop() {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.deleted = true
	t.db = make(map[string]Resource)
}
