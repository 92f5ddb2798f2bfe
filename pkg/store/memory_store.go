package store

import (
	"context"
	"sync"
)

// MemoryStore keeps records in-process. It does not survive restarts.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[Collection]map[string][]byte
	seq     map[Collection]int64
}

// NewMemoryStore initializes an empty in-memory store with every collection provisioned.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		records: make(map[Collection]map[string][]byte),
		seq:     make(map[Collection]int64),
	}
	for _, c := range Collections {
		m.records[c] = make(map[string][]byte)
	}
	return m
}

func (m *MemoryStore) Put(_ context.Context, c Collection, key string, value any) error {
	if err := validCollection(c); err != nil {
		return err
	}
	data, err := encode(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.records[c][key] = data
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, c Collection, key string, out any) (bool, error) {
	if err := validCollection(c); err != nil {
		return false, err
	}
	m.mu.RLock()
	data, ok := m.records[c][key]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return true, decodeInto(data, out)
}

func (m *MemoryStore) GetAll(_ context.Context, c Collection) ([]Record, error) {
	if err := validCollection(c); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]Record, 0, len(m.records[c]))
	for key, data := range m.records[c] {
		cp := make([]byte, len(data))
		copy(cp, data)
		res = append(res, Record{Key: key, Data: cp})
	}
	return res, nil
}

func (m *MemoryStore) Delete(_ context.Context, c Collection, key string) error {
	if err := validCollection(c); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.records[c], key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Clear(_ context.Context, c Collection) error {
	if err := validCollection(c); err != nil {
		return err
	}
	m.mu.Lock()
	m.records[c] = make(map[string][]byte)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Append(_ context.Context, c Collection, build func(id int64) any) (int64, error) {
	if err := validCollection(c); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.seq[c] + 1
	data, err := encode(build(id))
	if err != nil {
		return 0, err
	}
	m.seq[c] = id
	m.records[c][AppendKey(id)] = data
	return id, nil
}

func (m *MemoryStore) ClearAll(ctx context.Context) error {
	for _, c := range Collections {
		if err := m.Clear(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) Close() error { return nil }
