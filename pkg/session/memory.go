package session

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for unit tests. It honors the per-key
// serialization contract with a single mutex but provides no durability.
type MemoryStore struct {
	mu      sync.Mutex
	records map[Key]*Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[Key]*Record)}
}

func (m *MemoryStore) Load(_ context.Context, key Key) (*Record, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return record.Clone(), nil
}

func (m *MemoryStore) Save(_ context.Context, record *Record) error {
	if err := record.Key.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.records[record.Key] = record.Clone()
	return nil
}

func (m *MemoryStore) ListByInstance(_ context.Context, tenantID, instanceID string) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var records []*Record
	for key, record := range m.records {
		if key.TenantID == tenantID && key.InstanceID == instanceID {
			records = append(records, record.Clone())
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].UpdatedAt.After(records[j].UpdatedAt)
	})
	return records, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
