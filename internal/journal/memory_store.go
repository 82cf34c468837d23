package journal

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory journal for development and tests.
type MemoryStore struct {
	records map[string]*Record
	mu      sync.RWMutex
}

// NewMemoryStore creates an empty in-memory journal.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (m *MemoryStore) Upsert(ctx context.Context, r *Record) error {
	cp := *r
	normalize(&cp)

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.records[cp.Address]; ok {
		existing.Phase = cp.Phase
		if cp.ApproveTx != "" {
			existing.ApproveTx = cp.ApproveTx
		}
		existing.UpdatedAt = cp.UpdatedAt
		return nil
	}
	m.records[cp.Address] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, address string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[strings.ToLower(address)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) List(ctx context.Context, account string, limit int, opts ...ListOption) ([]*Record, error) {
	o := applyListOpts(opts)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, r := range m.records {
		if account != "" && !r.Involves(account) {
			continue
		}
		if !o.admits(r) {
			continue
		}
		cp := *r
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].Address > result[j].Address
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit = fetchLimit(limit); len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
