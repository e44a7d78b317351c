package audit

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// MemoryStore 以内存方式保存审计记录，主要用于测试与单机部署。
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
	// cap 超出后淘汰最老的记录，零表示不设上限。
	cap int
}

func NewMemoryStore(cap int) *MemoryStore {
	return &MemoryStore{cap: cap}
}

func (m *MemoryStore) Append(_ context.Context, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, cloneEntry(entry))
	if m.cap > 0 && len(m.entries) > m.cap {
		m.entries = m.entries[len(m.entries)-m.cap:]
	}
	return nil
}

func (m *MemoryStore) RecentByTarget(_ context.Context, target string, kind Kind, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 10
	}
	results := make([]*Entry, 0, limit)
	for i := len(m.entries) - 1; i >= 0 && len(results) < limit; i-- {
		entry := m.entries[i]
		if entry.Target != target || entry.Kind != kind {
			continue
		}
		results = append(results, cloneEntry(entry))
	}
	return results, nil
}

func (m *MemoryStore) ByCorrelation(_ context.Context, correlationID string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var results []*Entry
	for _, entry := range m.entries {
		if entry.CorrelationID == correlationID {
			results = append(results, cloneEntry(entry))
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].CreatedAt < results[j].CreatedAt
	})
	return results, nil
}

func (m *MemoryStore) Close() error { return nil }

func cloneEntry(entry *Entry) *Entry {
	clone := *entry
	clone.Payload = append(json.RawMessage(nil), entry.Payload...)
	return &clone
}

var _ Store = (*MemoryStore)(nil)
