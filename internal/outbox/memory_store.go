package outbox

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	xerrors "OpenLLM-Orchestra/internal/errors"
)

// MemoryStore 以内存方式保存发件箱条目，主要用于测试与单机部署。
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

func (m *MemoryStore) Append(_ context.Context, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry == nil || entry.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "发件箱条目缺少 ID")
	}
	if _, ok := m.entries[entry.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "发件箱条目已存在")
	}
	if entry.CreatedAt == 0 {
		entry.CreatedAt = time.Now().Unix()
	}
	m.entries[entry.ID] = cloneEntry(entry)
	return nil
}

func (m *MemoryStore) ClaimDue(_ context.Context, now int64, limit int) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 32
	}
	due := make([]*Entry, 0, limit)
	for _, entry := range m.entries {
		if entry.Status != StatusPending || entry.NextAttemptAt > now {
			continue
		}
		due = append(due, cloneEntry(entry))
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextAttemptAt == due[j].NextAttemptAt {
			return due[i].ID < due[j].ID
		}
		return due[i].NextAttemptAt < due[j].NextAttemptAt
	})
	if len(due) > limit {
		due = due[:limit]
	}
	// 认领即递增尝试计数，避免并发中继重复投递。
	for _, claimed := range due {
		entry := m.entries[claimed.ID]
		entry.Attempts++
		entry.NextAttemptAt = now + int64((5 * time.Minute).Seconds())
		claimed.Attempts = entry.Attempts
	}
	return due, nil
}

func (m *MemoryStore) MarkDispatched(_ context.Context, id string, at int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, "发件箱条目不存在")
	}
	entry.Status = StatusDispatched
	entry.DispatchedAt = at
	entry.LastError = ""
	return nil
}

func (m *MemoryStore) MarkFailed(_ context.Context, id string, lastError string, nextAttemptAt int64, dead bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, "发件箱条目不存在")
	}
	entry.LastError = lastError
	entry.NextAttemptAt = nextAttemptAt
	if dead {
		entry.Status = StatusDead
	} else {
		entry.Status = StatusPending
	}
	return nil
}

func (m *MemoryStore) Reset(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, "发件箱条目不存在")
	}
	entry.Status = StatusPending
	entry.Attempts = 0
	entry.LastError = ""
	entry.NextAttemptAt = time.Now().Unix()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "发件箱条目不存在")
	}
	return cloneEntry(entry), nil
}

func (m *MemoryStore) List(_ context.Context, status Status, limit int) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 32
	}
	results := make([]*Entry, 0, limit)
	for _, entry := range m.entries {
		if status != "" && entry.Status != status {
			continue
		}
		results = append(results, cloneEntry(entry))
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt == results[j].CreatedAt {
			return results[i].ID < results[j].ID
		}
		return results[i].CreatedAt < results[j].CreatedAt
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (m *MemoryStore) Close() error { return nil }

func cloneEntry(entry *Entry) *Entry {
	clone := *entry
	clone.Payload = append(json.RawMessage(nil), entry.Payload...)
	return &clone
}

var _ Store = (*MemoryStore)(nil)
