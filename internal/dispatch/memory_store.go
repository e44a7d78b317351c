package dispatch

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	xerrors "OpenLLM-Orchestra/internal/errors"
)

// MemoryStore 以内存方式保存执行单元状态，主要用于测试与单机部署。
type MemoryStore struct {
	mu    sync.RWMutex
	works map[string]*Work
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{works: make(map[string]*Work)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, work *Work) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if work == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "work 不能为空")
	}
	if work.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "执行单元 ID 不能为空")
	}
	if _, ok := m.works[work.ID]; ok {
		return ErrWorkConflict
	}
	now := time.Now().Unix()
	if work.CreatedAt == 0 {
		work.CreatedAt = now
	}
	work.UpdatedAt = now
	m.works[work.ID] = cloneWork(work)
	return nil
}

// Get 返回执行单元。
func (m *MemoryStore) Get(_ context.Context, id string) (*Work, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	work, ok := m.works[id]
	if !ok {
		return nil, ErrWorkNotFound
	}
	return cloneWork(work), nil
}

// Claim 将执行单元置为运行中。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Work, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	work, ok := m.works[id]
	if !ok {
		return nil, ErrWorkNotFound
	}
	switch work.Status {
	case StatusSucceeded:
		return cloneWork(work), ErrWorkCompleted
	case StatusRunning:
		return cloneWork(work), ErrWorkConflict
	}
	if work.Attempts >= work.MaxRetries {
		return cloneWork(work), ErrWorkExhausted
	}
	work.Status = StatusRunning
	work.Attempts++
	work.LastError = ""
	work.ErrorCode = ""
	work.UpdatedAt = time.Now().Unix()
	return cloneWork(work), nil
}

// MarkSucceeded 记录成功结果。
func (m *MemoryStore) MarkSucceeded(_ context.Context, id string, result json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	work, ok := m.works[id]
	if !ok {
		return ErrWorkNotFound
	}
	work.Status = StatusSucceeded
	work.Result = append(json.RawMessage(nil), result...)
	work.LastError = ""
	work.ErrorCode = ""
	work.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkFailed 标记执行单元失败。terminal 为假时状态回到 planned 等待重试。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	work, ok := m.works[id]
	if !ok {
		return ErrWorkNotFound
	}
	if terminal {
		work.Status = StatusFailed
	} else {
		work.Status = StatusPlanned
	}
	work.LastError = lastError
	work.ErrorCode = string(code)
	work.UpdatedAt = time.Now().Unix()
	return nil
}

// List 返回最近的执行单元。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Work, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Work, 0, len(m.works))
	for _, work := range m.works {
		if !matchesListFilters(work, opts) {
			continue
		}
		results = append(results, cloneWork(work))
	}

	sort.Slice(results, func(i, j int) bool {
		if opts.Order == SortByUpdatedAsc {
			if results[i].UpdatedAt == results[j].UpdatedAt {
				if results[i].CreatedAt == results[j].CreatedAt {
					return results[i].ID < results[j].ID
				}
				return results[i].CreatedAt < results[j].CreatedAt
			}
			return results[i].UpdatedAt < results[j].UpdatedAt
		}
		if results[i].UpdatedAt == results[j].UpdatedAt {
			if results[i].CreatedAt == results[j].CreatedAt {
				return results[i].ID < results[j].ID
			}
			return results[i].CreatedAt > results[j].CreatedAt
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			return nil, nil
		}
		results = results[opts.Offset:]
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的执行单元数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (WorkStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := WorkStats{}
	for _, work := range m.works {
		if !matchesListFilters(work, opts) {
			continue
		}
		stats.Total++
		switch work.Status {
		case StatusPlanned:
			stats.Planned++
		case StatusEnqueued:
			stats.Enqueued++
		case StatusRunning:
			stats.Running++
		case StatusSucceeded:
			stats.Succeeded++
		case StatusFailed:
			stats.Failed++
		}
		if work.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = work.UpdatedAt
		}
		if stats.OldestUpdatedAt == 0 || (work.UpdatedAt != 0 && work.UpdatedAt < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = work.UpdatedAt
		}
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func cloneWork(work *Work) *Work {
	clone := *work
	clone.Metadata = cloneMetadata(work.Metadata)
	clone.Payload = append(json.RawMessage(nil), work.Payload...)
	clone.Result = append(json.RawMessage(nil), work.Result...)
	return &clone
}

func matchesListFilters(work *Work, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if work.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if len(opts.Services) > 0 {
		matched := false
		for _, service := range opts.Services {
			if work.Service == service {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.UpdatedGTE > 0 && work.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && work.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	if opts.HasResult != nil && (len(work.Result) > 0) != *opts.HasResult {
		return false
	}
	return true
}

var _ Store = (*MemoryStore)(nil)
