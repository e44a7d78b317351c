package codec

import (
	"context"
	"sync"
)

// MarkerStore 记录已成功落库的 (关联号, 编解码器) 组合，
// 保证重复投递的响应不会二次持久化或二次发布。
type MarkerStore interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}

// MemoryMarkerStore 是进程内的幂等标记实现，用于测试与单机部署。
type MemoryMarkerStore struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemoryMarkerStore() *MemoryMarkerStore {
	return &MemoryMarkerStore{seen: make(map[string]struct{})}
}

func (s *MemoryMarkerStore) Seen(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[key]
	return ok, nil
}

func (s *MemoryMarkerStore) Mark(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[key] = struct{}{}
	return nil
}
