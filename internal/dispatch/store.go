package dispatch

import (
	"context"
	"encoding/json"

	xerrors "OpenLLM-Orchestra/internal/errors"
)

// Store 抽象了执行单元状态的持久化接口。
type Store interface {
	Create(ctx context.Context, work *Work) error
	Get(ctx context.Context, id string) (*Work, error)
	// Claim 把执行单元置为运行中并递增尝试次数。
	// 已成功返回 ErrWorkCompleted，运行中返回 ErrWorkConflict，
	// 尝试次数耗尽返回 ErrWorkExhausted。
	Claim(ctx context.Context, id string) (*Work, error)
	MarkSucceeded(ctx context.Context, id string, result json.RawMessage) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	List(ctx context.Context, opts ListOptions) ([]*Work, error)
	Stats(ctx context.Context, opts ListOptions) (WorkStats, error)
	Close() error
}

// WorkStats 汇总符合过滤条件的执行单元数量与更新时间范围。
type WorkStats struct {
	Total           int   `json:"total"`
	Planned         int   `json:"planned"`
	Enqueued        int   `json:"enqueued"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at"`
	NewestUpdatedAt int64 `json:"newest_updated_at"`
}
