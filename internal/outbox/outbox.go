package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	xerrors "OpenLLM-Orchestra/internal/errors"
	"OpenLLM-Orchestra/internal/notify"
)

// Status 表示发件箱条目的投递状态。
type Status string

const (
	// StatusPending 等待投递或等待下一次重试。
	StatusPending Status = "pending"
	// StatusDispatched 已成功投递。
	StatusDispatched Status = "dispatched"
	// StatusDead 重试耗尽，等待人工干预。
	StatusDead Status = "dead"
)

// Entry 是一条待出站的事件。写入与业务落库同处一个事务，
// 投递由中继异步完成。
type Entry struct {
	ID            string           `json:"id"`
	EventType     notify.EventType `json:"event_type"`
	Service       string           `json:"service"`
	CorrelationID string           `json:"correlation_id"`
	WorkID        string           `json:"work_id,omitempty"`
	Payload       json.RawMessage  `json:"payload,omitempty"`
	Status        Status           `json:"status"`
	Attempts      int              `json:"attempts"`
	MaxAttempts   int              `json:"max_attempts"`
	NextAttemptAt int64            `json:"next_attempt_at"`
	LastError     string           `json:"last_error,omitempty"`
	DispatchedAt  int64            `json:"dispatched_at,omitempty"`
	CreatedAt     int64            `json:"created_at"`
}

// Store 抽象发件箱的持久化。
type Store interface {
	Append(ctx context.Context, entry *Entry) error
	// ClaimDue 取出到期待投递的条目，旧的在前。
	ClaimDue(ctx context.Context, now int64, limit int) ([]*Entry, error)
	MarkDispatched(ctx context.Context, id string, at int64) error
	// MarkFailed 记录一次投递失败并安排下一次尝试；dead 为真时进入死信。
	MarkFailed(ctx context.Context, id string, lastError string, nextAttemptAt int64, dead bool) error
	// Reset 把条目拉回待投递状态并清零尝试计数。
	Reset(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*Entry, error)
	List(ctx context.Context, status Status, limit int) ([]*Entry, error)
	Close() error
}

const defaultMaxAttempts = 5

// Emitter 负责把出站事件写入发件箱。
type Emitter struct {
	store Store
}

func NewEmitter(store Store) *Emitter {
	return &Emitter{store: store}
}

// Emit 追加一条待投递事件。
func (e *Emitter) Emit(ctx context.Context, eventType notify.EventType, service, correlationID, workID string, payload map[string]any) error {
	var encoded json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化出站事件失败")
		}
		encoded = raw
	}
	now := time.Now().Unix()
	entry := &Entry{
		ID:            uuid.NewString(),
		EventType:     eventType,
		Service:       service,
		CorrelationID: correlationID,
		WorkID:        workID,
		Payload:       encoded,
		Status:        StatusPending,
		MaxAttempts:   defaultMaxAttempts,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	if err := e.store.Append(ctx, entry); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入发件箱失败")
	}
	return nil
}
