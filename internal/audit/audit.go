package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	xerrors "OpenLLM-Orchestra/internal/errors"
	"OpenLLM-Orchestra/pkg/logger"
)

// Kind 区分审计条目记录的是出站请求还是入站响应。
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
)

// Entry 是一条审计记录。Text 保存渲染后的提示词或回复正文，
// Payload 保存完整的请求或响应载荷。
type Entry struct {
	ID            string          `json:"id"`
	Kind          Kind            `json:"kind"`
	Service       string          `json:"service"`
	Target        string          `json:"target,omitempty"`
	CorrelationID string          `json:"correlation_id"`
	Text          string          `json:"text,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CreatedAt     int64           `json:"created_at"`
}

// Store 抽象审计记录的持久化。
type Store interface {
	Append(ctx context.Context, entry *Entry) error
	// RecentByTarget 返回某个目标最近的条目，新的在前。
	RecentByTarget(ctx context.Context, target string, kind Kind, limit int) ([]*Entry, error)
	// ByCorrelation 返回一次调用链路的全部条目，按时间升序。
	ByCorrelation(ctx context.Context, correlationID string) ([]*Entry, error)
	Close() error
}

// Recorder 把每次供应商交互写入审计存储，并同步落一份审计日志。
type Recorder struct {
	store Store
	log   *slog.Logger
}

func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store, log: logger.Audit()}
}

// RecordRequest 记录一次出站请求。
func (r *Recorder) RecordRequest(ctx context.Context, service, target, correlationID, prompt string, payload json.RawMessage) error {
	return r.record(ctx, &Entry{
		Kind:          KindRequest,
		Service:       service,
		Target:        target,
		CorrelationID: correlationID,
		Text:          prompt,
		Payload:       payload,
	})
}

// RecordResponse 记录一次入站响应。
func (r *Recorder) RecordResponse(ctx context.Context, service, target, correlationID, reply string, payload json.RawMessage) error {
	return r.record(ctx, &Entry{
		Kind:          KindResponse,
		Service:       service,
		Target:        target,
		CorrelationID: correlationID,
		Text:          reply,
		Payload:       payload,
	})
}

func (r *Recorder) record(ctx context.Context, entry *Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt == 0 {
		entry.CreatedAt = time.Now().Unix()
	}
	if err := r.store.Append(ctx, entry); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入审计记录失败")
	}
	r.log.Info("exchange recorded",
		"kind", string(entry.Kind),
		"service", entry.Service,
		"target", entry.Target,
		"correlation_id", entry.CorrelationID,
	)
	return nil
}

// RecentReplies 返回某个目标最近的回复正文，旧的在前，
// 供提示词组合的历史阶段使用。
func (r *Recorder) RecentReplies(ctx context.Context, target string, limit int) ([]string, error) {
	entries, err := r.store.RecentByTarget(ctx, target, KindResponse, limit)
	if err != nil {
		return nil, err
	}
	replies := make([]string, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Text != "" {
			replies = append(replies, entries[i].Text)
		}
	}
	return replies, nil
}

// Trace 返回一次调用链路的全部审计条目。
func (r *Recorder) Trace(ctx context.Context, correlationID string) ([]*Entry, error) {
	return r.store.ByCorrelation(ctx, correlationID)
}
