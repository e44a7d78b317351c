package dispatch

import (
	"encoding/json"
	stdErrors "errors"

	xerrors "OpenLLM-Orchestra/internal/errors"
)

// Status 表示执行单元在生命周期中的状态。
type Status string

const (
	StatusPlanned   Status = "planned"
	StatusEnqueued  Status = "enqueued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Work 描述一次服务调用的执行单元。同步与异步路径共用同一结构，
// 异步路径额外经过持久化与队列投递。
type Work struct {
	ID            string          `json:"id"`
	Service       string          `json:"service"`
	CorrelationID string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	Backend       string          `json:"backend"`
	Priority      int             `json:"priority"`
	RunAfter      int64           `json:"run_after,omitempty"`
	Status        Status          `json:"status"`
	Attempts      int             `json:"attempts"`
	MaxRetries    int             `json:"max_retries"`
	LastError     string          `json:"last_error,omitempty"`
	ErrorCode     string          `json:"error_code,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	CreatedAt     int64           `json:"created_at"`
	UpdatedAt     int64           `json:"updated_at"`
}

var (
	// ErrWorkNotFound 表示指定的执行单元不存在。
	ErrWorkNotFound = xerrors.New(CodeWorkNotFound, "work not found")
	// ErrWorkConflict 表示执行单元在当前状态下无法进行所请求的操作。
	ErrWorkConflict = xerrors.New(CodeWorkConflict, "work conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrWorkCompleted 表示执行单元已经成功完成。
	ErrWorkCompleted = xerrors.New(CodeWorkCompleted, "work already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrWorkExhausted 表示执行单元的重试次数已经耗尽。
	ErrWorkExhausted = xerrors.New(CodeWorkExhausted, "work retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeWorkNotFound   xerrors.Code = "WORK_NOT_FOUND"
	CodeWorkConflict   xerrors.Code = "WORK_CONFLICT"
	CodeWorkCompleted  xerrors.Code = "WORK_COMPLETED"
	CodeWorkExhausted  xerrors.Code = "WORK_RETRIES_EXHAUSTED"
	CodeWorkValidation xerrors.Code = "WORK_VALIDATION_FAILED"
	CodeWorkPublish    xerrors.Code = "WORK_PUBLISH_FAILED"
	CodeDispatchFailed xerrors.Code = "DISPATCH_FAILED"
)

func init() {
	xerrors.Register(CodeWorkNotFound, xerrors.Attributes{
		Message:   "work not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeWorkConflict, xerrors.Attributes{
		Message:   "work conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeWorkCompleted, xerrors.Attributes{
		Message:   "work already completed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeWorkExhausted, xerrors.Attributes{
		Message:   "work retries exhausted",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeWorkValidation, xerrors.Attributes{
		Message:   "work validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeWorkPublish, xerrors.Attributes{
		Message:   "failed to publish work",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeDispatchFailed, xerrors.Attributes{
		Message:   "work execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// IsWorkError 判断错误是否为统一执行单元错误。
func IsWorkError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	if stdErrors.Is(err, ErrWorkNotFound) {
		return target == CodeWorkNotFound
	}
	if stdErrors.Is(err, ErrWorkConflict) {
		return target == CodeWorkConflict
	}
	if stdErrors.Is(err, ErrWorkCompleted) {
		return target == CodeWorkCompleted
	}
	if stdErrors.Is(err, ErrWorkExhausted) {
		return target == CodeWorkExhausted
	}
	return false
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}

// IsValidStatus 检查给定的状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPlanned, StatusEnqueued, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}
