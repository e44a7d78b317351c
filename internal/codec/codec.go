package codec

import (
	"context"

	xerrors "OpenLLM-Orchestra/internal/errors"
	"OpenLLM-Orchestra/internal/identity"
	"OpenLLM-Orchestra/internal/schema"
)

// Kind 是编解码器在身份注册表中的 kind 段。
const Kind = "codec"

const (
	// CodeDecodeFailed 响应中存在候选值但无法按 schema 解码。
	CodeDecodeFailed xerrors.Code = "CODEC_DECODE_FAILED"
	// CodeResolutionFailed 按身份与回退链找不到可用的编解码器。
	CodeResolutionFailed xerrors.Code = "CODEC_RESOLUTION_FAILED"
)

func init() {
	xerrors.Register(CodeDecodeFailed, xerrors.Attributes{
		Message:   "failed to decode structured response",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeResolutionFailed, xerrors.Attributes{
		Message:   "no codec registered for identity",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// Codec 负责把归一化响应中的结构化值落库并对外发布。
// 实现必须幂等安全：Persist 与 Emit 可能因重试被跳过但不会被重复调用。
type Codec interface {
	Identity() identity.Identity
	// Schema 返回期望的结构化输出 schema，nil 表示不强制。
	Schema() *schema.Definition
	// Restructure 在校验前重整候选值（字段改名、包裹层剥离等）。
	Restructure(value map[string]any) (map[string]any, error)
	Persist(ctx context.Context, correlationID string, value map[string]any) error
	Emit(ctx context.Context, correlationID string, value map[string]any) error
}

// Base 是可配置的编解码器实现，未设置的环节为空操作。
type Base struct {
	Key             identity.Identity
	Definition      *schema.Definition
	RestructureFunc func(map[string]any) (map[string]any, error)
	PersistFunc     func(ctx context.Context, correlationID string, value map[string]any) error
	EmitFunc        func(ctx context.Context, correlationID string, value map[string]any) error
}

var _ Codec = (*Base)(nil)

func (b *Base) Identity() identity.Identity { return b.Key }

func (b *Base) Schema() *schema.Definition { return b.Definition }

func (b *Base) Restructure(value map[string]any) (map[string]any, error) {
	if b.RestructureFunc == nil {
		return value, nil
	}
	return b.RestructureFunc(value)
}

func (b *Base) Persist(ctx context.Context, correlationID string, value map[string]any) error {
	if b.PersistFunc == nil {
		return nil
	}
	return b.PersistFunc(ctx, correlationID, value)
}

func (b *Base) Emit(ctx context.Context, correlationID string, value map[string]any) error {
	if b.EmitFunc == nil {
		return nil
	}
	return b.EmitFunc(ctx, correlationID, value)
}

// NewRegistry 创建编解码器注册表。
func NewRegistry(policy identity.Policy) *identity.Registry[Codec] {
	return identity.NewRegistry[Codec]("codec", policy)
}

// Key 构造编解码器的注册身份，如 ("billing", "codec", "invoice")。
func Key(namespace, name string) identity.Identity {
	return identity.Identity{Namespace: namespace, Kind: Kind, Name: name}
}

// Register 把编解码器按自身身份登记进注册表。
func Register(reg *identity.Registry[Codec], c Codec) error {
	return reg.Register(c.Identity(), c)
}
