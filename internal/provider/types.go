package provider

import (
	"context"
	"encoding/json"

	xerrors "OpenLLM-Orchestra/internal/errors"
	"OpenLLM-Orchestra/internal/identity"
	"OpenLLM-Orchestra/internal/schema"
)

// Role 是输出条目的角色。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType 是输出内容块的类型。
type PartType string

const (
	PartText       PartType = "text"
	PartToolResult PartType = "tool_result"
	PartAttachment PartType = "attachment"
)

// Part 是输出条目中的一个类型化内容块。
type Part struct {
	Type       PartType        `json:"type"`
	Text       string          `json:"text,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Name       string          `json:"name,omitempty"`
	MediaType  string          `json:"media_type,omitempty"`
	URI        string          `json:"uri,omitempty"`
}

// Item 是规范响应中的一个输出条目。
type Item struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// Message 是发往供应商的一条对话消息。
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ToolDef 描述请求中携带的工具。
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolCall 是供应商发起的一次工具调用。
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Usage 汇总一次调用的令牌消耗。
type Usage struct {
	InputTokens     int `json:"input_tokens"`
	OutputTokens    int `json:"output_tokens"`
	ReasoningTokens int `json:"reasoning_tokens"`
}

// Request 是发送给供应商的规范请求。服务增量构建，发出后不可再变。
type Request struct {
	Model          string             `json:"model"`
	Messages       []Message          `json:"messages"`
	Tools          []ToolDef          `json:"tools,omitempty"`
	ResponseSchema *schema.Definition `json:"response_schema,omitempty"`
	Stream         bool               `json:"stream,omitempty"`
	CorrelationID  string             `json:"correlation_id"`
	Metadata       map[string]any     `json:"metadata,omitempty"`

	// promotions 记录覆盖表实际替换过的字段，Demote 据此精确还原，
	// 不会误伤本来就以供应商类型名声明的字段。
	promotions map[string]promotedField
}

// promotedField 保存一个字段被替换前的原始类型名。
type promotedField struct {
	typ           string
	items         string
	typeReplaced  bool
	itemsReplaced bool
}

// Clone 返回请求的深拷贝，供 schema 覆盖在不污染原请求的前提下替换类型。
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Messages = append([]Message{}, r.Messages...)
	clone.Tools = append([]ToolDef{}, r.Tools...)
	clone.ResponseSchema = r.ResponseSchema.Clone()
	if r.Metadata != nil {
		clone.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			clone.Metadata[k] = v
		}
	}
	if r.promotions != nil {
		clone.promotions = make(map[string]promotedField, len(r.promotions))
		for k, v := range r.promotions {
			clone.promotions[k] = v
		}
	}
	return &clone
}

// Response 是供应商无关的规范响应。
type Response struct {
	Output        []Item          `json:"output"`
	Usage         Usage           `json:"usage"`
	ToolCalls     []ToolCall      `json:"tool_calls,omitempty"`
	ProviderMeta  map[string]any  `json:"provider_meta,omitempty"`
	CorrelationID string          `json:"correlation_id"`
	// Structured 是供应商原生的结构化输出字段（如有），编解码器优先取用。
	Structured map[string]any `json:"structured,omitempty"`
	// Raw 保留原始载荷，仅用于审计。
	Raw json.RawMessage `json:"raw,omitempty"`
}

// PrimaryText 返回响应的首个文本内容，便于流式拼装与日志。
func (r *Response) PrimaryText() string {
	if r == nil {
		return ""
	}
	for _, item := range r.Output {
		for _, part := range item.Parts {
			if part.Type == PartText && part.Text != "" {
				return part.Text
			}
		}
	}
	return ""
}

// Chunk 是流式调用产出的一个增量。
type Chunk struct {
	Text string
	Done bool
	Err  error
}

// Provider 是模型供应商的统一接口。实现必须可被多个协程并发使用。
type Provider interface {
	Name() string
	Call(ctx context.Context, req *Request) (*Response, error)
	Stream(ctx context.Context, req *Request) (<-chan Chunk, error)
}

// Kind 是供应商在身份注册表中的 kind 段。
const Kind = "provider"

// NewRegistry 创建供应商注册表。
func NewRegistry(policy identity.Policy) *identity.Registry[Provider] {
	return identity.NewRegistry[Provider]("provider", policy)
}

// Key 构造供应商的注册身份，如 ("openai", "provider", "chat")。
func Key(namespace, name string) identity.Identity {
	return identity.Identity{Namespace: namespace, Kind: Kind, Name: name}
}

// Failure 以统一的 PROVIDER_FAILURE 错误码包装一次供应商调用失败。
func Failure(cause error, message string) error {
	return xerrors.Wrap(xerrors.CodeProviderFailure, cause, message)
}
