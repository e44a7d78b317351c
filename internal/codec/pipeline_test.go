package codec

import (
	"context"
	"encoding/json"
	"testing"

	xerrors "OpenLLM-Orchestra/internal/errors"
	"OpenLLM-Orchestra/internal/identity"
	"OpenLLM-Orchestra/internal/provider"
	"OpenLLM-Orchestra/internal/schema"
)

func toolResultResponse(corr, payload string) *provider.Response {
	return &provider.Response{
		CorrelationID: corr,
		Output: []provider.Item{{
			Role: provider.RoleAssistant,
			Parts: []provider.Part{{
				Type:    provider.PartToolResult,
				Payload: json.RawMessage(payload),
			}},
		}},
	}
}

func TestExtractOrdering(t *testing.T) {
	def := &schema.Definition{Fields: map[string]schema.Field{"foo": {Type: "string", Presence: schema.PresenceAlways}}}

	// 原生结构化字段优先于工具结果。
	resp := toolResultResponse("c1", `{"foo":"tool"}`)
	resp.Structured = map[string]any{"foo": "native"}
	value, ok := Extract(resp, def)
	if !ok || value["foo"] != "native" {
		t.Fatalf("native structured output must win, got %v", value)
	}

	// 无原生字段时取首个 JSON object 工具结果。
	value, ok = Extract(toolResultResponse("c2", `{"foo":"tool"}`), def)
	if !ok || value["foo"] != "tool" {
		t.Fatalf("tool result must be extracted, got %v", value)
	}

	// 主文本兜底仅在声明了 schema 时启用。
	textResp := &provider.Response{Output: []provider.Item{{
		Role:  provider.RoleAssistant,
		Parts: []provider.Part{{Type: provider.PartText, Text: `{"foo":"text"}`}},
	}}}
	if value, ok = Extract(textResp, def); !ok || value["foo"] != "text" {
		t.Fatalf("text fallback must apply with a schema, got %v", value)
	}
	if _, ok = Extract(textResp, nil); ok {
		t.Fatal("text fallback must be disabled without a schema")
	}
}

func TestProcessPersistsOnceAcrossDeliveries(t *testing.T) {
	reg := NewRegistry(identity.PolicyStrict)
	var persisted, emitted []map[string]any
	err := Register(reg, &Base{
		Key: Key("billing", "invoice"),
		Definition: &schema.Definition{
			Fields: map[string]schema.Field{"foo": {Type: "string", Presence: schema.PresenceAlways}},
		},
		PersistFunc: func(_ context.Context, _ string, value map[string]any) error {
			persisted = append(persisted, value)
			return nil
		},
		EmitFunc: func(_ context.Context, _ string, value map[string]any) error {
			emitted = append(emitted, value)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("register codec: %v", err)
	}

	pipeline := NewPipeline(reg, NewMemoryMarkerStore())
	resp := toolResultResponse("corr-7", `{"foo":"bar"}`)

	if err := pipeline.Process(context.Background(), "billing", "invoice", resp); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	// 同一响应的重复投递是空操作。
	if err := pipeline.Process(context.Background(), "billing", "invoice", resp); err != nil {
		t.Fatalf("second delivery: %v", err)
	}

	if len(persisted) != 1 || persisted[0]["foo"] != "bar" {
		t.Fatalf("expected exactly one persist, got %v", persisted)
	}
	if len(emitted) != 1 {
		t.Fatalf("expected exactly one emit, got %v", emitted)
	}
}

func TestProcessResolvesThroughFallbackChain(t *testing.T) {
	reg := NewRegistry(identity.PolicyStrict)
	var hits int
	if err := Register(reg, &Base{
		Key: Key("billing", identity.DefaultName),
		PersistFunc: func(context.Context, string, map[string]any) error {
			hits++
			return nil
		},
	}); err != nil {
		t.Fatalf("register codec: %v", err)
	}

	pipeline := NewPipeline(reg, NewMemoryMarkerStore())
	if err := pipeline.Process(context.Background(), "billing", "invoice", toolResultResponse("c1", `{"x":1}`)); err != nil {
		t.Fatalf("process via namespace default: %v", err)
	}
	if hits != 1 {
		t.Fatalf("namespace default codec must handle unmatched kinds, hits=%d", hits)
	}

	err := pipeline.Process(context.Background(), "ghost", "invoice", toolResultResponse("c2", `{"x":1}`))
	if xerrors.CodeOf(err) != CodeResolutionFailed {
		t.Fatalf("expected CODEC_RESOLUTION_FAILED, got %v", err)
	}
}

func TestProcessSkipsWhenNoCandidate(t *testing.T) {
	reg := NewRegistry(identity.PolicyStrict)
	var persisted int
	if err := Register(reg, &Base{
		Key: Key("billing", "invoice"),
		Definition: &schema.Definition{
			Fields: map[string]schema.Field{"foo": {Type: "string", Presence: schema.PresenceAlways}},
		},
		PersistFunc: func(context.Context, string, map[string]any) error {
			persisted++
			return nil
		},
	}); err != nil {
		t.Fatalf("register codec: %v", err)
	}
	pipeline := NewPipeline(reg, NewMemoryMarkerStore())

	// schema 已声明但供应商只回了纯文本，没有任何候选值：
	// 这不是解码错误，落库与发布直接跳过。
	prose := &provider.Response{
		CorrelationID: "c1",
		Output: []provider.Item{{
			Role:  provider.RoleAssistant,
			Parts: []provider.Part{{Type: provider.PartText, Text: "plain prose answer"}},
		}},
	}
	if err := pipeline.Process(context.Background(), "billing", "invoice", prose); err != nil {
		t.Fatalf("no candidate must not be an error, got %v", err)
	}

	empty := &provider.Response{CorrelationID: "c2"}
	if err := pipeline.Process(context.Background(), "billing", "invoice", empty); err != nil {
		t.Fatalf("empty response must not be an error, got %v", err)
	}
	if persisted != 0 {
		t.Fatalf("persist must be skipped without a candidate, hits=%d", persisted)
	}
}

func TestProcessDecodeFailures(t *testing.T) {
	reg := NewRegistry(identity.PolicyStrict)
	if err := Register(reg, &Base{
		Key: Key("billing", "invoice"),
		Definition: &schema.Definition{
			Fields: map[string]schema.Field{"foo": {Type: "string", Presence: schema.PresenceAlways}},
		},
	}); err != nil {
		t.Fatalf("register codec: %v", err)
	}
	pipeline := NewPipeline(reg, NewMemoryMarkerStore())

	// 候选值存在但不满足 schema，才是解码错误。
	err := pipeline.Process(context.Background(), "billing", "invoice", toolResultResponse("c2", `{"foo":42}`))
	if xerrors.CodeOf(err) != CodeDecodeFailed {
		t.Fatalf("expected CODEC_DECODE_FAILED for schema violation, got %v", err)
	}
}
