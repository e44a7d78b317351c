package service

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"OpenLLM-Orchestra/internal/audit"
	"OpenLLM-Orchestra/internal/codec"
	"OpenLLM-Orchestra/internal/dispatch"
	xerrors "OpenLLM-Orchestra/internal/errors"
	"OpenLLM-Orchestra/internal/identity"
	"OpenLLM-Orchestra/internal/notify"
	"OpenLLM-Orchestra/internal/outbox"
	"OpenLLM-Orchestra/internal/prompt"
	"OpenLLM-Orchestra/internal/provider"
	"OpenLLM-Orchestra/internal/schema"
)

// fakeProvider 返回固定的工具结果载荷，并记录收到的请求。
type fakeProvider struct {
	mu       sync.Mutex
	requests []*provider.Request
	fail     error
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Call(_ context.Context, req *provider.Request) (*provider.Response, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	if p.fail != nil {
		return nil, p.fail
	}
	return &provider.Response{
		CorrelationID: req.CorrelationID,
		Output: []provider.Item{{
			Role: provider.RoleAssistant,
			Parts: []provider.Part{
				{Type: provider.PartText, Text: "done"},
				{Type: provider.PartToolResult, Payload: json.RawMessage(`{"foo":"bar"}`)},
			},
		}},
		Usage: provider.Usage{InputTokens: 3, OutputTokens: 2},
	}, nil
}

func (p *fakeProvider) Stream(_ context.Context, req *provider.Request) (<-chan provider.Chunk, error) {
	ch := make(chan provider.Chunk, 3)
	ch <- provider.Chunk{Text: "do"}
	ch <- provider.Chunk{Text: "ne"}
	ch <- provider.Chunk{Done: true}
	close(ch)
	return ch, nil
}

func (p *fakeProvider) seenRequests() []*provider.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*provider.Request(nil), p.requests...)
}

type fixture struct {
	orch      *Orchestrator
	provider  *fakeProvider
	persisted *[]map[string]any
	outbox    *outbox.MemoryStore
	audit     *audit.MemoryStore
}

func newFixture(t *testing.T, def *Definition, prov *fakeProvider) *fixture {
	t.Helper()

	modifiers := prompt.NewRegistry(identity.PolicyStrict)
	if err := prompt.RegisterBuiltins(modifiers, prompt.BuiltinConfig{BaseInstruction: "base"}); err != nil {
		t.Fatalf("register builtins: %v", err)
	}

	providers := provider.NewRegistry(identity.PolicyStrict)
	if err := providers.Register(provider.Key("demo", identity.DefaultName), provider.Provider(prov)); err != nil {
		t.Fatalf("register provider: %v", err)
	}

	var persisted []map[string]any
	codecs := codec.NewRegistry(identity.PolicyStrict)
	if err := codec.Register(codecs, &codec.Base{
		Key: codec.Key("demo", identity.DefaultName),
		Definition: &schema.Definition{
			Fields: map[string]schema.Field{"foo": {Type: "string", Presence: schema.PresenceAlways}},
		},
		PersistFunc: func(_ context.Context, _ string, value map[string]any) error {
			persisted = append(persisted, value)
			return nil
		},
	}); err != nil {
		t.Fatalf("register codec: %v", err)
	}

	services := NewRegistry(identity.PolicyStrict)
	if err := Register(services, def); err != nil {
		t.Fatalf("register service: %v", err)
	}

	backends := dispatch.NewBackendRegistry(identity.PolicyStrict)
	queue := dispatch.NewMemoryQueue(8)
	if err := dispatch.RegisterBackend(backends, identity.DefaultName, queue); err != nil {
		t.Fatalf("register backend: %v", err)
	}

	auditStore := audit.NewMemoryStore(0)
	outboxStore := outbox.NewMemoryStore()

	orch := NewOrchestrator(Config{
		Services:  services,
		Providers: providers,
		Composer:  prompt.NewComposer(modifiers, identity.PolicyStrict),
		Pipeline:  codec.NewPipeline(codecs, codec.NewMemoryMarkerStore()),
		Recorder:  audit.NewRecorder(auditStore),
		Emitter:   outbox.NewEmitter(outboxStore),
		Store:     dispatch.NewMemoryStore(),
		Backends:  backends,
		Defaults:  dispatch.Defaults{MaxRetries: 2},
	})
	return &fixture{
		orch:      orch,
		provider:  prov,
		persisted: &persisted,
		outbox:    outboxStore,
		audit:     auditStore,
	}
}

func demoDefinition() *Definition {
	return &Definition{
		Key:    identity.MustParse("demo.service.chat"),
		Recipe: []string{"defaults.base", "persona.user", "task.goal"},
		Model:  "test-model",
		Schema: &schema.Definition{
			Fields: map[string]schema.Field{"foo": {Type: "string", Presence: schema.PresenceAlways}},
		},
	}
}

func TestInvokeSyncEndToEnd(t *testing.T) {
	prov := &fakeProvider{}
	fx := newFixture(t, demoDefinition(), prov)
	ctx := context.Background()

	work, err := fx.orch.Invoke(ctx, "demo.chat", &prompt.Context{
		User:   "alice",
		Values: map[string]any{"goal": "summarize the report"},
	}, nil)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if work.Status != dispatch.StatusSucceeded {
		t.Fatalf("sync invoke must finish inline, got %s", work.Status)
	}

	var result Result
	if err := json.Unmarshal(work.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Reply != "done" || result.Usage.InputTokens != 3 {
		t.Fatalf("unexpected result: %+v", result)
	}

	// 提示词带上了用户与目标。
	requests := prov.seenRequests()
	if len(requests) != 1 {
		t.Fatalf("expected one provider call, got %d", len(requests))
	}
	text := requests[0].Messages[0].Content
	if !strings.Contains(text, "assisting alice") || !strings.Contains(text, "summarize the report") {
		t.Fatalf("prompt missing composed sections: %q", text)
	}

	// 工具结果被编解码器落库一次。
	if len(*fx.persisted) != 1 || (*fx.persisted)[0]["foo"] != "bar" {
		t.Fatalf("expected one persisted value, got %v", *fx.persisted)
	}

	// 审计记录了请求与响应。
	trace, err := fx.audit.ByCorrelation(ctx, work.CorrelationID)
	if err != nil {
		t.Fatalf("trace: %v", err)
	}
	if len(trace) != 2 || trace[0].Kind != audit.KindRequest || trace[1].Kind != audit.KindResponse {
		t.Fatalf("unexpected audit trace: %+v", trace)
	}

	// 发件箱包含完整事件序列。
	entries, err := fx.outbox.List(ctx, outbox.StatusPending, 10)
	if err != nil {
		t.Fatalf("list outbox: %v", err)
	}
	types := make(map[notify.EventType]bool, len(entries))
	for _, entry := range entries {
		types[entry.EventType] = true
	}
	for _, want := range []notify.EventType{notify.EventRequestSent, notify.EventResponseReceived, notify.EventResponseReady} {
		if !types[want] {
			t.Fatalf("missing outbox event %s in %v", want, entries)
		}
	}
}

func TestInvokeAsyncCompletesThroughWorker(t *testing.T) {
	prov := &fakeProvider{}
	def := demoDefinition()
	def.Dispatch = dispatch.Policy{RequireEnqueue: true}
	fx := newFixture(t, def, prov)
	ctx := context.Background()

	enqueue := false
	work, err := fx.orch.Invoke(ctx, "demo.chat", &prompt.Context{}, &dispatch.Hint{Enqueue: &enqueue})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	// require_enqueue 压过调用方的同步意向。
	if work.Status != dispatch.StatusEnqueued {
		t.Fatalf("expected enqueued work, got %s", work.Status)
	}

	if err := fx.orch.Dispatcher().Execute(ctx, work.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	final, err := fx.orch.WaitUntilCompleted(waitCtx, work.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.Status != dispatch.StatusSucceeded {
		t.Fatalf("expected success, got %s (%s)", final.Status, final.LastError)
	}
}

func TestInvokeFailureEmitsResponseFailed(t *testing.T) {
	prov := &fakeProvider{fail: xerrors.New(xerrors.CodeInvalidArgument, "rejected")}
	fx := newFixture(t, demoDefinition(), prov)
	ctx := context.Background()

	_, err := fx.orch.Invoke(ctx, "demo.chat", &prompt.Context{}, nil)
	if err == nil {
		t.Fatal("provider failure must surface")
	}

	entries, listErr := fx.outbox.List(ctx, outbox.StatusPending, 10)
	if listErr != nil {
		t.Fatalf("list outbox: %v", listErr)
	}
	var failed bool
	for _, entry := range entries {
		if entry.EventType == notify.EventResponseFailed {
			failed = true
		}
	}
	if !failed {
		t.Fatalf("expected response_failed event, got %+v", entries)
	}
}

func TestBuildRequestDryRun(t *testing.T) {
	prov := &fakeProvider{}
	fx := newFixture(t, demoDefinition(), prov)

	req, err := fx.orch.BuildRequest(context.Background(), "demo.chat", &prompt.Context{User: "alice"})
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if req.Model != "test-model" || req.ResponseSchema == nil {
		t.Fatalf("unexpected request: %+v", req)
	}
	if len(prov.seenRequests()) != 0 {
		t.Fatal("dry-run must not call the provider")
	}
}

func TestStreamCollectsChunks(t *testing.T) {
	prov := &fakeProvider{}
	fx := newFixture(t, demoDefinition(), prov)

	chunks, err := fx.orch.Stream(context.Background(), "demo.chat", &prompt.Context{})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	var text strings.Builder
	for chunk := range chunks {
		text.WriteString(chunk.Text)
	}
	if text.String() != "done" {
		t.Fatalf("unexpected streamed text: %q", text.String())
	}
}

func TestUnknownServiceKey(t *testing.T) {
	prov := &fakeProvider{}
	fx := newFixture(t, demoDefinition(), prov)

	_, err := fx.orch.Invoke(context.Background(), "ghost.chat", &prompt.Context{}, nil)
	if xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}
