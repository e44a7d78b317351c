package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
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
	"OpenLLM-Orchestra/pkg/logger"
)

// Overridable 由携带 schema 覆盖表的供应商实现。
type Overridable interface {
	Overrides() *provider.OverrideTable
}

// Config 汇集编排器的全部依赖。
type Config struct {
	Services  *identity.Registry[*Definition]
	Providers *identity.Registry[provider.Provider]
	Composer  *prompt.Composer
	Pipeline  *codec.Pipeline
	Recorder  *audit.Recorder
	Emitter   *outbox.Emitter
	Store     dispatch.Store
	Backends  *identity.Registry[dispatch.Queue]
	Defaults  dispatch.Defaults
	Observers []dispatch.Observer
}

// Orchestrator 把服务定义、提示词组合、供应商调用、响应解码与
// 派发串成一条完整链路。它同时是派发层的 Runner：同步与异步
// 路径最终都回到 Run。
type Orchestrator struct {
	services   *identity.Registry[*Definition]
	providers  *identity.Registry[provider.Provider]
	composer   *prompt.Composer
	pipeline   *codec.Pipeline
	recorder   *audit.Recorder
	emitter    *outbox.Emitter
	store      dispatch.Store
	dispatcher *dispatch.Dispatcher
	log        *slog.Logger
}

var _ dispatch.Runner = (*Orchestrator)(nil)

func NewOrchestrator(cfg Config) *Orchestrator {
	o := &Orchestrator{
		services:  cfg.Services,
		providers: cfg.Providers,
		composer:  cfg.Composer,
		pipeline:  cfg.Pipeline,
		recorder:  cfg.Recorder,
		emitter:   cfg.Emitter,
		store:     cfg.Store,
		log:       logger.Named("service"),
	}
	o.dispatcher = dispatch.NewDispatcher(cfg.Store, cfg.Backends, o, cfg.Defaults, cfg.Observers...)
	return o
}

// Dispatcher 暴露派发器，供队列消费者复用同一执行逻辑。
func (o *Orchestrator) Dispatcher() *dispatch.Dispatcher { return o.dispatcher }

// invocation 是执行单元的载荷，完整描述一次服务调用。
type invocation struct {
	Service string          `json:"service"`
	Context *prompt.Context `json:"context,omitempty"`
}

// Result 是一次服务调用的产出。
type Result struct {
	Reply      string         `json:"reply,omitempty"`
	Structured map[string]any `json:"structured,omitempty"`
	Usage      provider.Usage `json:"usage"`
}

// Invoke 解析服务并按派发策略执行。同步路径返回已完成的执行单元，
// 异步路径返回已入队的执行单元供调用方轮询。
func (o *Orchestrator) Invoke(ctx context.Context, serviceKey string, pc *prompt.Context, hint *dispatch.Hint) (*dispatch.Work, error) {
	def, err := o.resolveService(serviceKey)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(invocation{Service: def.Key.String(), Context: pc})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化调用载荷失败")
	}
	work := &dispatch.Work{
		Service: def.Key.String(),
		Payload: payload,
	}
	return o.dispatcher.Dispatch(ctx, work, hint, def.Dispatch)
}

// Run 实现 dispatch.Runner，执行一次完整的服务调用。
func (o *Orchestrator) Run(ctx context.Context, work *dispatch.Work) (json.RawMessage, error) {
	var inv invocation
	if err := json.Unmarshal(work.Payload, &inv); err != nil {
		return nil, xerrors.Wrap(dispatch.CodeWorkValidation, err, "解析调用载荷失败")
	}
	def, err := o.resolveService(work.Service)
	if err != nil {
		return nil, err
	}

	result, err := o.execute(ctx, def, inv.Context, work.CorrelationID)
	if err != nil {
		o.emit(ctx, notify.EventResponseFailed, def, work, map[string]any{
			"error": err.Error(),
			"code":  string(xerrors.CodeOf(err)),
		})
		return nil, err
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "序列化调用结果失败")
	}
	o.emit(ctx, notify.EventResponseReady, def, work, map[string]any{
		"reply":      result.Reply,
		"structured": result.Structured,
	})
	return encoded, nil
}

// execute 串行执行组合、调用、解码三个阶段。
func (o *Orchestrator) execute(ctx context.Context, def *Definition, pc *prompt.Context, correlationID string) (*Result, error) {
	if pc == nil {
		pc = &prompt.Context{}
	}
	text, err := o.composer.Compose(ctx, def.Recipe, pc)
	if err != nil {
		return nil, err
	}

	req := o.buildRequest(def, text, correlationID)
	prov, table, err := o.resolveProvider(def)
	if err != nil {
		return nil, err
	}
	if table != nil && req.ResponseSchema != nil {
		req = table.Promote(req)
	}

	reqPayload, _ := json.Marshal(req)
	if err := o.recorder.RecordRequest(ctx, def.Key.String(), auditTarget(pc), correlationID, text, reqPayload); err != nil {
		return nil, err
	}
	o.emitRaw(ctx, notify.EventRequestSent, def, correlationID, "", map[string]any{
		"provider": prov.Name(),
		"model":    req.Model,
	})

	callCtx := ctx
	if def.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, def.Timeout)
		defer cancel()
	}
	resp, err := prov.Call(callCtx, req)
	if err != nil {
		return nil, err
	}
	if table != nil && resp.Structured != nil {
		resp.Structured = table.DemoteValue(resp.Structured)
	}

	reply := resp.PrimaryText()
	if err := o.recorder.RecordResponse(ctx, def.Key.String(), auditTarget(pc), correlationID, reply, resp.Raw); err != nil {
		return nil, err
	}
	o.emitRaw(ctx, notify.EventResponseReceived, def, correlationID, "", map[string]any{
		"provider": prov.Name(),
	})

	if err := o.pipeline.Process(ctx, def.Key.Namespace, def.codecKind(), resp); err != nil {
		return nil, err
	}

	return &Result{
		Reply:      reply,
		Structured: resp.Structured,
		Usage:      resp.Usage,
	}, nil
}

// BuildRequest 只做组合与请求构建，不触达供应商。供 dry-run 使用。
func (o *Orchestrator) BuildRequest(ctx context.Context, serviceKey string, pc *prompt.Context) (*provider.Request, error) {
	def, err := o.resolveService(serviceKey)
	if err != nil {
		return nil, err
	}
	if pc == nil {
		pc = &prompt.Context{}
	}
	text, err := o.composer.Compose(ctx, def.Recipe, pc)
	if err != nil {
		return nil, err
	}
	req := o.buildRequest(def, text, "dry-run")
	return req, nil
}

// Stream 绕过派发层直接流式调用供应商。流式路径不经过编解码器，
// 但请求与完整回复仍然进入审计。
func (o *Orchestrator) Stream(ctx context.Context, serviceKey string, pc *prompt.Context) (<-chan provider.Chunk, error) {
	def, err := o.resolveService(serviceKey)
	if err != nil {
		return nil, err
	}
	if pc == nil {
		pc = &prompt.Context{}
	}
	text, err := o.composer.Compose(ctx, def.Recipe, pc)
	if err != nil {
		return nil, err
	}

	correlationID := fmt.Sprintf("stream-%d", time.Now().UnixNano())
	req := o.buildRequest(def, text, correlationID)
	req.Stream = true
	prov, _, err := o.resolveProvider(def)
	if err != nil {
		return nil, err
	}
	if err := o.recorder.RecordRequest(ctx, def.Key.String(), auditTarget(pc), correlationID, text, nil); err != nil {
		return nil, err
	}

	upstream, err := prov.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	// 转发增量并在流结束时把完整回复写入审计。
	out := make(chan provider.Chunk)
	go func() {
		defer close(out)
		var full []byte
		for chunk := range upstream {
			if chunk.Text != "" {
				full = append(full, chunk.Text...)
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
		_ = o.recorder.RecordResponse(context.Background(), def.Key.String(), auditTarget(pc), correlationID, string(full), nil)
	}()
	return out, nil
}

// WaitUntilCompleted 轮询执行单元直到进入终态或 ctx 取消。
func (o *Orchestrator) WaitUntilCompleted(ctx context.Context, workID string, poll time.Duration) (*dispatch.Work, error) {
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		work, err := o.store.Get(ctx, workID)
		if err != nil {
			return nil, err
		}
		switch work.Status {
		case dispatch.StatusSucceeded, dispatch.StatusFailed:
			return work, nil
		}
		select {
		case <-ctx.Done():
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待执行单元完成超时")
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) buildRequest(def *Definition, text, correlationID string) *provider.Request {
	return &provider.Request{
		Model: def.Model,
		Messages: []provider.Message{
			{Role: provider.RoleUser, Content: text},
		},
		Tools:          def.Tools,
		ResponseSchema: def.Schema.Clone(),
		CorrelationID:  correlationID,
	}
}

func (o *Orchestrator) resolveService(serviceKey string) (*Definition, error) {
	key, err := ParseKey(serviceKey)
	if err != nil {
		return nil, err
	}
	def, ok := o.services.Resolve(key)
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound,
			fmt.Sprintf("未注册的服务 %s", key.String()))
	}
	return def, nil
}

func (o *Orchestrator) resolveProvider(def *Definition) (provider.Provider, *provider.OverrideTable, error) {
	key := def.Provider
	if key.IsZero() {
		key = provider.Key(def.Key.Namespace, identity.DefaultName)
	}
	prov, ok := o.providers.Resolve(key)
	if !ok {
		// 命名空间内没有候选时退到全局默认供应商。
		prov, ok = o.providers.Resolve(provider.Key(identity.DefaultName, identity.DefaultName))
	}
	if !ok {
		return nil, nil, xerrors.New(xerrors.CodeNotFound,
			fmt.Sprintf("未注册的供应商 %s", key.String()))
	}
	if overridable, ok := prov.(Overridable); ok {
		return prov, overridable.Overrides(), nil
	}
	return prov, nil, nil
}

func (o *Orchestrator) emit(ctx context.Context, eventType notify.EventType, def *Definition, work *dispatch.Work, payload map[string]any) {
	o.emitRaw(ctx, eventType, def, work.CorrelationID, work.ID, payload)
}

func (o *Orchestrator) emitRaw(ctx context.Context, eventType notify.EventType, def *Definition, correlationID, workID string, payload map[string]any) {
	if o.emitter == nil {
		return
	}
	if err := o.emitter.Emit(ctx, eventType, def.Key.String(), correlationID, workID, payload); err != nil {
		o.log.Error("emit outbox event failed",
			"event_type", string(eventType), "correlation_id", correlationID, "error", err)
	}
}

func auditTarget(pc *prompt.Context) string {
	if pc == nil {
		return ""
	}
	if pc.Target != "" {
		return pc.Target
	}
	return pc.User
}
