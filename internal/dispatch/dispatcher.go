package dispatch

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	xerrors "OpenLLM-Orchestra/internal/errors"
	"OpenLLM-Orchestra/internal/identity"
	"OpenLLM-Orchestra/pkg/logger"
)

// Runner 执行一个已认领的执行单元并返回结果载荷。
type Runner interface {
	Run(ctx context.Context, work *Work) (json.RawMessage, error)
}

// Observer 在执行单元生命周期的关键点收到回调。
// 同步与异步路径触发完全相同的回调序列。
type Observer interface {
	WorkPlanned(ctx context.Context, work *Work)
	WorkStarted(ctx context.Context, work *Work)
	WorkSucceeded(ctx context.Context, work *Work, result json.RawMessage)
	WorkFailed(ctx context.Context, work *Work, err error, terminal bool)
}

// Dispatcher 决定执行单元走同步还是异步路径，并承担两条路径共用的
// 认领、执行、标记逻辑。
type Dispatcher struct {
	store     Store
	backends  *identity.Registry[Queue]
	runner    Runner
	defaults  Defaults
	observers []Observer
	log       *slog.Logger
}

func NewDispatcher(store Store, backends *identity.Registry[Queue], runner Runner, defaults Defaults, observers ...Observer) *Dispatcher {
	return &Dispatcher{
		store:     store,
		backends:  backends,
		runner:    runner,
		defaults:  defaults,
		observers: observers,
		log:       logger.Named("dispatch"),
	}
}

// Dispatch 按解析出的派发方式执行或投递执行单元。
// 同步路径返回已完成的执行单元，异步路径返回已入队的执行单元。
func (d *Dispatcher) Dispatch(ctx context.Context, work *Work, hint *Hint, policy Policy) (*Work, error) {
	if work == nil || work.Service == "" {
		return nil, xerrors.New(CodeWorkValidation, "执行单元缺少所属服务")
	}
	if work.ID == "" {
		work.ID = uuid.NewString()
	}
	if work.CorrelationID == "" {
		work.CorrelationID = uuid.NewString()
	}
	work.MaxRetries = ResolveRetries(policy, d.defaults)
	work.Priority = ResolvePriority(hint, policy, d.defaults)
	work.Backend = resolveBackendName(hint, policy, d.defaults)
	work.RunAfter = ResolveRunAfter(time.Now(), hint, policy, d.defaults)

	mode := ResolveMode(hint, policy, d.defaults)
	if mode == ModeSync {
		return d.dispatchSync(ctx, work)
	}
	return d.dispatchAsync(ctx, work)
}

func (d *Dispatcher) dispatchSync(ctx context.Context, work *Work) (*Work, error) {
	work.Status = StatusPlanned
	if err := d.store.Create(ctx, work); err != nil {
		return nil, err
	}
	d.observePlanned(ctx, work)

	if err := d.Execute(ctx, work.ID); err != nil {
		final, getErr := d.store.Get(ctx, work.ID)
		if getErr != nil {
			return nil, err
		}
		return final, err
	}
	return d.store.Get(ctx, work.ID)
}

func (d *Dispatcher) dispatchAsync(ctx context.Context, work *Work) (*Work, error) {
	queue, err := ResolveBackend(d.backends, work.Backend)
	if err != nil {
		return nil, err
	}

	work.Status = StatusEnqueued
	if err := d.store.Create(ctx, work); err != nil {
		return nil, err
	}
	d.observePlanned(ctx, work)

	publish := func() error { return queue.Publish(ctx, work.ID) }
	if delay := time.Until(time.Unix(work.RunAfter, 0)); work.RunAfter > 0 && delay > 0 {
		id := work.ID
		time.AfterFunc(delay, func() {
			if err := queue.Publish(context.Background(), id); err != nil {
				d.log.Error("delayed publish failed", "work_id", id, "error", err)
			}
		})
		return d.store.Get(ctx, work.ID)
	}
	if err := publish(); err != nil {
		wrapped := xerrors.Wrap(CodeWorkPublish, err, "投递执行单元失败")
		_ = d.store.MarkFailed(ctx, work.ID, CodeWorkPublish, wrapped.Error(), false)
		return nil, wrapped
	}
	return d.store.Get(ctx, work.ID)
}

// Recover 重新投递存量的非终态执行单元。延迟投递与重试退避只活在
// 内存定时器里，进程重启后丢失，启动时由本方法兜底补投。
// 重复投递是安全的，认领阶段会拦下已完成或正在执行的单元。
func (d *Dispatcher) Recover(ctx context.Context) error {
	recovered := 0
	for offset := 0; ; {
		works, err := d.store.List(ctx, ListOptions{
			Limit:    100,
			Offset:   offset,
			Statuses: []Status{StatusPlanned, StatusEnqueued},
			Order:    SortByUpdatedAsc,
		})
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "扫描待恢复执行单元失败")
		}
		if len(works) == 0 {
			break
		}
		for _, work := range works {
			d.republish(ctx, work)
			recovered++
		}
		offset += len(works)
	}
	if recovered > 0 {
		d.log.Info("pending work republished", "count", recovered)
	}
	return nil
}

// republish 把一个存量执行单元重新投递到其队列后端，
// 尚未到执行时刻的单元走延迟定时器。
func (d *Dispatcher) republish(ctx context.Context, work *Work) {
	queue, err := ResolveBackend(d.backends, work.Backend)
	if err != nil {
		d.log.Error("recovery skipped, backend unresolved", "work_id", work.ID, "error", err)
		return
	}
	if delay := time.Until(time.Unix(work.RunAfter, 0)); work.RunAfter > 0 && delay > 0 {
		id := work.ID
		time.AfterFunc(delay, func() {
			if err := queue.Publish(context.Background(), id); err != nil {
				d.log.Error("delayed publish failed", "work_id", id, "error", err)
			}
		})
		return
	}
	if err := queue.Publish(ctx, work.ID); err != nil {
		d.log.Error("recovery publish failed", "work_id", work.ID, "error", err)
	}
}

// Execute 认领并执行一个执行单元，同步路径与队列消费者共用。
// 已完成或正被他人执行的单元按空操作处理。
func (d *Dispatcher) Execute(ctx context.Context, workID string) error {
	work, err := d.store.Claim(ctx, workID)
	if err != nil {
		switch {
		case stdErrors.Is(err, ErrWorkCompleted), stdErrors.Is(err, ErrWorkConflict):
			return nil
		case stdErrors.Is(err, ErrWorkExhausted):
			_ = d.store.MarkFailed(ctx, workID, CodeWorkExhausted, "retries exhausted", true)
			if work != nil {
				d.observeFailed(ctx, work, ErrWorkExhausted, true)
			}
			return nil
		default:
			return err
		}
	}
	d.observeStarted(ctx, work)

	result, runErr := d.runner.Run(ctx, work)
	if runErr == nil {
		if err := d.store.MarkSucceeded(ctx, work.ID, result); err != nil {
			return err
		}
		work.Status = StatusSucceeded
		work.Result = result
		d.observeSucceeded(ctx, work, result)
		return nil
	}

	terminal := !xerrors.RetryableError(runErr) || work.Attempts >= work.MaxRetries
	wrapped := xerrors.Wrap(CodeDispatchFailed, runErr, "执行单元运行失败")
	if err := d.store.MarkFailed(ctx, work.ID, xerrors.CodeOf(runErr), runErr.Error(), terminal); err != nil {
		return err
	}
	d.observeFailed(ctx, work, wrapped, terminal)

	if !terminal {
		d.requeue(work)
	}
	return wrapped
}

// requeue 按退避时间重新投递可重试的执行单元。
func (d *Dispatcher) requeue(work *Work) {
	queue, err := ResolveBackend(d.backends, work.Backend)
	if err != nil {
		d.log.Error("requeue aborted, backend unresolved", "work_id", work.ID, "error", err)
		return
	}
	delay := Backoff(work.Attempts)
	id := work.ID
	time.AfterFunc(delay, func() {
		if err := queue.Publish(context.Background(), id); err != nil {
			d.log.Error("requeue publish failed", "work_id", id, "error", err)
		}
	})
	d.log.Info("work scheduled for retry",
		"work_id", work.ID, "attempt", work.Attempts, "delay", delay.String())
}

func resolveBackendName(hint *Hint, policy Policy, defaults Defaults) string {
	if hint != nil && hint.Backend != "" {
		return hint.Backend
	}
	if policy.Backend != "" {
		return policy.Backend
	}
	return defaults.Backend
}

func (d *Dispatcher) observePlanned(ctx context.Context, work *Work) {
	for _, obs := range d.observers {
		obs.WorkPlanned(ctx, work)
	}
}

func (d *Dispatcher) observeStarted(ctx context.Context, work *Work) {
	for _, obs := range d.observers {
		obs.WorkStarted(ctx, work)
	}
}

func (d *Dispatcher) observeSucceeded(ctx context.Context, work *Work, result json.RawMessage) {
	for _, obs := range d.observers {
		obs.WorkSucceeded(ctx, work, result)
	}
}

func (d *Dispatcher) observeFailed(ctx context.Context, work *Work, err error, terminal bool) {
	for _, obs := range d.observers {
		obs.WorkFailed(ctx, work, err, terminal)
	}
}
