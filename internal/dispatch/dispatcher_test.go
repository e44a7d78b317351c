package dispatch

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"sync"
	"testing"
	"time"

	xerrors "OpenLLM-Orchestra/internal/errors"
	"OpenLLM-Orchestra/internal/identity"
)

type stubRunner struct {
	mu      sync.Mutex
	calls   int
	results []error
}

func (r *stubRunner) Run(_ context.Context, _ *Work) (json.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	if r.calls < len(r.results) {
		err = r.results[r.calls]
	}
	r.calls++
	if err != nil {
		return nil, err
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func (r *stubRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type recordingObserver struct {
	mu     sync.Mutex
	events []string
}

func (o *recordingObserver) record(event string) {
	o.mu.Lock()
	o.events = append(o.events, event)
	o.mu.Unlock()
}

func (o *recordingObserver) WorkPlanned(context.Context, *Work)                 { o.record("planned") }
func (o *recordingObserver) WorkStarted(context.Context, *Work)                 { o.record("started") }
func (o *recordingObserver) WorkSucceeded(context.Context, *Work, json.RawMessage) {
	o.record("succeeded")
}
func (o *recordingObserver) WorkFailed(context.Context, *Work, error, bool) { o.record("failed") }

func (o *recordingObserver) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.events...)
}

func newTestDispatcher(t *testing.T, runner Runner, observers ...Observer) (*Dispatcher, *MemoryQueue) {
	t.Helper()
	backends := NewBackendRegistry(identity.PolicyStrict)
	queue := NewMemoryQueue(8)
	if err := RegisterBackend(backends, "memory", queue); err != nil {
		t.Fatalf("register backend: %v", err)
	}
	if err := RegisterBackend(backends, identity.DefaultName, queue); err != nil {
		t.Fatalf("register default backend: %v", err)
	}
	store := NewMemoryStore()
	return NewDispatcher(store, backends, runner, Defaults{Backend: "memory", MaxRetries: 2}, observers...), queue
}

func TestDispatchSyncCompletesInline(t *testing.T) {
	runner := &stubRunner{}
	observer := &recordingObserver{}
	dispatcher, _ := newTestDispatcher(t, runner, observer)

	work, err := dispatcher.Dispatch(context.Background(), &Work{Service: "demo.service.chat"}, nil, Policy{})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if work.Status != StatusSucceeded {
		t.Fatalf("sync dispatch must finish inline, got %s", work.Status)
	}
	if string(work.Result) != `{"ok":true}` {
		t.Fatalf("unexpected result: %s", work.Result)
	}

	events := observer.snapshot()
	want := []string{"planned", "started", "succeeded"}
	if len(events) != len(want) {
		t.Fatalf("unexpected observer events: %v", events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("unexpected observer sequence: %v", events)
		}
	}
}

func TestDispatchAsyncEnqueuesAndWorkerCompletes(t *testing.T) {
	runner := &stubRunner{}
	observer := &recordingObserver{}
	dispatcher, queue := newTestDispatcher(t, runner, observer)

	work, err := dispatcher.Dispatch(context.Background(), &Work{Service: "demo.service.chat"}, nil,
		Policy{RequireEnqueue: true})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if work.Status != StatusEnqueued {
		t.Fatalf("async dispatch must leave work enqueued, got %s", work.Status)
	}

	ctx, cancel := context.WithCancel(context.Background())
	worker := NewWorker(dispatcher, queue, 1)
	done := make(chan struct{})
	go func() {
		_ = worker.Start(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		final, err := dispatcher.store.Get(context.Background(), work.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if final.Status == StatusSucceeded {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("work never completed, status %s", final.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done

	// 两条路径的回调序列一致。
	events := observer.snapshot()
	if len(events) != 3 || events[0] != "planned" || events[2] != "succeeded" {
		t.Fatalf("unexpected observer sequence: %v", events)
	}
}

func TestExecuteRetriesThenSucceeds(t *testing.T) {
	transient := xerrors.New(xerrors.CodeProviderFailure, "upstream hiccup")
	runner := &stubRunner{results: []error{transient, nil}}
	dispatcher, queue := newTestDispatcher(t, runner)

	work, err := dispatcher.Dispatch(context.Background(), &Work{Service: "demo.service.chat"}, nil,
		Policy{RequireEnqueue: true})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	// 第一次执行失败，状态回到可认领并安排了重试。
	if err := dispatcher.Execute(context.Background(), work.ID); err == nil {
		t.Fatal("first execution must surface the failure")
	}
	after, err := dispatcher.store.Get(context.Background(), work.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.Status != StatusPlanned || after.Attempts != 1 {
		t.Fatalf("retryable failure must reset to planned, got %+v", after)
	}

	// 手动触发第二次执行，不等退避计时器。
	if err := dispatcher.Execute(context.Background(), work.ID); err != nil {
		t.Fatalf("second execution: %v", err)
	}
	final, err := dispatcher.store.Get(context.Background(), work.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Status != StatusSucceeded {
		t.Fatalf("expected success after retry, got %s", final.Status)
	}
	if runner.callCount() != 2 {
		t.Fatalf("expected 2 runner calls, got %d", runner.callCount())
	}
	_ = queue
}

func TestExecuteTerminalFailure(t *testing.T) {
	fatal := xerrors.New(xerrors.CodeInvalidArgument, "bad input")
	runner := &stubRunner{results: []error{fatal}}
	dispatcher, _ := newTestDispatcher(t, runner)

	work, err := dispatcher.Dispatch(context.Background(), &Work{Service: "demo.service.chat"}, nil,
		Policy{RequireEnqueue: true})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	execErr := dispatcher.Execute(context.Background(), work.ID)
	if !stdErrors.Is(execErr, fatal) {
		t.Fatalf("expected wrapped runner error, got %v", execErr)
	}
	final, err := dispatcher.store.Get(context.Background(), work.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	// 不可重试的错误直接进入终态。
	if final.Status != StatusFailed {
		t.Fatalf("non-retryable failure must be terminal, got %s", final.Status)
	}
	if final.ErrorCode != string(xerrors.CodeInvalidArgument) {
		t.Fatalf("error code must be recorded, got %q", final.ErrorCode)
	}
}

func TestRecoverRepublishesPendingWork(t *testing.T) {
	runner := &stubRunner{}
	dispatcher, queue := newTestDispatcher(t, runner)
	ctx := context.Background()

	// 模拟上一个进程留下的存量：定时器随进程消失，
	// 只剩存储里的 enqueued 与 planned 状态。
	enqueued := &Work{ID: "w-enqueued", Service: "demo.service.chat", Status: StatusEnqueued, Backend: "memory", MaxRetries: 2}
	planned := &Work{ID: "w-planned", Service: "demo.service.chat", Status: StatusPlanned, Backend: "memory", MaxRetries: 2}
	deferred := &Work{ID: "w-deferred", Service: "demo.service.chat", Status: StatusEnqueued, Backend: "memory", MaxRetries: 2,
		RunAfter: time.Now().Add(time.Hour).Unix()}
	for _, w := range []*Work{enqueued, planned, deferred} {
		if err := dispatcher.store.Create(ctx, w); err != nil {
			t.Fatalf("seed %s: %v", w.ID, err)
		}
	}

	if err := dispatcher.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	worker := NewWorker(dispatcher, queue, 1)
	done := make(chan struct{})
	go func() {
		_ = worker.Start(workerCtx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		first, err := dispatcher.store.Get(ctx, enqueued.ID)
		if err != nil {
			t.Fatalf("get %s: %v", enqueued.ID, err)
		}
		second, err := dispatcher.store.Get(ctx, planned.ID)
		if err != nil {
			t.Fatalf("get %s: %v", planned.ID, err)
		}
		if first.Status == StatusSucceeded && second.Status == StatusSucceeded {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("recovered work never completed, statuses %s/%s", first.Status, second.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done

	// 未到执行时刻的单元只挂上延迟定时器，不会被立即执行。
	future, err := dispatcher.store.Get(ctx, deferred.ID)
	if err != nil {
		t.Fatalf("get %s: %v", deferred.ID, err)
	}
	if future.Status != StatusEnqueued {
		t.Fatalf("deferred work must stay enqueued until due, got %s", future.Status)
	}
}

func TestBackoffBounds(t *testing.T) {
	if Backoff(0) != time.Second || Backoff(1) != time.Second {
		t.Fatalf("first retry must wait the base delay")
	}
	if Backoff(2) != 2*time.Second || Backoff(3) != 4*time.Second {
		t.Fatalf("backoff must double per attempt")
	}
	if Backoff(30) != 5*time.Minute {
		t.Fatalf("backoff must cap at 5m, got %s", Backoff(30))
	}
}
