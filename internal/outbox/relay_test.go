package outbox

import (
	"context"
	stdErrors "errors"
	"sync"
	"testing"
	"time"

	"OpenLLM-Orchestra/internal/notify"
)

type captureDispatcher struct {
	mu     sync.Mutex
	events []notify.Event
	fail   int
}

func (d *captureDispatcher) Notify(_ context.Context, event notify.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail > 0 {
		d.fail--
		return stdErrors.New("channel down")
	}
	d.events = append(d.events, event)
	return nil
}

func (d *captureDispatcher) delivered() []notify.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]notify.Event(nil), d.events...)
}

func TestRelayDeliversDueEntries(t *testing.T) {
	store := NewMemoryStore()
	emitter := NewEmitter(store)
	ctx := context.Background()

	if err := emitter.Emit(ctx, notify.EventResponseReady, "demo.service.chat", "corr-1", "w1",
		map[string]any{"foo": "bar"}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	sink := &captureDispatcher{}
	relay := NewRelay(store, sink, time.Second, 8)
	relay.Tick(ctx)

	events := sink.delivered()
	if len(events) != 1 {
		t.Fatalf("expected one delivery, got %d", len(events))
	}
	if events[0].Type != notify.EventResponseReady || events[0].Payload["foo"] != "bar" {
		t.Fatalf("unexpected event: %+v", events[0])
	}

	dispatched, err := store.List(ctx, StatusDispatched, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(dispatched) != 1 {
		t.Fatalf("entry must be marked dispatched, got %d", len(dispatched))
	}

	// 已投递的条目不会被再次认领。
	relay.Tick(ctx)
	if len(sink.delivered()) != 1 {
		t.Fatal("dispatched entries must not be redelivered")
	}
}

func TestRelayRetriesWithBackoff(t *testing.T) {
	store := NewMemoryStore()
	emitter := NewEmitter(store)
	ctx := context.Background()

	if err := emitter.Emit(ctx, notify.EventResponseFailed, "demo.service.chat", "corr-1", "w1", nil); err != nil {
		t.Fatalf("emit: %v", err)
	}

	sink := &captureDispatcher{fail: 1}
	relay := NewRelay(store, sink, time.Second, 8)
	relay.Tick(ctx)

	pending, err := store.List(ctx, StatusPending, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("failed entry must stay pending, got %d", len(pending))
	}
	entry := pending[0]
	if entry.Attempts != 1 || entry.LastError == "" {
		t.Fatalf("failure bookkeeping missing: %+v", entry)
	}
	if entry.NextAttemptAt <= time.Now().Unix()-2 {
		t.Fatalf("retry must be scheduled in the future, got %d", entry.NextAttemptAt)
	}

	// 到期后重试成功。
	if err := store.MarkFailed(ctx, entry.ID, entry.LastError, time.Now().Unix()-1, false); err != nil {
		t.Fatalf("rewind next attempt: %v", err)
	}
	relay.Tick(ctx)
	if len(sink.delivered()) != 1 {
		t.Fatalf("retry must deliver, got %d events", len(sink.delivered()))
	}
}

func TestRelayDeadLettersAndForceDispatch(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	entry := &Entry{
		ID:          "e1",
		EventType:   notify.EventResponseReady,
		Service:     "demo.service.chat",
		Status:      StatusPending,
		Attempts:    4,
		MaxAttempts: 5,
	}
	if err := store.Append(ctx, entry); err != nil {
		t.Fatalf("append: %v", err)
	}

	sink := &captureDispatcher{fail: 1}
	relay := NewRelay(store, sink, time.Second, 8)
	relay.Tick(ctx)

	dead, err := store.List(ctx, StatusDead, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(dead) != 1 {
		t.Fatalf("exhausted entry must be dead-lettered, got %d", len(dead))
	}

	// 人工强制重投会清零计数并立即投递。
	if err := relay.ForceDispatch(ctx, "e1"); err != nil {
		t.Fatalf("force dispatch: %v", err)
	}
	if len(sink.delivered()) != 1 {
		t.Fatalf("force dispatch must deliver, got %d", len(sink.delivered()))
	}
	final, err := store.Get(ctx, "e1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Status != StatusDispatched {
		t.Fatalf("entry must end dispatched, got %s", final.Status)
	}
}
