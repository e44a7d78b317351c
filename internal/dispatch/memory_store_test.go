package dispatch

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"testing"
)

func newWork(id string) *Work {
	return &Work{
		ID:         id,
		Service:    "demo.service.chat",
		MaxRetries: 2,
		Status:     StatusPlanned,
	}
}

func TestMemoryStoreClaimLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newWork("w1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, newWork("w1")); !stdErrors.Is(err, ErrWorkConflict) {
		t.Fatalf("duplicate create must conflict, got %v", err)
	}

	claimed, err := store.Claim(ctx, "w1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("unexpected claimed state: %+v", claimed)
	}

	// 运行中的单元不可重复认领。
	if _, err := store.Claim(ctx, "w1"); !stdErrors.Is(err, ErrWorkConflict) {
		t.Fatalf("running work must conflict, got %v", err)
	}

	if err := store.MarkSucceeded(ctx, "w1", json.RawMessage(`{"ok":true}`)); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	if _, err := store.Claim(ctx, "w1"); !stdErrors.Is(err, ErrWorkCompleted) {
		t.Fatalf("completed work must refuse claims, got %v", err)
	}
}

func TestMemoryStoreClaimExhausted(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, newWork("w1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := store.Claim(ctx, "w1"); err != nil {
			t.Fatalf("claim %d: %v", i+1, err)
		}
		if err := store.MarkFailed(ctx, "w1", CodeDispatchFailed, "boom", false); err != nil {
			t.Fatalf("mark failed %d: %v", i+1, err)
		}
	}

	if _, err := store.Claim(ctx, "w1"); !stdErrors.Is(err, ErrWorkExhausted) {
		t.Fatalf("expected exhausted after max retries, got %v", err)
	}
}

func TestMemoryStoreListAndStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"w1", "w2", "w3"} {
		if err := store.Create(ctx, newWork(id)); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if _, err := store.Claim(ctx, "w2"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "w2", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	succeeded, err := store.List(ctx, BuildListOptions([]ListOption{WithStatuses(StatusSucceeded)}))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(succeeded) != 1 || succeeded[0].ID != "w2" {
		t.Fatalf("unexpected listing: %+v", succeeded)
	}

	withResult, err := store.List(ctx, BuildListOptions([]ListOption{WithResultPresence(true)}))
	if err != nil {
		t.Fatalf("list by result: %v", err)
	}
	if len(withResult) != 1 {
		t.Fatalf("expected one work with result, got %d", len(withResult))
	}

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Succeeded != 1 || stats.Planned != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
