package audit

import (
	"context"
	"fmt"
	"testing"
)

func TestRecentRepliesOrderedOldestFirst(t *testing.T) {
	store := NewMemoryStore(0)
	recorder := NewRecorder(store)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		entry := &Entry{
			Kind:          KindResponse,
			Service:       "demo.service.chat",
			Target:        "alice",
			CorrelationID: fmt.Sprintf("c%d", i),
			Text:          fmt.Sprintf("reply-%d", i),
			CreatedAt:     int64(i),
		}
		if err := store.Append(ctx, entry); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	// 其他目标与请求条目不计入历史。
	if err := recorder.RecordRequest(ctx, "demo.service.chat", "alice", "c4", "prompt", nil); err != nil {
		t.Fatalf("record request: %v", err)
	}
	if err := recorder.RecordResponse(ctx, "demo.service.chat", "bob", "c5", "other", nil); err != nil {
		t.Fatalf("record response: %v", err)
	}

	replies, err := recorder.RecentReplies(ctx, "alice", 2)
	if err != nil {
		t.Fatalf("recent replies: %v", err)
	}
	if len(replies) != 2 || replies[0] != "reply-2" || replies[1] != "reply-3" {
		t.Fatalf("expected the two latest replies oldest-first, got %v", replies)
	}
}

func TestTraceCollectsWholeExchange(t *testing.T) {
	store := NewMemoryStore(0)
	recorder := NewRecorder(store)
	ctx := context.Background()

	if err := recorder.RecordRequest(ctx, "demo.service.chat", "alice", "corr-1", "prompt", nil); err != nil {
		t.Fatalf("record request: %v", err)
	}
	if err := recorder.RecordResponse(ctx, "demo.service.chat", "alice", "corr-1", "reply", nil); err != nil {
		t.Fatalf("record response: %v", err)
	}
	if err := recorder.RecordRequest(ctx, "demo.service.chat", "alice", "corr-2", "other", nil); err != nil {
		t.Fatalf("record request: %v", err)
	}

	trace, err := recorder.Trace(ctx, "corr-1")
	if err != nil {
		t.Fatalf("trace: %v", err)
	}
	if len(trace) != 2 || trace[0].Kind != KindRequest || trace[1].Kind != KindResponse {
		t.Fatalf("unexpected trace: %+v", trace)
	}
}

func TestMemoryStoreEviction(t *testing.T) {
	store := NewMemoryStore(2)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := store.Append(ctx, &Entry{ID: fmt.Sprintf("e%d", i), Target: "t", Kind: KindResponse}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	entries, err := store.RecentByTarget(ctx, "t", KindResponse, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 2 || entries[0].ID != "e2" {
		t.Fatalf("oldest entry must be evicted, got %+v", entries)
	}
}
