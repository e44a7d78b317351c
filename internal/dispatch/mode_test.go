package dispatch

import (
	"testing"
	"time"
)

func boolPtr(v bool) *bool { return &v }

func TestResolveModePrecedence(t *testing.T) {
	cases := []struct {
		name     string
		hint     *Hint
		policy   Policy
		defaults Defaults
		want     Mode
	}{
		{"builtin fallback is sync", nil, Policy{}, Defaults{}, ModeSync},
		{"process default applies", nil, Policy{}, Defaults{Mode: ModeAsync}, ModeAsync},
		{"service default beats process default", nil, Policy{DefaultMode: ModeSync}, Defaults{Mode: ModeAsync}, ModeSync},
		{"caller hint beats service default", &Hint{Enqueue: boolPtr(true)}, Policy{DefaultMode: ModeSync}, Defaults{}, ModeAsync},
		{"caller opts out of async default", &Hint{Enqueue: boolPtr(false)}, Policy{DefaultMode: ModeAsync}, Defaults{}, ModeSync},
		{"require enqueue beats caller opt-out", &Hint{Enqueue: boolPtr(false)}, Policy{RequireEnqueue: true}, Defaults{}, ModeAsync},
		{"require enqueue with silent caller", nil, Policy{RequireEnqueue: true, DefaultMode: ModeSync}, Defaults{}, ModeAsync},
	}
	for _, tc := range cases {
		if got := ResolveMode(tc.hint, tc.policy, tc.defaults); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestResolvePriorityPrecedence(t *testing.T) {
	if got := ResolvePriority(nil, Policy{}, Defaults{}); got != 0 {
		t.Fatalf("expected zero priority fallback, got %d", got)
	}
	if got := ResolvePriority(nil, Policy{}, Defaults{Priority: 2}); got != 2 {
		t.Fatalf("expected process default, got %d", got)
	}
	if got := ResolvePriority(nil, Policy{Priority: 5}, Defaults{Priority: 2}); got != 5 {
		t.Fatalf("expected service policy to win, got %d", got)
	}
	if got := ResolvePriority(&Hint{Priority: 9}, Policy{Priority: 5}, Defaults{Priority: 2}); got != 9 {
		t.Fatalf("expected caller hint to win, got %d", got)
	}
}

func TestResolveRunAfterPrecedence(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	if got := ResolveRunAfter(now, nil, Policy{}, Defaults{}); got != 0 {
		t.Fatalf("expected immediate execution by default, got %d", got)
	}
	if got := ResolveRunAfter(now, nil, Policy{}, Defaults{RunAfter: time.Minute}); got != now.Add(time.Minute).Unix() {
		t.Fatalf("expected process default delay, got %d", got)
	}
	if got := ResolveRunAfter(now, nil, Policy{RunAfter: time.Hour}, Defaults{RunAfter: time.Minute}); got != now.Add(time.Hour).Unix() {
		t.Fatalf("expected service policy delay to win, got %d", got)
	}
	at := now.Add(30 * time.Second)
	if got := ResolveRunAfter(now, &Hint{RunAfter: at}, Policy{RunAfter: time.Hour}, Defaults{}); got != at.Unix() {
		t.Fatalf("expected caller hint to win, got %d", got)
	}
}

func TestResolveRetries(t *testing.T) {
	if got := ResolveRetries(Policy{}, Defaults{}); got != 1 {
		t.Fatalf("expected builtin retry floor of 1, got %d", got)
	}
	if got := ResolveRetries(Policy{}, Defaults{MaxRetries: 3}); got != 3 {
		t.Fatalf("expected process default, got %d", got)
	}
	if got := ResolveRetries(Policy{MaxRetries: 5}, Defaults{MaxRetries: 3}); got != 5 {
		t.Fatalf("expected service policy to win, got %d", got)
	}
}
