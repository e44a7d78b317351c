package prompt

import (
	"strings"
	"testing"
)

func TestMergeConcatIsAssociative(t *testing.T) {
	a := Section{ID: "s", Content: []string{"A"}, Merge: MergeConcat}
	b := Section{ID: "s", Content: []string{"B"}, Merge: MergeConcat}
	c := Section{ID: "s", Content: []string{"C"}, Merge: MergeConcat}

	left := mergeSections(mergeSections(a, b), c)
	right := mergeSections(a, mergeSections(b, c))
	if left.Text() != right.Text() {
		t.Fatalf("concat should be associative: %q vs %q", left.Text(), right.Text())
	}
	if left.Text() != "A\n\nB\n\nC" {
		t.Fatalf("unexpected concat result: %q", left.Text())
	}
}

func TestMergeFirstKeepsEarliestWriter(t *testing.T) {
	a := Section{ID: "s", Content: []string{"early"}, Merge: MergeFirst}
	b := Section{ID: "s", Content: []string{"late"}, Merge: MergeLast}
	got := mergeSections(a, b)
	if got.Text() != "early" {
		t.Fatalf("first strategy must keep the earliest writer, got %q", got.Text())
	}
}

func TestMergeLastKeepsLatestWriter(t *testing.T) {
	a := Section{ID: "s", Content: []string{"early"}, Weight: 5, Merge: MergeLast}
	b := Section{ID: "other-id", Content: []string{"late"}, Weight: 7, Merge: MergeFirst}
	got := mergeSections(a, b)
	if got.Text() != "late" {
		t.Fatalf("last strategy must keep the latest writer, got %q", got.Text())
	}
	if got.ID != "s" {
		t.Fatalf("merge result must keep the owning id, got %q", got.ID)
	}
}

func TestMergeCustomCombiner(t *testing.T) {
	a := Section{
		ID:      "s",
		Content: []string{"a"},
		Merge:   MergeCustom,
		Combine: func(x, y Section) Section {
			x.Content = []string{x.Text() + "|" + y.Text()}
			return x
		},
	}
	b := Section{ID: "s", Content: []string{"b"}}
	if got := mergeSections(a, b).Text(); got != "a|b" {
		t.Fatalf("unexpected custom merge: %q", got)
	}
}

func TestRenderOrdersByWeightAndSkipsEmpty(t *testing.T) {
	sections := []Section{
		{ID: "tail", Content: []string{"tail"}, Weight: 90},
		{ID: "empty", Content: []string{"  "}, Weight: 1},
		{ID: "head", Content: []string{"head"}, Weight: 0},
		{ID: "mid", Content: []string{"mid"}, Weight: 40},
	}
	got := Render(sections)
	want := "head\n\nmid\n\ntail"
	if got != want {
		t.Fatalf("unexpected render output:\n%s", got)
	}
	if strings.Contains(got, "empty") {
		t.Fatal("empty sections must be skipped")
	}
}

func TestRenderIsStableForEqualWeights(t *testing.T) {
	sections := []Section{
		{ID: "a", Content: []string{"a"}, Weight: 10},
		{ID: "b", Content: []string{"b"}, Weight: 10},
		{ID: "c", Content: []string{"c"}, Weight: 10},
	}
	if got := Render(sections); got != "a\n\nb\n\nc" {
		t.Fatalf("equal weights must preserve merge order, got %q", got)
	}
}
