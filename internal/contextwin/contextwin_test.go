package contextwin

import (
	"strings"
	"testing"
)

func TestAppend_EstimatesMissingTokens(t *testing.T) {
	w := New(1000, 100, 5, 0)

	w.Append(Message{Role: RoleEngine, Content: "12345678"}) // 8 chars -> 2 tokens
	w.Append(Message{Role: RoleEngine, Content: "xxxx", Tokens: 50})

	if got := w.TotalTokens(); got != 52 {
		t.Errorf("TotalTokens = %d, want 52", got)
	}
}

func TestEstimateTokens_RoundsUp(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.in); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestNeedsCompaction_Triggers(t *testing.T) {
	// Token ceiling.
	w := New(100, 1000, 2, 0)
	for i := 0; i < 4; i++ {
		w.Append(Message{Role: RoleEngine, Content: strings.Repeat("a", 100)}) // 25 tokens each
	}
	if w.NeedsCompaction() {
		t.Error("at the ceiling is not over it")
	}
	w.Append(Message{Role: RoleEngine, Content: "over"})
	if !w.NeedsCompaction() {
		t.Error("expected token ceiling to trigger compaction")
	}

	// Message ceiling.
	w = New(1_000_000, 3, 1, 0)
	for i := 0; i < 4; i++ {
		w.Append(Message{Role: RoleEngine, Content: "short message here"})
	}
	if !w.NeedsCompaction() {
		t.Error("expected message ceiling to trigger compaction")
	}
}

func TestNeedsCompaction_MinSizeGate(t *testing.T) {
	// Ceilings exceeded, but the whole conversation is tiny.
	w := New(1, 1, 1, 8000)
	for i := 0; i < 10; i++ {
		w.Append(Message{Role: RoleEngine, Content: "tiny"})
	}
	if w.NeedsCompaction() {
		t.Error("conversation below the minimum size must never compact")
	}
}

func TestCompact_RetainsRecentVerbatim(t *testing.T) {
	w := New(10, 10, 3, 0)
	contents := []string{"m1", "m2", "m3", "m4", "m5", "m6", "m7"}
	for _, c := range contents {
		w.Append(Message{Role: RoleEngine, Content: c})
	}

	dropped := w.Compact()
	if dropped != 4 {
		t.Errorf("dropped = %d, want 4", dropped)
	}
	msgs := w.Messages()
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want summary + 3 retained", len(msgs))
	}
	if msgs[0].Role != RoleSystem || !strings.Contains(msgs[0].Content, "4 earlier messages") {
		t.Errorf("summary = %+v", msgs[0])
	}
	for i, want := range []string{"m5", "m6", "m7"} {
		if msgs[i+1].Content != want {
			t.Errorf("retained[%d] = %q, want %q", i, msgs[i+1].Content, want)
		}
	}
}

func TestCompact_SummaryHarvestsMarkers(t *testing.T) {
	w := New(10, 10, 1, 0)
	w.Append(Message{Role: RoleEngine, Content: "DECISION: use sqlite for the ledger\nsome narration"})
	w.Append(Message{Role: RoleCapability, Capability: "read_file", Ref: "main.go", Content: "package main"})
	w.Append(Message{Role: RoleCapability, Capability: "read_file", Ref: "main.go", Content: "package main"})
	w.Append(Message{Role: RoleCapability, Capability: "run_check", Ref: "", Content: "ok"})
	w.Append(Message{Role: RoleEngine, Content: "BLOCKED: fixture file is missing"})
	w.Append(Message{Role: RoleEngine, Content: "  DEVIATION: skipped step 3, already done"})
	w.Append(Message{Role: RoleEngine, Content: "latest"})

	w.Compact()
	summary := w.Messages()[0].Content

	for _, want := range []string{
		"use sqlite for the ledger",
		"read_file (2): main.go",
		"run_check (1)",
		"fixture file is missing",
		"skipped step 3, already done",
	} {
		if !strings.Contains(summary, want) {
			t.Errorf("summary missing %q:\n%s", want, summary)
		}
	}
}

func TestCompact_RecompactionKeepsFacts(t *testing.T) {
	w := New(10, 10, 1, 0)
	w.Append(Message{Role: RoleEngine, Content: "DECISION: keep the v2 wire format"})
	w.Append(Message{Role: RoleCapability, Capability: "read_file", Ref: "codec.go", Content: "package codec"})
	w.Append(Message{Role: RoleEngine, Content: "BLOCKED: schema dump is stale"})
	w.Append(Message{Role: RoleEngine, Content: "filler"})
	w.Compact()

	// The second round folds the first summary itself away. Its facts must
	// survive into the new summary, merged with the fresh ones.
	w.Append(Message{Role: RoleCapability, Capability: "read_file", Ref: "schema.sql", Content: "create table"})
	w.Append(Message{Role: RoleEngine, Content: "DEVIATION: regenerated the dump first"})
	w.Append(Message{Role: RoleEngine, Content: "latest"})
	w.Compact()

	summary := w.Messages()[0].Content
	for _, want := range []string{
		"6 earlier messages",
		"keep the v2 wire format",
		"schema dump is stale",
		"regenerated the dump first",
		"read_file (2): codec.go, schema.sql",
	} {
		if !strings.Contains(summary, want) {
			t.Errorf("summary missing %q:\n%s", want, summary)
		}
	}
}

func TestCompact_ShrinksTokenFootprint(t *testing.T) {
	w := New(100, 1000, 2, 0)
	for i := 0; i < 20; i++ {
		w.Append(Message{Role: RoleEngine, Content: strings.Repeat("chatter ", 50)})
	}
	before := w.TotalTokens()

	w.Compact()
	if after := w.TotalTokens(); after >= before {
		t.Errorf("tokens after compaction = %d, want < %d", after, before)
	}
}

func TestCompact_NothingToDrop(t *testing.T) {
	w := New(10, 10, 5, 0)
	w.Append(Message{Role: RoleEngine, Content: "only one"})

	if dropped := w.Compact(); dropped != 0 {
		t.Errorf("dropped = %d, want 0", dropped)
	}
	if w.Len() != 1 || w.Messages()[0].Content != "only one" {
		t.Errorf("buffer changed: %+v", w.Messages())
	}
}

func TestCompact_RepeatedStaysStable(t *testing.T) {
	w := New(50, 5, 2, 0)
	for i := 0; i < 10; i++ {
		w.Append(Message{Role: RoleEngine, Content: strings.Repeat("x", 200)})
	}
	w.Compact()
	first := len(w.Messages())

	// Compacting an already compacted buffer folds the old summary into
	// the new one rather than stacking summaries.
	for i := 0; i < 4; i++ {
		w.Append(Message{Role: RoleEngine, Content: strings.Repeat("y", 200)})
	}
	w.Compact()
	if got := len(w.Messages()); got != first {
		t.Errorf("messages after second compaction = %d, want %d", got, first)
	}
	summaries := 0
	for _, m := range w.Messages() {
		if m.Role == RoleSystem {
			summaries++
		}
	}
	if summaries != 1 {
		t.Errorf("summaries = %d, want 1", summaries)
	}
}
