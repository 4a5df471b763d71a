package engine

import (
	"strings"
	"testing"
)

func TestParse_Invocations(t *testing.T) {
	out := `Looking at the workspace first.
INVOKE: list_files {"dir": "internal"}
INVOKE: note
Some narration in between.
INVOKE: read_file {broken json
INVOKE:
`
	p := Parse(out)
	if len(p.Invocations) != 4 {
		t.Fatalf("invocations = %d, want 4", len(p.Invocations))
	}
	if p.Invocations[0].Name != "list_files" || p.Invocations[0].Args["dir"] != "internal" {
		t.Errorf("inv[0] = %+v", p.Invocations[0])
	}
	if p.Invocations[1].Name != "note" || len(p.Invocations[1].Args) != 0 || p.Invocations[1].Err != nil {
		t.Errorf("inv[1] = %+v", p.Invocations[1])
	}
	if p.Invocations[2].Err == nil {
		t.Error("expected error for malformed arguments")
	}
	if p.Invocations[3].Err == nil {
		t.Error("expected error for missing name")
	}
}

func TestParse_TaskDoneFirstWins(t *testing.T) {
	p := Parse("TASK_DONE: wired the handler\nTASK_DONE: duplicate\n")
	if !p.TaskDone || p.TaskNote != "wired the handler" {
		t.Errorf("parsed = %+v", p)
	}
}

func TestParse_RewindAndDecisions(t *testing.T) {
	out := `DECISION: keep the old schema
REWIND: plan assumed a migration that does not exist
DECISION: target sqlite only
`
	p := Parse(out)
	if !p.Rewind || p.RewindReason != "plan assumed a migration that does not exist" {
		t.Errorf("rewind = %v %q", p.Rewind, p.RewindReason)
	}
	if len(p.Decisions) != 2 || p.Decisions[1] != "target sqlite only" {
		t.Errorf("decisions = %v", p.Decisions)
	}
}

func TestParse_Handoff(t *testing.T) {
	out := "Plan follows.\nHANDOFF:\n```json\n" +
		`{"strategy": "bottom up", "tasks": [{"description": "write store"}, {"description": "write parser", "notes": "reuse regexp"}]}` +
		"\n```\ntrailing narration\n"
	p := Parse(out)
	if p.HandoffErr != nil {
		t.Fatalf("HandoffErr = %v", p.HandoffErr)
	}
	if p.Handoff == nil || p.Handoff.Strategy != "bottom up" || len(p.Handoff.Tasks) != 2 {
		t.Fatalf("handoff = %+v", p.Handoff)
	}
	if p.Handoff.Tasks[1].Notes != "reuse regexp" {
		t.Errorf("task notes = %+v", p.Handoff.Tasks[1])
	}
}

func TestParse_HandoffPlainFence(t *testing.T) {
	out := "HANDOFF:\n```\n{\"strategy\": \"s\", \"tasks\": []}\n```\n"
	p := Parse(out)
	if p.Handoff == nil || p.HandoffErr != nil {
		t.Errorf("handoff = %+v err = %v", p.Handoff, p.HandoffErr)
	}
}

func TestParse_HandoffErrors(t *testing.T) {
	p := Parse("HANDOFF:\n```json\n{not valid\n```\n")
	if p.HandoffErr == nil || p.Handoff != nil {
		t.Errorf("expected handoff error, got %+v / %v", p.Handoff, p.HandoffErr)
	}

	p = Parse("HANDOFF: here are the tasks\nno block follows\n")
	if p.HandoffErr == nil {
		t.Error("expected error for marker without a block")
	}
}

func TestParse_Complete(t *testing.T) {
	out := "JOB_COMPLETE:\n```json\n" +
		`{"summary": "all done", "deliverables": ["cmd/drover"], "confidence": 0.8, "notes": "one skip"}` +
		"\n```\n"
	p := Parse(out)
	if p.CompleteErr != nil {
		t.Fatalf("CompleteErr = %v", p.CompleteErr)
	}
	c := p.Complete
	if c == nil || c.Summary != "all done" || c.Confidence != 0.8 || len(c.Deliverables) != 1 {
		t.Fatalf("complete = %+v", c)
	}
}

func TestParse_CompleteClampsConfidence(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"-0.5", 0},
		{"0", 0},
		{"1", 1},
		{"3.2", 1},
	}
	for _, tt := range tests {
		out := "JOB_COMPLETE:\n```json\n" +
			`{"summary": "s", "confidence": ` + tt.in + "}\n```\n"
		p := Parse(out)
		if p.Complete == nil {
			t.Fatalf("confidence %s: no completion parsed", tt.in)
		}
		if p.Complete.Confidence != tt.want {
			t.Errorf("confidence %s clamped to %v, want %v", tt.in, p.Complete.Confidence, tt.want)
		}
	}
}

func TestParse_FencedContentIsNotScanned(t *testing.T) {
	out := "HANDOFF:\n```json\n" +
		`{"strategy": "REWIND: not a directive", "tasks": [{"description": "TASK_DONE: also not"}]}` +
		"\n```\n"
	p := Parse(out)
	if p.Rewind || p.TaskDone {
		t.Errorf("markers inside fences leaked: %+v", p)
	}
	if p.Handoff == nil {
		t.Fatalf("handoff lost: %v", p.HandoffErr)
	}
	if !strings.Contains(p.Handoff.Strategy, "REWIND") {
		t.Errorf("strategy mangled: %q", p.Handoff.Strategy)
	}
}

func TestParse_PlainNarration(t *testing.T) {
	p := Parse("I looked around and found nothing remarkable.\n")
	if len(p.Invocations) != 0 || p.TaskDone || p.Rewind || p.Handoff != nil || p.Complete != nil {
		t.Errorf("expected empty parse, got %+v", p)
	}
}
