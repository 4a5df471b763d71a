package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/arnevik/drover/internal/tasklist"
)

// Engines steer the run through uppercase directive markers at the start
// of a line. Anything else in the output is narration and flows into the
// conversation untouched.
//
//	INVOKE: <capability> {...}    run a capability with JSON arguments
//	TASK_DONE: <note>             current task is finished
//	DECISION: <text>              record a decision for later summaries
//	REWIND: <reason>              abandon the task list, back to planning
//	HANDOFF: + fenced JSON        hand a task list to the next phase
//	JOB_COMPLETE: + fenced JSON   declare the whole job done

// Invocation is one requested capability call. Err is set when the
// arguments did not parse; such an invocation is never dispatched.
type Invocation struct {
	Name string
	Args map[string]any
	Err  error
}

// Completion is the payload of a JOB_COMPLETE declaration.
type Completion struct {
	Summary      string   `json:"summary"`
	Deliverables []string `json:"deliverables"`
	Confidence   float64  `json:"confidence"`
	Notes        string   `json:"notes"`
}

// Parsed is everything directive-shaped in one engine answer.
type Parsed struct {
	Invocations []Invocation
	Decisions   []string

	TaskDone bool
	TaskNote string

	Rewind       bool
	RewindReason string

	Handoff    *tasklist.HandoffArtifact
	HandoffErr error

	Complete    *Completion
	CompleteErr error
}

var (
	handoffBlockRe  = regexp.MustCompile("(?s)HANDOFF:\\s*```(?:json)?\\s*\n(.*?)```")
	completeBlockRe = regexp.MustCompile("(?s)JOB_COMPLETE:\\s*```(?:json)?\\s*\n(.*?)```")
)

// Parse scans one engine answer for directives.
func Parse(output string) *Parsed {
	p := &Parsed{}

	if m := handoffBlockRe.FindStringSubmatch(output); m != nil {
		var h tasklist.HandoffArtifact
		if err := json.Unmarshal([]byte(m[1]), &h); err != nil {
			p.HandoffErr = fmt.Errorf("handoff JSON: %w", err)
		} else {
			p.Handoff = &h
		}
	}
	if m := completeBlockRe.FindStringSubmatch(output); m != nil {
		var c Completion
		if err := json.Unmarshal([]byte(m[1]), &c); err != nil {
			p.CompleteErr = fmt.Errorf("completion JSON: %w", err)
		} else {
			if c.Confidence < 0 {
				c.Confidence = 0
			}
			if c.Confidence > 1 {
				c.Confidence = 1
			}
			p.Complete = &c
		}
	}

	inFence := false
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "```") {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		switch {
		case strings.HasPrefix(line, "INVOKE:"):
			p.Invocations = append(p.Invocations, parseInvocation(strings.TrimPrefix(line, "INVOKE:")))
		case strings.HasPrefix(line, "TASK_DONE:"):
			if !p.TaskDone {
				p.TaskDone = true
				p.TaskNote = strings.TrimSpace(strings.TrimPrefix(line, "TASK_DONE:"))
			}
		case strings.HasPrefix(line, "REWIND:"):
			if !p.Rewind {
				p.Rewind = true
				p.RewindReason = strings.TrimSpace(strings.TrimPrefix(line, "REWIND:"))
			}
		case strings.HasPrefix(line, "DECISION:"):
			p.Decisions = append(p.Decisions, strings.TrimSpace(strings.TrimPrefix(line, "DECISION:")))
		case strings.HasPrefix(line, "HANDOFF:") && p.Handoff == nil && p.HandoffErr == nil:
			p.HandoffErr = errors.New("HANDOFF marker without a fenced JSON block")
		case strings.HasPrefix(line, "JOB_COMPLETE:") && p.Complete == nil && p.CompleteErr == nil:
			p.CompleteErr = errors.New("JOB_COMPLETE marker without a fenced JSON block")
		}
	}
	return p
}

func parseInvocation(rest string) Invocation {
	rest = strings.TrimSpace(rest)
	name, argText, _ := strings.Cut(rest, " ")
	inv := Invocation{Name: name, Args: map[string]any{}}
	if name == "" {
		inv.Err = errors.New("INVOKE without a capability name")
		return inv
	}
	argText = strings.TrimSpace(argText)
	if argText == "" {
		return inv
	}
	if err := json.Unmarshal([]byte(argText), &inv.Args); err != nil {
		inv.Err = fmt.Errorf("arguments for %s: %w", name, err)
	}
	return inv
}
