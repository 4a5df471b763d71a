package phase

import (
	"fmt"
	"strings"

	"github.com/arnevik/drover/internal/contextwin"
	"github.com/arnevik/drover/internal/memory"
	"github.com/arnevik/drover/internal/store"
	"github.com/arnevik/drover/internal/tasklist"
)

// Prompt assembly. Every engine turn gets the full briefing rebuilt from
// the job row, the memory documents, and the conversation window. The
// engine keeps no state of its own between turns, so anything it must
// rely on has to appear here or in the memory documents.

// strategicPrompt builds the briefing for one planning turn:
// 1. Role and job instructions
// 2. Reviewer feedback, verbatim, when the job came back from review
// 3. Memory, plan, and recent archive
// 4. Prior checkpoints (later phases only)
// 5. The fixed checklist with its current progress
// 6. Capabilities available in this phase
// 7. The conversation so far, then the response format
func (c *Controller) strategicPrompt() string {
	var parts []string

	parts = append(parts, "# You are the strategic planner for an autonomous job\nYour job is to study the work done so far, keep the memory and plan documents current, and either hand off the next batch of tasks or declare the job complete.")

	parts = append(parts, "## Job instructions\n"+strings.TrimSpace(c.Job.Instructions))

	if c.Job.Feedback != "" {
		parts = append(parts, "## Reviewer feedback\n"+c.Job.Feedback)
	}

	if s := c.memorySection(); s != "" {
		parts = append(parts, s)
	}

	if c.phaseNum > 1 {
		if s := c.checkpointSection(); s != "" {
			parts = append(parts, s)
		}
	}

	parts = append(parts, "## Checklist\nWork through these steps in order, reporting each finished step with TASK_DONE:\n"+renderChecklist(c.items))

	parts = append(parts, c.capabilitySection(store.PhaseStrategic))

	if s := renderWindow(c.win); s != "" {
		parts = append(parts, "## Conversation so far\n"+s)
	}

	parts = append(parts, strategicInstructions)

	return strings.Join(parts, "\n\n")
}

// tacticalPrompt builds the briefing for one execution turn on the
// current task.
func (c *Controller) tacticalPrompt(task tasklist.Task) string {
	var parts []string

	parts = append(parts, "# You are the tactical executor for an autonomous job\nYour job is to finish the current task from the handed-off list. Work only on this task; planning and replanning happen elsewhere.")

	parts = append(parts, "## Job instructions\n"+strings.TrimSpace(c.Job.Instructions))

	if c.strategy != "" {
		parts = append(parts, "## Strategy for this list\n"+c.strategy)
	}

	if s := c.memorySection(); s != "" {
		parts = append(parts, s)
	}

	parts = append(parts, "## Task list\n"+strings.TrimSpace(c.list.Render()))

	cur := fmt.Sprintf("## Current task\n#%d: %s", task.ID, task.Description)
	if task.Notes != "" {
		cur += "\nNotes: " + task.Notes
	}
	if task.Attempts > 0 {
		cur += fmt.Sprintf("\nFailed attempts so far: %d", task.Attempts)
	}
	parts = append(parts, cur)

	parts = append(parts, c.capabilitySection(store.PhaseTactical))

	if s := renderWindow(c.win); s != "" {
		parts = append(parts, "## Conversation so far\n"+s)
	}

	parts = append(parts, tacticalInstructions)

	return strings.Join(parts, "\n\n")
}

// memorySection folds the three durable documents into one block. Empty
// documents are skipped rather than shown as bare headings.
func (c *Controller) memorySection() string {
	var sb strings.Builder

	if mem, err := c.Docs.ReadMemory(c.Job.ID); err == nil && strings.TrimSpace(mem) != "" {
		sb.WriteString("## Memory document\n")
		sb.WriteString(strings.TrimSpace(mem))
		sb.WriteString("\n\n")
	}

	if plan, err := c.Docs.ReadPlan(c.Job.ID); err == nil && strings.TrimSpace(plan) != "" {
		sb.WriteString("## Plan document\n")
		sb.WriteString(strings.TrimSpace(plan))
		sb.WriteString("\n\n")
	}

	if tail := archiveTail(c.Docs, c.Job.ID); tail != "" {
		sb.WriteString("## Archive (most recent)\n")
		sb.WriteString(tail)
		sb.WriteString("\n")
	}

	return strings.TrimRight(sb.String(), "\n")
}

// checkpointSection lists the job branch's commits so the planner can see
// what earlier tactical phases already finished.
func (c *Controller) checkpointSection() string {
	if !c.ckptOK {
		return ""
	}
	lines, err := c.Checkpoints.History(20)
	if err != nil || len(lines) == 0 {
		return ""
	}
	return "## Prior checkpoints\nThe job's commits so far, newest first: one per finished task, plus start and phase markers:\n" + strings.Join(lines, "\n")
}

func (c *Controller) capabilitySection(phase store.PhaseKind) string {
	caps := c.Registry.ForPhase(phase)
	if len(caps) == 0 {
		return "## Capabilities\n(none available)"
	}
	var sb strings.Builder
	sb.WriteString("## Capabilities\nInvoke with INVOKE: <name> {\"arg\": \"value\"} — JSON arguments on the same line:\n")
	for _, def := range caps {
		fmt.Fprintf(&sb, "- %s: %s\n", def.Name, def.Description)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// renderWindow flattens the conversation window into labeled blocks.
func renderWindow(win *contextwin.Window) string {
	msgs := win.Messages()
	if len(msgs) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, m := range msgs {
		if m.Role == contextwin.RoleCapability {
			fmt.Fprintf(&sb, "[%s %s]\n%s\n\n", m.Role, m.Capability, m.Content)
			continue
		}
		fmt.Fprintf(&sb, "[%s]\n%s\n\n", m.Role, m.Content)
	}
	return strings.TrimSpace(sb.String())
}

func renderChecklist(items []checklistItem) string {
	var sb strings.Builder
	for i, it := range items {
		mark := " "
		suffix := ""
		switch it.status {
		case tasklist.StatusCompleted:
			mark = "x"
		case tasklist.StatusInProgress:
			suffix = " (in progress)"
		}
		fmt.Fprintf(&sb, "- [%s] %d. %s%s\n", mark, i+1, it.desc, suffix)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// archiveTail returns the last chunk of the archive so earlier phases stay
// visible without flooding the prompt.
func archiveTail(docs *memory.Store, jobID string) string {
	const maxLen = 4000

	s, err := docs.ReadArchive(jobID)
	if err != nil {
		return ""
	}
	s = strings.TrimSpace(s)
	if s == "" || s == "# Archive" {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	cut := s[len(s)-maxLen:]
	if i := strings.Index(cut, "\n"); i >= 0 {
		cut = cut[i+1:]
	}
	return "... (earlier archive omitted)\n" + cut
}

const strategicInstructions = `## Response format
Respond with directives, one per line, uppercase marker first:

INVOKE: <capability> {"arg": "value"}
TASK_DONE: <one-line note when the current checklist step is finished>
DECISION: <one-line record of a choice worth remembering>

To hand off the next batch of work, emit the marker followed by a fenced JSON block:

HANDOFF:
` + "```json" + `
{"strategy": "<one paragraph>", "tasks": [{"description": "...", "notes": "..."}]}
` + "```" + `

To declare the whole job finished, emit:

JOB_COMPLETE:
` + "```json" + `
{"summary": "...", "deliverables": ["..."], "confidence": 0.0, "notes": "..."}
` + "```" + `

A completion declaration is only accepted after verification evidence from this
session, for example a run_check invocation. Plain text is treated as observation.`

const tacticalInstructions = `## Response format
Respond with directives, one per line, uppercase marker first:

INVOKE: <capability> {"arg": "value"}
TASK_DONE: <one-line note marking the current task finished>
DECISION: <one-line record of a choice worth remembering>
BLOCKED: <what is missing, kept as working context for the planner>
DEVIATION: <where you departed from the task notes and why>
REWIND: <reason, abandons the rest of the list when it rests on a wrong assumption>

Finish exactly one task per TASK_DONE. Plain text is treated as observation.`
