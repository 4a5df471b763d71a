// Package tasklist manages the active task queue a tactical phase drains.
// The queue lives in process but every mutation is mirrored to the job's
// document directory, so a crashed worker leaves an inspectable trail and
// the next claimant can archive whatever was in flight.
package tasklist

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/arnevik/drover/internal/memory"
)

// Status of a single task in the active list.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Task is one entry in the active list. Blocked tasks are recorded as
// completed with an explanatory note so the list can always drain.
type Task struct {
	ID          int    `json:"id"`
	Description string `json:"description"`
	Notes       string `json:"notes,omitempty"`
	Status      Status `json:"status"`
	Note        string `json:"note,omitempty"`
	Blocked     bool   `json:"blocked,omitempty"`
	Attempts    int    `json:"attempts,omitempty"`
}

// HandoffTask is one planned step inside a handoff artifact.
type HandoffTask struct {
	Description string `json:"description"`
	Notes       string `json:"notes,omitempty"`
}

// HandoffArtifact is the strategic phase's output: a strategy summary and
// the ordered tasks for the next tactical phase.
type HandoffArtifact struct {
	Strategy string        `json:"strategy"`
	Tasks    []HandoffTask `json:"tasks"`
}

// Validate checks the artifact against the configured task bounds.
func (h *HandoffArtifact) Validate(min, max int) error {
	if strings.TrimSpace(h.Strategy) == "" {
		return fmt.Errorf("handoff has no strategy")
	}
	if len(h.Tasks) < min {
		return fmt.Errorf("handoff has %d tasks, need at least %d", len(h.Tasks), min)
	}
	if len(h.Tasks) > max {
		return fmt.Errorf("handoff has %d tasks, at most %d allowed", len(h.Tasks), max)
	}
	for i, task := range h.Tasks {
		if strings.TrimSpace(task.Description) == "" {
			return fmt.Errorf("handoff task %d has no description", i+1)
		}
	}
	return nil
}

// Manager owns the active task list for one job.
type Manager struct {
	jobID string
	docs  *memory.Store
	tasks []Task
}

// Load restores the active list from the job's document directory. A job
// with no mirrored list starts empty.
func Load(docs *memory.Store, jobID string) (*Manager, error) {
	m := &Manager{jobID: jobID, docs: docs}
	data, err := docs.LoadTasks(jobID)
	if err != nil {
		return nil, fmt.Errorf("load task list: %w", err)
	}
	if data != nil {
		if err := json.Unmarshal(data, &m.tasks); err != nil {
			return nil, fmt.Errorf("decode task list: %w", err)
		}
	}
	return m, nil
}

// SetFromHandoff replaces the active list with the artifact's tasks. The
// previous list must have been drained or archived first.
func (m *Manager) SetFromHandoff(h HandoffArtifact) error {
	if m.Unfinished() > 0 {
		return fmt.Errorf("active list still has %d unfinished tasks", m.Unfinished())
	}
	tasks := make([]Task, len(h.Tasks))
	for i, t := range h.Tasks {
		tasks[i] = Task{
			ID:          i + 1,
			Description: t.Description,
			Notes:       t.Notes,
			Status:      StatusPending,
		}
	}
	m.tasks = tasks
	return m.save()
}

// Tasks returns a copy of the active list.
func (m *Manager) Tasks() []Task {
	out := make([]Task, len(m.tasks))
	copy(out, m.tasks)
	return out
}

// Len returns the number of tasks in the active list.
func (m *Manager) Len() int {
	return len(m.tasks)
}

// Next returns the first pending task, in declared order.
func (m *Manager) Next() (Task, bool) {
	for _, t := range m.tasks {
		if t.Status == StatusPending {
			return t, true
		}
	}
	return Task{}, false
}

// Current returns the in-progress task, if any.
func (m *Manager) Current() (Task, bool) {
	for _, t := range m.tasks {
		if t.Status == StatusInProgress {
			return t, true
		}
	}
	return Task{}, false
}

// Start marks a task in progress. Only the first pending task may start,
// and never while another task is in progress.
func (m *Manager) Start(id int) error {
	if cur, ok := m.Current(); ok {
		return fmt.Errorf("task %d is already in progress", cur.ID)
	}
	next, ok := m.Next()
	if !ok {
		return fmt.Errorf("no pending tasks")
	}
	if next.ID != id {
		return fmt.Errorf("task %d is next, not %d", next.ID, id)
	}
	m.tasks[m.index(id)].Status = StatusInProgress
	return m.save()
}

// Complete marks a task completed with a note and returns how many tasks
// are still unfinished. A non-positive id picks the first unfinished task,
// for callers that just want to close out the head of the queue; an
// explicit id must name a task that was started. Completing an already
// completed task is a no-op, so retried engine output cannot corrupt
// the list.
func (m *Manager) Complete(id int, note string) (int, error) {
	picked := false
	if id <= 0 {
		head, ok := m.Current()
		if !ok {
			head, ok = m.Next()
		}
		if !ok {
			return 0, fmt.Errorf("no unfinished task to complete")
		}
		id = head.ID
		picked = true
	}
	i := m.index(id)
	if i == -1 {
		return 0, fmt.Errorf("no task %d", id)
	}
	switch m.tasks[i].Status {
	case StatusCompleted:
		return m.Unfinished(), nil
	case StatusPending:
		if !picked {
			return 0, fmt.Errorf("task %d was never started", id)
		}
	}
	m.tasks[i].Status = StatusCompleted
	m.tasks[i].Note = note
	if err := m.save(); err != nil {
		return 0, err
	}
	return m.Unfinished(), nil
}

// CompleteBlocked marks a task completed with a blocked note after its
// retries ran out. The list keeps draining; the note survives into the
// archive and the next strategic review.
func (m *Manager) CompleteBlocked(id int, note string) error {
	i := m.index(id)
	if i == -1 {
		return fmt.Errorf("no task %d", id)
	}
	if m.tasks[i].Status == StatusCompleted {
		return nil
	}
	m.tasks[i].Status = StatusCompleted
	m.tasks[i].Blocked = true
	m.tasks[i].Note = note
	return m.save()
}

// BumpAttempts increments and returns the attempt count for a task.
func (m *Manager) BumpAttempts(id int) (int, error) {
	i := m.index(id)
	if i == -1 {
		return 0, fmt.Errorf("no task %d", id)
	}
	m.tasks[i].Attempts++
	if err := m.save(); err != nil {
		return 0, err
	}
	return m.tasks[i].Attempts, nil
}

// Unfinished returns how many tasks are pending or in progress.
func (m *Manager) Unfinished() int {
	n := 0
	for _, t := range m.tasks {
		if t.Status != StatusCompleted {
			n++
		}
	}
	return n
}

// AllDone reports whether every task is completed. An empty list is done.
func (m *Manager) AllDone() bool {
	return m.Unfinished() == 0
}

// Blocked returns the tasks that were closed out as blocked.
func (m *Manager) Blocked() []Task {
	var out []Task
	for _, t := range m.tasks {
		if t.Blocked {
			out = append(out, t)
		}
	}
	return out
}

// Archive renders the current list into the job archive under heading and
// clears the active list. Archiving never refuses: partial, pristine, and
// empty lists all land in the archive as-is.
func (m *Manager) Archive(heading string) error {
	if err := m.docs.AppendArchive(m.jobID, heading, m.Render()); err != nil {
		return fmt.Errorf("archive task list: %w", err)
	}
	m.tasks = nil
	if err := m.docs.ClearTasks(m.jobID); err != nil {
		return fmt.Errorf("clear task mirror: %w", err)
	}
	return nil
}

// Render returns the list as markdown checkboxes.
func (m *Manager) Render() string {
	if len(m.tasks) == 0 {
		return "(no tasks)\n"
	}
	var b strings.Builder
	for _, t := range m.tasks {
		box := " "
		if t.Status == StatusCompleted {
			box = "x"
		}
		fmt.Fprintf(&b, "- [%s] %d. %s", box, t.ID, t.Description)
		switch {
		case t.Blocked:
			fmt.Fprintf(&b, " (blocked: %s)", t.Note)
		case t.Note != "":
			fmt.Fprintf(&b, " (%s)", t.Note)
		case t.Status == StatusInProgress:
			b.WriteString(" (in progress)")
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (m *Manager) index(id int) int {
	for i, t := range m.tasks {
		if t.ID == id {
			return i
		}
	}
	return -1
}

func (m *Manager) save() error {
	data, err := json.MarshalIndent(m.tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("encode task list: %w", err)
	}
	if err := m.docs.SaveTasks(m.jobID, data); err != nil {
		return fmt.Errorf("mirror task list: %w", err)
	}
	return nil
}
