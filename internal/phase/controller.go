// Package phase drives a claimed job through alternating strategic and
// tactical segments until it freezes for review, fails past retry, or the
// claim is halted from outside.
//
// Strategic segments plan: the engine reviews durable memory, updates it,
// and either hands off a bounded task list or declares the job complete.
// Tactical segments execute: the engine drains the handed-off list one
// task at a time, one checkpoint commit per finished task. All state that
// must survive the phase boundary lives in the memory documents; the
// conversation window is rebuilt fresh for every segment.
package phase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/arnevik/drover/internal/capability"
	"github.com/arnevik/drover/internal/checkpoint"
	"github.com/arnevik/drover/internal/config"
	"github.com/arnevik/drover/internal/contextwin"
	"github.com/arnevik/drover/internal/engine"
	"github.com/arnevik/drover/internal/memory"
	"github.com/arnevik/drover/internal/store"
	"github.com/arnevik/drover/internal/tasklist"
)

// ErrHalted reports that the run stopped because the job was cancelled,
// reassigned, or the worker is shutting down. Not a failure: the caller
// must not mark the job failed on it.
var ErrHalted = errors.New("run halted")

const (
	// maxTaskTurns caps engine turns spent on a single task before it
	// degrades to blocked, independent of the retry budget.
	maxTaskTurns = 20

	// maxStrategicTurns caps one planning segment. A planner that burns
	// this many turns without handing off or completing has lost the plot.
	maxStrategicTurns = 40
)

// ClientFactory builds a fresh engine client for each phase segment.
// *engine.Builder satisfies it; tests substitute scripted clients.
type ClientFactory interface {
	ForPhase(engineName string) (*engine.Client, error)
}

// Deps wires the controller to everything it touches. Checkpoints may be
// nil; checkpointing is then disabled for the run and recorded as an event.
type Deps struct {
	Job         *store.Job
	Store       store.Store
	Docs        *memory.Store
	Registry    *capability.Registry
	Clients     ClientFactory
	Checkpoints *checkpoint.Manager
	Workspace   string // directory CLI engines run in, normally the job's worktree
	Config      *config.Config
	Log         *slog.Logger
	WorkerID    string
}

// Controller drives one claimed job for as long as this worker holds it.
type Controller struct {
	Deps

	phaseNum int
	verified bool // a verification-class capability ran during this claim
	strategy string
	ckptOK   bool

	list  *tasklist.Manager
	win   *contextwin.Window
	items []checklistItem
}

func NewController(d Deps) *Controller {
	if d.Log == nil {
		d.Log = slog.New(slog.DiscardHandler)
	}
	return &Controller{Deps: d}
}

// Run drives the job until it freezes for review, the engine fails past
// retry, or the run is halted from outside. A nil return means the job is
// frozen in pending_review; ErrHalted means the claim ended early; any
// other error should fail the job.
func (c *Controller) Run(ctx context.Context) error {
	jobID := c.Job.ID

	if err := c.Docs.EnsureJob(jobID); err != nil {
		return fmt.Errorf("prepare memory dir: %w", err)
	}
	c.seedMemory()

	c.ckptOK = c.Checkpoints != nil
	if c.ckptOK {
		if err := c.Checkpoints.Ensure(); err != nil {
			c.ckptOK = false
			c.Log.Warn("checkpointing disabled", "job", jobID, "error", err)
			c.Store.AddEvent(jobID, c.WorkerID, "checkpoint_failed", err.Error())
		}
	}

	list, err := tasklist.Load(c.Docs, jobID)
	if err != nil {
		return fmt.Errorf("load task list: %w", err)
	}
	c.list = list

	// A leftover unfinished list means a previous claim died mid-tactical.
	// Archive it and replan rather than guessing where it stopped.
	if c.list.Unfinished() > 0 {
		if err := c.list.Archive("Interrupted: previous run ended mid-list"); err != nil {
			return fmt.Errorf("archive interrupted list: %w", err)
		}
		c.Store.AddEvent(jobID, c.WorkerID, "list_interrupted", "archived leftover task list")
	}

	c.phaseNum = c.closeDanglingPhases()

	for {
		hand, err := c.loadHandoff()
		if err != nil {
			return err
		}
		if hand == nil {
			frozen, err := c.runStrategic(ctx)
			if err != nil {
				return err
			}
			if frozen {
				return nil
			}
			if hand, err = c.loadHandoff(); err != nil {
				return err
			}
		}
		if err := c.runTactical(ctx, hand); err != nil {
			return err
		}
	}
}

// runStrategic drives one planning segment. Returns frozen=true when a
// completion declaration was accepted, frozen=false when a handoff was
// accepted and execution should follow.
func (c *Controller) runStrategic(ctx context.Context) (frozen bool, err error) {
	jobID := c.Job.ID

	if err := c.Store.StartPhase(jobID, c.phaseNum, store.PhaseStrategic); err != nil {
		return false, fmt.Errorf("start strategic phase: %w", err)
	}
	c.Store.AddEvent(jobID, c.WorkerID, "phase_started", fmt.Sprintf("strategic %d", c.phaseNum))
	c.Log.Info("strategic phase started", "job", jobID, "phase", c.phaseNum)

	client, err := c.Clients.ForPhase(c.Job.Engine)
	if err != nil {
		return false, fmt.Errorf("build engine client: %w", err)
	}

	c.win = c.newWindow()
	c.items = c.checklist()

	stalls := 0
	for turn := 0; turn < maxStrategicTurns; turn++ {
		if err := c.halted(ctx); err != nil {
			c.endPhase(store.OutcomeInterrupted)
			return false, err
		}

		res, err := client.Invoke(ctx, engine.Request{Prompt: c.strategicPrompt(), Workdir: c.Workspace})
		if err != nil {
			stalls++
			c.Log.Warn("engine call failed", "job", jobID, "phase", c.phaseNum, "error", err)
			if stalls >= c.Config.Run.Retries() {
				c.endPhase(store.OutcomeInterrupted)
				return false, fmt.Errorf("strategic engine: %w", err)
			}
			continue
		}

		c.observe(contextwin.Message{Role: contextwin.RoleEngine, Content: res.Output, Tokens: res.TokensOut})
		parsed := engine.Parse(res.Output)

		progress := c.dispatchAll(ctx, parsed, store.PhaseStrategic)
		if len(parsed.Decisions) > 0 {
			progress = true
		}

		if parsed.TaskDone {
			c.advanceChecklist()
			progress = true
		}
		if parsed.Rewind {
			c.systemMsg("REWIND is only meaningful during task execution. Continue planning.")
			progress = true
		}
		if parsed.HandoffErr != nil {
			c.systemMsg("HANDOFF was malformed: " + parsed.HandoffErr.Error() + ". Re-emit the marker followed by a fenced JSON block.")
			progress = true
		}
		if parsed.CompleteErr != nil {
			c.systemMsg("JOB_COMPLETE was malformed: " + parsed.CompleteErr.Error() + ". Re-emit the marker followed by a fenced JSON block.")
			progress = true
		}

		if parsed.Complete != nil {
			if !c.verified {
				c.Store.AddEvent(jobID, c.WorkerID, "completion_rejected", "no verification capability ran this session")
				c.systemMsg("Completion rejected: no verification-class capability has run during this session. Run one, for example run_check, then declare again.")
				progress = true
			} else {
				if err := c.freeze(parsed.Complete); err != nil {
					c.endPhase(store.OutcomeInterrupted)
					return false, err
				}
				c.completeChecklist()
				c.endPhase(store.OutcomeTerminal)
				c.Log.Info("job frozen for review", "job", jobID, "phase", c.phaseNum)
				return true, nil
			}
		}

		if parsed.Handoff != nil {
			min, max := c.Config.Run.Bounds()
			if err := parsed.Handoff.Validate(min, max); err != nil {
				c.Store.AddEvent(jobID, c.WorkerID, "handoff_rejected", err.Error())
				c.rejectFinalItem()
				c.systemMsg("Handoff rejected: " + err.Error() + ". Revise the task list and hand off again.")
				progress = true
			} else {
				data, err := json.MarshalIndent(parsed.Handoff, "", "  ")
				if err != nil {
					return false, fmt.Errorf("encode handoff: %w", err)
				}
				if err := c.Docs.SaveHandoff(jobID, data); err != nil {
					return false, fmt.Errorf("save handoff: %w", err)
				}
				c.Store.AddEvent(jobID, c.WorkerID, "handoff_accepted", fmt.Sprintf("%d tasks", len(parsed.Handoff.Tasks)))
				c.completeChecklist()
				c.endPhase(store.OutcomeAdvanced)
				c.phaseNum++
				return false, nil
			}
		}

		if progress {
			stalls = 0
			continue
		}
		stalls++
		if stalls >= c.Config.Run.Retries() {
			c.endPhase(store.OutcomeInterrupted)
			return false, fmt.Errorf("strategic phase stalled after %d idle turns", stalls)
		}
		c.systemMsg("No directive recognized. Work through the checklist and respond with the directives listed in the prompt.")
	}

	c.endPhase(store.OutcomeInterrupted)
	return false, fmt.Errorf("strategic phase exceeded %d turns", maxStrategicTurns)
}

// runTactical applies the pending handoff and drains the task list. It
// returns nil both on a full drain and on a rewind; either way the next
// segment is strategic.
func (c *Controller) runTactical(ctx context.Context, hand *tasklist.HandoffArtifact) error {
	jobID := c.Job.ID

	if hand != nil {
		if err := c.list.SetFromHandoff(*hand); err != nil {
			return fmt.Errorf("apply handoff: %w", err)
		}
		if err := c.Docs.ClearHandoff(jobID); err != nil {
			return fmt.Errorf("clear handoff: %w", err)
		}
		c.strategy = hand.Strategy
	}
	if c.list.Len() == 0 {
		return fmt.Errorf("tactical phase started without a task list")
	}

	if err := c.Store.StartPhase(jobID, c.phaseNum, store.PhaseTactical); err != nil {
		return fmt.Errorf("start tactical phase: %w", err)
	}
	c.Store.AddEvent(jobID, c.WorkerID, "phase_started", fmt.Sprintf("tactical %d", c.phaseNum))
	c.Log.Info("tactical phase started", "job", jobID, "phase", c.phaseNum, "tasks", c.list.Len())

	client, err := c.Clients.ForPhase(c.Job.Engine)
	if err != nil {
		return fmt.Errorf("build engine client: %w", err)
	}

	c.win = c.newWindow()

	for {
		next, ok := c.list.Next()
		if !ok {
			break
		}
		if err := c.list.Start(next.ID); err != nil {
			return fmt.Errorf("start task %d: %w", next.ID, err)
		}

		rewound, err := c.runTask(ctx, client, next.ID)
		if err != nil {
			c.endPhase(store.OutcomeInterrupted)
			return err
		}
		if rewound {
			c.endPhase(store.OutcomeRewound)
			c.phaseNum++
			return nil
		}
	}

	if err := c.list.Archive("Completed"); err != nil {
		return fmt.Errorf("archive completed list: %w", err)
	}
	c.endPhase(store.OutcomeAdvanced)
	c.phaseNum++
	return nil
}

// runTask drives one task to completion, blockage, or rewind.
func (c *Controller) runTask(ctx context.Context, client *engine.Client, taskID int) (rewound bool, err error) {
	jobID := c.Job.ID

	for turn := 0; turn < maxTaskTurns; turn++ {
		if err := c.halted(ctx); err != nil {
			return false, err
		}

		task, ok := c.list.Current()
		if !ok || task.ID != taskID {
			return false, fmt.Errorf("task %d no longer current", taskID)
		}

		res, err := client.Invoke(ctx, engine.Request{Prompt: c.tacticalPrompt(task), Workdir: c.Workspace})
		if err != nil {
			c.Log.Warn("engine call failed", "job", jobID, "task", taskID, "error", err)
			if c.bumpOrBlock(task, "engine error: "+err.Error()) {
				return false, nil
			}
			continue
		}

		c.observe(contextwin.Message{Role: contextwin.RoleEngine, Content: res.Output, Tokens: res.TokensOut})
		parsed := engine.Parse(res.Output)

		progress := c.dispatchAll(ctx, parsed, store.PhaseTactical)
		if len(parsed.Decisions) > 0 {
			progress = true
		}

		if parsed.Handoff != nil || parsed.HandoffErr != nil {
			c.systemMsg("HANDOFF is only accepted during planning. Finish the current task list first.")
			progress = true
		}
		if parsed.Complete != nil || parsed.CompleteErr != nil {
			c.systemMsg("JOB_COMPLETE is only accepted during planning. Finish the current task list first.")
			progress = true
		}

		if parsed.Rewind {
			reason := parsed.RewindReason
			if reason == "" {
				reason = "no reason given"
			}
			if err := c.list.Archive("Rewound: " + reason); err != nil {
				return false, fmt.Errorf("archive rewound list: %w", err)
			}
			c.Store.AddEvent(jobID, c.WorkerID, "rewound", reason)
			c.Log.Info("tactical rewind", "job", jobID, "task", taskID, "reason", reason)
			return true, nil
		}

		if parsed.TaskDone {
			remaining, err := c.list.Complete(taskID, parsed.TaskNote)
			if err != nil {
				return false, fmt.Errorf("complete task %d: %w", taskID, err)
			}
			c.commitCheckpoint(task, parsed.TaskNote)
			c.Log.Info("task completed", "job", jobID, "task", taskID, "remaining", remaining)
			return false, nil
		}

		if progress {
			continue
		}
		if c.bumpOrBlock(task, "no recognizable directive from engine") {
			return false, nil
		}
		c.systemMsg("No directive recognized. Work the current task and finish with TASK_DONE: <note>, or REWIND: <reason> if the list rests on a wrong assumption.")
	}

	task, ok := c.list.Current()
	if ok && task.ID == taskID {
		c.blockTask(task, fmt.Sprintf("no completion after %d turns", maxTaskTurns))
	}
	return false, nil
}

// dispatchAll runs every INVOKE directive in order and appends each result
// to the window. Returns true when anything directive-shaped was present,
// including malformed or out-of-phase invocations.
func (c *Controller) dispatchAll(ctx context.Context, parsed *engine.Parsed, phase store.PhaseKind) bool {
	dispatched := false
	for _, inv := range parsed.Invocations {
		dispatched = true
		if inv.Err != nil {
			name := inv.Name
			if name == "" {
				name = "(unnamed)"
			}
			c.systemMsg("INVOKE " + name + " not dispatched: " + inv.Err.Error())
			continue
		}
		res, err := c.Registry.Dispatch(ctx, inv.Name, capability.Request{
			JobID: c.Job.ID,
			Phase: phase,
			Args:  inv.Args,
		})
		if err != nil {
			c.observe(contextwin.Message{Role: contextwin.RoleCapability, Capability: inv.Name, Content: "error: " + err.Error()})
			continue
		}
		if def, ok := c.Registry.Get(inv.Name); ok && def.Class == capability.ClassVerification {
			c.verified = true
		}
		c.observe(contextwin.Message{Role: contextwin.RoleCapability, Capability: inv.Name, Content: res.Output, Ref: res.Ref})
	}
	return dispatched
}

// halted reports whether the run should stop: context cancelled, job no
// longer processing, or reassigned to another worker. Checked before
// every engine turn, which is the run's poll boundary.
func (c *Controller) halted(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrHalted, err)
	}
	job, err := c.Store.GetJob(c.Job.ID)
	if err != nil {
		return fmt.Errorf("check job state: %w", err)
	}
	if job.Status != store.StatusProcessing {
		return fmt.Errorf("%w: job is %s", ErrHalted, job.Status)
	}
	if job.AssignedWorkerID == nil || *job.AssignedWorkerID != c.WorkerID {
		return fmt.Errorf("%w: job reassigned", ErrHalted)
	}
	c.Job = job
	return nil
}

// bumpOrBlock counts a failed attempt against the task. Once attempts reach
// the retry budget the task degrades to completed-with-blocked-note so the
// list always drains. Returns true when the task was closed out.
func (c *Controller) bumpOrBlock(task tasklist.Task, note string) bool {
	n, err := c.list.BumpAttempts(task.ID)
	if err != nil {
		return false
	}
	if n < c.Config.Run.Retries() {
		return false
	}
	c.blockTask(task, note)
	return true
}

func (c *Controller) blockTask(task tasklist.Task, note string) {
	if err := c.list.CompleteBlocked(task.ID, note); err != nil {
		c.Log.Warn("block task", "job", c.Job.ID, "task", task.ID, "error", err)
		return
	}
	c.Store.AddEvent(c.Job.ID, c.WorkerID, "task_blocked", fmt.Sprintf("task %d: %s", task.ID, note))
	c.commitCheckpoint(task, "blocked: "+note)
}

// commitCheckpoint records one commit for the finished task. Failure is
// logged and noted in the event trail, never fatal to the run.
func (c *Controller) commitCheckpoint(task tasklist.Task, note string) {
	if !c.ckptOK {
		return
	}
	hash, err := c.Checkpoints.Commit(checkpoint.Checkpoint{
		Phase:       c.phaseNum,
		TaskID:      task.ID,
		Description: task.Description,
		Notes:       note,
	})
	if err != nil {
		c.Log.Warn("checkpoint failed", "job", c.Job.ID, "task", task.ID, "error", err)
		c.Store.AddEvent(c.Job.ID, c.WorkerID, "checkpoint_failed", err.Error())
		return
	}
	c.Store.AddEvent(c.Job.ID, c.WorkerID, "checkpoint", fmt.Sprintf("task %d: %s", task.ID, hash))
}

func (c *Controller) freeze(comp *engine.Completion) error {
	fr := store.FrozenRecord{
		Summary:      comp.Summary,
		Deliverables: comp.Deliverables,
		Confidence:   comp.Confidence,
		Notes:        comp.Notes,
	}
	if err := c.Store.Freeze(c.Job.ID, fr); err != nil {
		return fmt.Errorf("freeze job: %w", err)
	}
	return nil
}

// observe appends a message and compacts the window when it crosses its
// ceilings. Memory documents and the task list are never touched here.
func (c *Controller) observe(m contextwin.Message) {
	c.win.Append(m)
	if c.win.NeedsCompaction() {
		dropped := c.win.Compact()
		c.Store.AddEvent(c.Job.ID, c.WorkerID, "compacted", fmt.Sprintf("%d messages summarized", dropped))
		c.Log.Info("window compacted", "job", c.Job.ID, "dropped", dropped)
	}
}

func (c *Controller) systemMsg(text string) {
	c.observe(contextwin.Message{Role: contextwin.RoleSystem, Content: text})
}

func (c *Controller) newWindow() *contextwin.Window {
	r := c.Config.Run
	return contextwin.New(r.TokenBudget(), r.MessageBudget(), r.Retain(), r.MinCompactSize())
}

// seedMemory records the job instructions in the memory document the first
// time a worker touches this job, so later phases re-read the mission from
// the file rather than from process state.
func (c *Controller) seedMemory() {
	mem, err := c.Docs.ReadMemory(c.Job.ID)
	if err != nil || strings.TrimSpace(mem) != "# Memory" {
		return
	}
	content := strings.TrimRight(mem, "\n") + "\n\n## Mission\n\n" + strings.TrimSpace(c.Job.Instructions) + "\n"
	if err := c.Docs.WriteMemory(c.Job.ID, content); err != nil {
		c.Log.Warn("seed memory", "job", c.Job.ID, "error", err)
	}
}

// closeDanglingPhases marks phases a dead worker never ended as interrupted
// and returns the number this run should continue from.
func (c *Controller) closeDanglingPhases() int {
	phases, err := c.Store.ListPhases(c.Job.ID)
	if err != nil {
		return 1
	}
	for _, p := range phases {
		if p.EndedAt == nil {
			if err := c.Store.EndPhase(c.Job.ID, p.Number, store.OutcomeInterrupted); err != nil {
				c.Log.Warn("close dangling phase", "job", c.Job.ID, "phase", p.Number, "error", err)
			}
		}
	}
	return len(phases) + 1
}

func (c *Controller) endPhase(outcome store.PhaseOutcome) {
	if err := c.Store.EndPhase(c.Job.ID, c.phaseNum, outcome); err != nil {
		c.Log.Warn("end phase", "job", c.Job.ID, "phase", c.phaseNum, "error", err)
	}
	c.Store.AddEvent(c.Job.ID, c.WorkerID, "phase_ended", fmt.Sprintf("phase %d %s", c.phaseNum, outcome))

	// A phase cut short gets a marker commit. It fences off whatever the
	// aborted phase left in the worktree from the next task's checkpoint.
	if c.ckptOK && (outcome == store.OutcomeRewound || outcome == store.OutcomeInterrupted) {
		hash, err := c.Checkpoints.Mark(c.phaseNum, string(outcome), "")
		if err != nil {
			c.Log.Warn("phase marker failed", "job", c.Job.ID, "phase", c.phaseNum, "error", err)
			c.Store.AddEvent(c.Job.ID, c.WorkerID, "checkpoint_failed", err.Error())
			return
		}
		c.Store.AddEvent(c.Job.ID, c.WorkerID, "checkpoint", fmt.Sprintf("phase %d %s: %s", c.phaseNum, outcome, hash))
	}
}

func (c *Controller) loadHandoff() (*tasklist.HandoffArtifact, error) {
	data, err := c.Docs.LoadHandoff(c.Job.ID)
	if err != nil {
		return nil, fmt.Errorf("read handoff: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	var h tasklist.HandoffArtifact
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("decode handoff: %w", err)
	}
	return &h, nil
}

// checklistItem is one fixed step of the strategic planning loop.
type checklistItem struct {
	desc   string
	status tasklist.Status
}

// checklist returns the fixed strategic steps. Later phases get an extra
// checkpoint-review step because there is prior work to inspect.
func (c *Controller) checklist() []checklistItem {
	descs := []string{
		"Orient: inspect the workspace and re-read the job instructions",
		"Read the memory and plan documents",
	}
	if c.phaseNum > 1 {
		descs = append(descs, "Review the checkpoints from the last tactical phase")
	}
	descs = append(descs,
		"Update the memory and plan documents with anything learned",
		"Hand off the next task list, or declare the job complete",
	)
	items := make([]checklistItem, len(descs))
	for i, d := range descs {
		items[i] = checklistItem{desc: d, status: tasklist.StatusPending}
	}
	items[0].status = tasklist.StatusInProgress
	return items
}

// advanceChecklist completes the current step and starts the next.
func (c *Controller) advanceChecklist() {
	for i := range c.items {
		if c.items[i].status == tasklist.StatusInProgress {
			c.items[i].status = tasklist.StatusCompleted
			if i+1 < len(c.items) {
				c.items[i+1].status = tasklist.StatusInProgress
			}
			return
		}
	}
}

func (c *Controller) completeChecklist() {
	for i := range c.items {
		c.items[i].status = tasklist.StatusCompleted
	}
}

// rejectFinalItem reopens the handoff step after a rejected artifact.
// Earlier steps that were still open count as done; attempting the handoff
// implies they were worked through.
func (c *Controller) rejectFinalItem() {
	for i := range c.items {
		c.items[i].status = tasklist.StatusCompleted
	}
	c.items[len(c.items)-1].status = tasklist.StatusInProgress
}
