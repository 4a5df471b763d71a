package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/arnevik/drover/internal/capability"
	"github.com/arnevik/drover/internal/checkpoint"
	"github.com/arnevik/drover/internal/config"
	"github.com/arnevik/drover/internal/memory"
	"github.com/arnevik/drover/internal/notify"
	"github.com/arnevik/drover/internal/phase"
	"github.com/arnevik/drover/internal/store"
)

// WorkerDeps carries everything a Worker needs to drive jobs.
type WorkerDeps struct {
	Store   store.Store
	Docs    *memory.Store
	Clients phase.ClientFactory
	Broker  notify.Broker
	Config  *config.Config
	Log     *slog.Logger
}

// Worker claims jobs from the ledger and runs the phase controller on them,
// one job at a time. Several Workers may share a store; the conditional
// claim guarantees each job lands on exactly one of them.
type Worker struct {
	WorkerDeps

	id      string
	jobsRun int
}

// NewWorker builds a worker with a fresh identity. A nil logger discards.
func NewWorker(deps WorkerDeps) *Worker {
	if deps.Log == nil {
		deps.Log = slog.New(slog.DiscardHandler)
	}
	return &Worker{WorkerDeps: deps, id: newWorkerID()}
}

// ID returns the worker's claim identity.
func (w *Worker) ID() string { return w.id }

// JobsRun returns how many jobs this worker has claimed so far.
func (w *Worker) JobsRun() int { return w.jobsRun }

// Run registers the worker, then claims and drives jobs until ctx ends.
// Between jobs it sleeps on the notify hint channel with a poll ticker as
// fallback, so a lost hint only costs one poll interval.
func (w *Worker) Run(ctx context.Context) error {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if err := w.Store.RegisterWorker(w.id, hostname, os.Getpid()); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	go w.presenceLoop(ctx)

	var hints <-chan string
	if w.Broker != nil {
		hints = w.Broker.Watch(ctx)
	}
	ticker := time.NewTicker(time.Duration(w.Config.Worker.PollInterval()) * time.Second)
	defer ticker.Stop()

	w.Log.Info("worker started", "worker", w.id, "poll_sec", w.Config.Worker.PollInterval())

	for {
		w.drainQueue(ctx)
		select {
		case <-ctx.Done():
			w.Log.Info("worker stopping", "worker", w.id, "jobs_run", w.jobsRun)
			return ctx.Err()
		case <-ticker.C:
		case <-hints:
		}
	}
}

// drainQueue claims and runs jobs until the queue is empty or ctx ends.
func (w *Worker) drainQueue(ctx context.Context) {
	for ctx.Err() == nil {
		job, err := w.Store.ClaimNext(w.id)
		if err != nil {
			w.Log.Error("claim failed", "worker", w.id, "error", err)
			return
		}
		if job == nil {
			return
		}
		w.runJob(ctx, job)
	}
}

func (w *Worker) runJob(ctx context.Context, job *store.Job) {
	w.jobsRun++
	w.Log.Info("claimed job", "worker", w.id, "job", job.ID, "engine", job.Engine)

	jobCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.heartbeatLoop(jobCtx, job.ID)

	ctrl, err := w.controller(job)
	if err != nil {
		w.failJob(job.ID, err)
		return
	}

	err = ctrl.Run(jobCtx)
	switch {
	case err == nil:
		w.Log.Info("job frozen for review", "worker", w.id, "job", job.ID)
	case errors.Is(err, phase.ErrHalted):
		w.Log.Info("run halted", "worker", w.id, "job", job.ID, "reason", err)
		w.releaseOnShutdown(ctx, job.ID)
	default:
		w.failJob(job.ID, err)
	}
}

func (w *Worker) controller(job *store.Job) (*phase.Controller, error) {
	// Each job runs in its own worktree so concurrent workers never share
	// a working copy. A workspace without git still runs, just without
	// checkpoints and inside the shared directory.
	workspace := w.Config.Worker.WorkDir()
	ckpt := checkpoint.New(workspace, job.ID)
	if err := ckpt.Ensure(); err != nil {
		w.Log.Warn("checkpointing disabled", "worker", w.id, "job", job.ID, "error", err)
		w.Store.AddEvent(job.ID, w.id, "checkpoint_failed", err.Error())
		ckpt = nil
	} else {
		workspace = ckpt.Dir()
	}

	registry, err := capability.NewRegistryWithBuiltins(capability.Env{
		Workspace: workspace,
		Docs:      w.Docs,
		Events:    w.Store,
		CheckCmd:  w.Config.Worker.CheckCmd,
	})
	if err != nil {
		return nil, fmt.Errorf("build capabilities: %w", err)
	}
	return phase.NewController(phase.Deps{
		Job:         job,
		Store:       w.Store,
		Docs:        w.Docs,
		Registry:    registry,
		Clients:     w.Clients,
		Checkpoints: ckpt,
		Workspace:   workspace,
		Config:      w.Config,
		Log:         w.Log,
		WorkerID:    w.id,
	}), nil
}

func (w *Worker) failJob(jobID string, runErr error) {
	w.Log.Error("job failed", "worker", w.id, "job", jobID, "error", runErr)
	if err := w.Store.Fail(jobID, runErr.Error()); err != nil {
		w.Log.Error("record failure", "job", jobID, "error", err)
	}
}

// releaseOnShutdown returns a job we still hold to the queue when the halt
// came from our own context rather than a status change. Jobs halted by
// cancellation or reassignment are left exactly as the store says.
func (w *Worker) releaseOnShutdown(ctx context.Context, jobID string) {
	if ctx.Err() == nil {
		return
	}
	job, err := w.Store.GetJob(jobID)
	if err != nil || job.Status != store.StatusProcessing {
		return
	}
	if job.AssignedWorkerID == nil || *job.AssignedWorkerID != w.id {
		return
	}
	if err := w.Store.Release(jobID); err != nil {
		w.Log.Warn("release on shutdown failed", "job", jobID, "error", err)
		return
	}
	w.Log.Info("released job on shutdown", "job", jobID)
}

// heartbeatLoop refreshes the claimed job's liveness stamp so the stuck
// detector leaves it alone while the run is healthy.
func (w *Worker) heartbeatLoop(ctx context.Context, jobID string) {
	interval := time.Duration(w.Config.Worker.HeartbeatInterval()) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Store.Heartbeat(jobID, w.id); err != nil {
				w.Log.Warn("job heartbeat failed", "job", jobID, "error", err)
			}
		}
	}
}

// presenceLoop keeps the worker's last_seen stamp fresh for the whole
// lifetime of the process, claimed job or not.
func (w *Worker) presenceLoop(ctx context.Context) {
	interval := time.Duration(w.Config.Worker.HeartbeatInterval()) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Store.TouchWorker(w.id); err != nil {
				w.Log.Warn("worker heartbeat failed", "worker", w.id, "error", err)
			}
		}
	}
}

func newWorkerID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.NewString()[:8])
}
