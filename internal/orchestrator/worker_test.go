package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/arnevik/drover/internal/config"
	"github.com/arnevik/drover/internal/engine"
	"github.com/arnevik/drover/internal/memory"
	"github.com/arnevik/drover/internal/notify"
	"github.com/arnevik/drover/internal/store"
	"github.com/arnevik/drover/internal/tasklist"
)

// scriptInvoker replays canned engine outputs in order.
type scriptInvoker struct {
	mu      sync.Mutex
	outputs []string
	next    int
}

func (s *scriptInvoker) Invoke(ctx context.Context, req engine.Request) (*engine.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.outputs) {
		return nil, fmt.Errorf("script exhausted after %d turns", len(s.outputs))
	}
	out := s.outputs[s.next]
	s.next++
	return &engine.Result{Output: out}, nil
}

func (s *scriptInvoker) Name() string { return "script" }
func (s *scriptInvoker) Mode() string { return "cli" }

// blockingInvoker parks every call until its context ends, signalling the
// first call so tests know the job is mid-turn.
type blockingInvoker struct {
	once    sync.Once
	started chan struct{}
}

func newBlockingInvoker() *blockingInvoker {
	return &blockingInvoker{started: make(chan struct{})}
}

func (b *blockingInvoker) Invoke(ctx context.Context, req engine.Request) (*engine.Result, error) {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func (b *blockingInvoker) Name() string { return "blocking" }
func (b *blockingInvoker) Mode() string { return "cli" }

type stubFactory struct{ inv engine.Invoker }

func (f *stubFactory) ForPhase(string) (*engine.Client, error) {
	return engine.NewClient(f.inv, nil), nil
}

type workerFixture struct {
	st     store.Store
	docs   *memory.Store
	cfg    *config.Config
	broker *notify.Local
	svc    *Service
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()

	st, err := store.Open("sqlite", filepath.Join(t.TempDir(), "ledger.db"), "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.DefaultConfig()
	cfg.Worker.PollSec = 1
	cfg.Worker.Workspace = t.TempDir()
	cfg.Worker.CheckCmd = "echo all checks passed"

	broker := notify.NewLocal()
	t.Cleanup(func() { broker.Close() })

	return &workerFixture{
		st:     st,
		docs:   memory.New(t.TempDir()),
		cfg:    cfg,
		broker: broker,
		svc:    NewService(st, broker, nil),
	}
}

func (f *workerFixture) worker(inv engine.Invoker) *Worker {
	return NewWorker(WorkerDeps{
		Store:   f.st,
		Docs:    f.docs,
		Clients: &stubFactory{inv: inv},
		Broker:  f.broker,
		Config:  f.cfg,
	})
}

// start runs the worker in the background and returns its exit channel.
func (f *workerFixture) start(t *testing.T, w *Worker) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	return cancel, done
}

func stopWorker(t *testing.T, cancel context.CancelFunc, done <-chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("worker exit = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func waitForStatus(t *testing.T, st store.Store, jobID string, want store.JobStatus) *store.Job {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, err := st.GetJob(jobID)
		if err == nil && job.Status == want {
			return job
		}
		time.Sleep(20 * time.Millisecond)
	}
	job, _ := st.GetJob(jobID)
	t.Fatalf("job %s never reached %s (last seen %+v)", jobID, want, job)
	return nil
}

func happyScript() []string {
	h := tasklist.HandoffArtifact{Strategy: "one pass, verify at the end"}
	for i := 1; i <= 5; i++ {
		h.Tasks = append(h.Tasks, tasklist.HandoffTask{Description: fmt.Sprintf("step %d", i)})
	}
	data, err := json.Marshal(h)
	if err != nil {
		panic(err)
	}
	outputs := []string{"HANDOFF:\n```json\n" + string(data) + "\n```"}
	for i := 1; i <= 5; i++ {
		outputs = append(outputs, fmt.Sprintf("TASK_DONE: finished step %d", i))
	}
	outputs = append(outputs,
		"INVOKE: run_check {}",
		"JOB_COMPLETE:\n```json\n"+
			`{"summary": "digest assembled", "deliverables": ["digest.md"], "confidence": 0.85, "notes": ""}`+
			"\n```",
	)
	return outputs
}

func TestWorker_DrivesSubmittedJobToReview(t *testing.T) {
	f := newWorkerFixture(t)

	job, err := f.svc.Submit(context.Background(), "", "Assemble the weekly usage digest")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	w := f.worker(&scriptInvoker{outputs: happyScript()})
	cancel, done := f.start(t, w)
	defer stopWorker(t, cancel, done)

	got := waitForStatus(t, f.st, job.ID, store.StatusPendingReview)
	if got.AssignedWorkerID == nil || *got.AssignedWorkerID != w.ID() {
		t.Errorf("frozen job not held by worker %s", w.ID())
	}

	fr, err := f.st.GetFrozen(job.ID)
	if err != nil {
		t.Fatalf("get frozen: %v", err)
	}
	if fr.Summary != "digest assembled" {
		t.Errorf("summary = %q", fr.Summary)
	}

	workers, err := f.st.ListWorkers()
	if err != nil {
		t.Fatalf("list workers: %v", err)
	}
	found := false
	for _, wi := range workers {
		if wi.ID == w.ID() {
			found = true
		}
	}
	if !found {
		t.Errorf("worker %s not registered", w.ID())
	}
	if w.JobsRun() != 1 {
		t.Errorf("jobs run = %d, want 1", w.JobsRun())
	}
}

func TestWorker_FailsJobOnEngineError(t *testing.T) {
	f := newWorkerFixture(t)

	job, err := f.svc.Submit(context.Background(), "", "Doomed job")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	w := f.worker(&scriptInvoker{}) // no outputs: every turn errors
	cancel, done := f.start(t, w)
	defer stopWorker(t, cancel, done)

	got := waitForStatus(t, f.st, job.ID, store.StatusFailed)
	if !strings.Contains(got.ErrorMessage, "script exhausted") {
		t.Errorf("error message = %q, want the engine failure recorded", got.ErrorMessage)
	}
}

func TestWorker_ReleasesHeldJobOnShutdown(t *testing.T) {
	f := newWorkerFixture(t)

	job, err := f.svc.Submit(context.Background(), "", "Long running job")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	inv := newBlockingInvoker()
	w := f.worker(inv)
	cancel, done := f.start(t, w)

	select {
	case <-inv.started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never reached the engine")
	}

	stopWorker(t, cancel, done)

	got, err := f.st.GetJob(job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != store.StatusProcessing {
		t.Fatalf("status = %s, want %s", got.Status, store.StatusProcessing)
	}
	if got.AssignedWorkerID != nil {
		t.Errorf("job still assigned to %q after shutdown", *got.AssignedWorkerID)
	}
}

func TestWorker_WakesOnHint(t *testing.T) {
	f := newWorkerFixture(t)
	f.cfg.Worker.PollSec = 3600 // only the hint can wake it in test time

	w := f.worker(&scriptInvoker{outputs: happyScript()})
	cancel, done := f.start(t, w)
	defer stopWorker(t, cancel, done)

	// Created directly on the store, so no announce has happened yet.
	job, err := f.st.CreateJob("", "Hint delivered job")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ctx := context.Background()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if err := f.broker.Announce(ctx, job.ID); err != nil {
			t.Fatalf("announce: %v", err)
		}
		got, err := f.st.GetJob(job.ID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if got.Status != store.StatusCreated {
			return // claimed, the hint got through
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("job was never claimed off a hint")
}
