package capability

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/arnevik/drover/internal/memory"
	"github.com/arnevik/drover/internal/store"
)

func stub(name string, phases []store.PhaseKind, ran *bool) *Capability {
	return &Capability{
		Name:   name,
		Class:  ClassExecution,
		Phases: phases,
		Run: func(ctx context.Context, req Request) (*Result, error) {
			if ran != nil {
				*ran = true
			}
			return &Result{Output: name + " ran"}, nil
		},
	}
}

func TestRegister_RejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(stub("a", bothPhases, nil)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(stub("a", bothPhases, nil)); err == nil {
		t.Error("expected duplicate registration error")
	}
	if err := r.Register(&Capability{Name: "norun", Phases: bothPhases}); err == nil {
		t.Error("expected error for capability without a run function")
	}
}

func TestForPhase_FiltersAndKeepsOrder(t *testing.T) {
	r := NewRegistry()
	for _, c := range []*Capability{
		stub("both", bothPhases, nil),
		stub("plan_only", strategicOnly, nil),
		stub("also_both", bothPhases, nil),
	} {
		if err := r.Register(c); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	tactical := r.ForPhase(store.PhaseTactical)
	if len(tactical) != 2 || tactical[0].Name != "both" || tactical[1].Name != "also_both" {
		names := make([]string, len(tactical))
		for i, c := range tactical {
			names[i] = c.Name
		}
		t.Errorf("tactical set = %v", names)
	}

	strategic := r.ForPhase(store.PhaseStrategic)
	if len(strategic) != 3 {
		t.Errorf("strategic set = %d capabilities, want 3", len(strategic))
	}
}

func TestDispatch_UnknownName(t *testing.T) {
	r := NewRegistry()
	_, err := r.Dispatch(context.Background(), "nope", Request{Phase: store.PhaseTactical})
	if err == nil || !strings.Contains(err.Error(), "unknown capability") {
		t.Errorf("err = %v", err)
	}
}

func TestDispatch_PhaseMismatchDoesNotRun(t *testing.T) {
	r := NewRegistry()
	ran := false
	if err := r.Register(stub("strategic_tool", strategicOnly, &ran)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err := r.Dispatch(context.Background(), "strategic_tool", Request{Phase: store.PhaseTactical})
	if !errors.Is(err, ErrPhaseMismatch) {
		t.Fatalf("err = %v, want ErrPhaseMismatch", err)
	}
	if ran {
		t.Error("capability must not run on a phase mismatch")
	}

	// Same invocation from the right phase goes through.
	res, err := r.Dispatch(context.Background(), "strategic_tool", Request{Phase: store.PhaseStrategic})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !ran || res.Output != "strategic_tool ran" {
		t.Errorf("res = %+v, ran = %v", res, ran)
	}
}

func TestDispatch_WrapsRunErrors(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("boom")
	if err := r.Register(&Capability{
		Name:   "fragile",
		Phases: bothPhases,
		Run: func(ctx context.Context, req Request) (*Result, error) {
			return nil, boom
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err := r.Dispatch(context.Background(), "fragile", Request{Phase: store.PhaseTactical})
	if !errors.Is(err, boom) || !strings.Contains(err.Error(), "fragile") {
		t.Errorf("err = %v", err)
	}
}

type sinkRecorder struct {
	events []string
}

func (s *sinkRecorder) AddEvent(jobID, workerID, eventType, detail string) {
	s.events = append(s.events, fmt.Sprintf("%s/%s: %s", jobID, eventType, detail))
}

func testEnv(t *testing.T) (Env, *sinkRecorder) {
	t.Helper()
	ws := t.TempDir()
	sink := &sinkRecorder{}
	env := Env{
		Workspace: ws,
		Docs:      memory.New(filepath.Join(t.TempDir(), "jobs")),
		Events:    sink,
		CheckCmd:  "echo all checks passed",
	}
	return env, sink
}

func TestListFiles_SkipsInternalDirs(t *testing.T) {
	env, _ := testEnv(t)
	for _, p := range []string{"main.go", "pkg/util.go", ".git/HEAD", ".drover/drover.db"} {
		full := filepath.Join(env.Workspace, p)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	res, err := env.listFiles(context.Background(), Request{})
	if err != nil {
		t.Fatalf("listFiles: %v", err)
	}
	if !strings.Contains(res.Output, "main.go") || !strings.Contains(res.Output, filepath.Join("pkg", "util.go")) {
		t.Errorf("output = %q", res.Output)
	}
	if strings.Contains(res.Output, ".git") || strings.Contains(res.Output, ".drover") {
		t.Errorf("internal dirs leaked: %q", res.Output)
	}
}

func TestListFiles_SubdirAndEscape(t *testing.T) {
	env, _ := testEnv(t)
	full := filepath.Join(env.Workspace, "pkg", "util.go")
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := env.listFiles(context.Background(), Request{Args: map[string]any{"dir": "pkg"}})
	if err != nil {
		t.Fatalf("listFiles: %v", err)
	}
	if !strings.Contains(res.Output, "util.go") {
		t.Errorf("output = %q", res.Output)
	}

	if _, err := env.listFiles(context.Background(), Request{Args: map[string]any{"dir": "../elsewhere"}}); err == nil {
		t.Error("expected escape rejection")
	}
}

func TestReadFile(t *testing.T) {
	env, _ := testEnv(t)
	if err := os.WriteFile(filepath.Join(env.Workspace, "notes.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := env.readFile(context.Background(), Request{Args: map[string]any{"path": "notes.txt"}})
	if err != nil {
		t.Fatalf("readFile: %v", err)
	}
	if res.Output != "hello" || res.Ref != "notes.txt" {
		t.Errorf("res = %+v", res)
	}

	if _, err := env.readFile(context.Background(), Request{Args: map[string]any{"path": "missing.txt"}}); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := env.readFile(context.Background(), Request{Args: map[string]any{"path": "../../etc/passwd"}}); err == nil {
		t.Error("expected escape rejection")
	}
	if _, err := env.readFile(context.Background(), Request{Args: map[string]any{}}); err == nil {
		t.Error("expected error for missing path argument")
	}
}

func TestRunCheck(t *testing.T) {
	env, _ := testEnv(t)

	res, err := env.runCheck(context.Background(), Request{})
	if err != nil {
		t.Fatalf("runCheck: %v", err)
	}
	if !strings.Contains(res.Output, "all checks passed") {
		t.Errorf("output = %q", res.Output)
	}

	env.CheckCmd = ""
	if _, err := env.runCheck(context.Background(), Request{}); err == nil {
		t.Error("expected error with no check command")
	}
}

func TestRunCheck_FailureIsOutputNotError(t *testing.T) {
	env, _ := testEnv(t)
	env.CheckCmd = "false"

	res, err := env.runCheck(context.Background(), Request{})
	if err != nil {
		t.Fatalf("runCheck: %v", err)
	}
	if !strings.Contains(res.Output, "check failed") {
		t.Errorf("output = %q", res.Output)
	}
}

func TestUpdateMemoryAndPlan_StrategicOnly(t *testing.T) {
	env, _ := testEnv(t)
	reg, err := NewRegistryWithBuiltins(env)
	if err != nil {
		t.Fatalf("NewRegistryWithBuiltins: %v", err)
	}
	req := Request{
		JobID: "job-1",
		Phase: store.PhaseTactical,
		Args:  map[string]any{"content": "# Memory\n\nstolen update\n"},
	}

	_, err = reg.Dispatch(context.Background(), "update_memory", req)
	if !errors.Is(err, ErrPhaseMismatch) {
		t.Fatalf("err = %v, want ErrPhaseMismatch", err)
	}
	mem, _ := env.Docs.ReadMemory("job-1")
	if strings.Contains(mem, "stolen update") {
		t.Error("tactical phase must not write memory")
	}

	req.Phase = store.PhaseStrategic
	req.Args = map[string]any{"content": "# Memory\n\nlegitimate update\n"}
	if _, err := reg.Dispatch(context.Background(), "update_memory", req); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	mem, _ = env.Docs.ReadMemory("job-1")
	if !strings.Contains(mem, "legitimate update") {
		t.Errorf("memory = %q", mem)
	}

	req.Args = map[string]any{"content": "# Plan\n\n1. do it\n"}
	if _, err := reg.Dispatch(context.Background(), "update_plan", req); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	plan, _ := env.Docs.ReadPlan("job-1")
	if !strings.Contains(plan, "1. do it") {
		t.Errorf("plan = %q", plan)
	}
}

func TestNote_RecordsEvent(t *testing.T) {
	env, sink := testEnv(t)

	res, err := env.note(context.Background(), Request{JobID: "job-1", Args: map[string]any{"text": "flaky fixture"}})
	if err != nil {
		t.Fatalf("note: %v", err)
	}
	if res.Output != "noted" {
		t.Errorf("output = %q", res.Output)
	}
	if len(sink.events) != 1 || !strings.Contains(sink.events[0], "flaky fixture") {
		t.Errorf("events = %v", sink.events)
	}
}

func TestBuiltins_Classes(t *testing.T) {
	env, _ := testEnv(t)
	reg, err := NewRegistryWithBuiltins(env)
	if err != nil {
		t.Fatalf("NewRegistryWithBuiltins: %v", err)
	}

	check, ok := reg.Get("run_check")
	if !ok || check.Class != ClassVerification {
		t.Errorf("run_check = %+v", check)
	}
	mem, ok := reg.Get("update_memory")
	if !ok || mem.Class != ClassPlanning || mem.AllowedIn(store.PhaseTactical) {
		t.Errorf("update_memory = %+v", mem)
	}
}
