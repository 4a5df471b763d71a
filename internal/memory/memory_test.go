package memory

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testMemory(t *testing.T) *Store {
	t.Helper()
	return New(t.TempDir())
}

func TestEnsureJob_SeedsDocs(t *testing.T) {
	m := testMemory(t)

	if err := m.EnsureJob("job-1"); err != nil {
		t.Fatalf("EnsureJob: %v", err)
	}

	mem, err := m.ReadMemory("job-1")
	if err != nil {
		t.Fatalf("ReadMemory: %v", err)
	}
	if !strings.HasPrefix(mem, "# Memory") {
		t.Errorf("memory seed = %q", mem)
	}
	plan, err := m.ReadPlan("job-1")
	if err != nil {
		t.Fatalf("ReadPlan: %v", err)
	}
	if !strings.HasPrefix(plan, "# Plan") {
		t.Errorf("plan seed = %q", plan)
	}
}

func TestEnsureJob_KeepsExistingDocs(t *testing.T) {
	m := testMemory(t)

	if err := m.EnsureJob("job-1"); err != nil {
		t.Fatalf("EnsureJob: %v", err)
	}
	if err := m.WriteMemory("job-1", "# Memory\n\nlearned something\n"); err != nil {
		t.Fatalf("WriteMemory: %v", err)
	}
	if err := m.EnsureJob("job-1"); err != nil {
		t.Fatalf("EnsureJob again: %v", err)
	}

	mem, _ := m.ReadMemory("job-1")
	if !strings.Contains(mem, "learned something") {
		t.Errorf("re-ensure clobbered memory: %q", mem)
	}
}

func TestReadDocs_MissingIsEmpty(t *testing.T) {
	m := testMemory(t)

	mem, err := m.ReadMemory("ghost")
	if err != nil || mem != "" {
		t.Errorf("ReadMemory = %q, %v", mem, err)
	}
	archive, err := m.ReadArchive("ghost")
	if err != nil || archive != "" {
		t.Errorf("ReadArchive = %q, %v", archive, err)
	}
}

func TestAppendArchive_AccumulatesSections(t *testing.T) {
	m := testMemory(t)

	if err := m.AppendArchive("job-1", "Completed handoff", "- [x] task one\n"); err != nil {
		t.Fatalf("AppendArchive: %v", err)
	}
	if err := m.AppendArchive("job-1", "Rewound: wrong approach", "- [ ] task two\n"); err != nil {
		t.Fatalf("AppendArchive: %v", err)
	}

	archive, err := m.ReadArchive("job-1")
	if err != nil {
		t.Fatalf("ReadArchive: %v", err)
	}
	if !strings.HasPrefix(archive, "# Archive") {
		t.Errorf("archive missing header: %q", archive)
	}
	first := strings.Index(archive, "Completed handoff")
	second := strings.Index(archive, "Rewound: wrong approach")
	if first == -1 || second == -1 || second < first {
		t.Errorf("sections missing or out of order:\n%s", archive)
	}
	if !strings.Contains(archive, "task two") {
		t.Errorf("partial list body dropped:\n%s", archive)
	}
}

func TestHandoff_SaveLoadClear(t *testing.T) {
	m := testMemory(t)

	data, err := m.LoadHandoff("job-1")
	if err != nil || data != nil {
		t.Errorf("LoadHandoff empty = %q, %v", data, err)
	}

	if err := m.SaveHandoff("job-1", []byte(`{"strategy":"x"}`)); err != nil {
		t.Fatalf("SaveHandoff: %v", err)
	}
	data, err = m.LoadHandoff("job-1")
	if err != nil {
		t.Fatalf("LoadHandoff: %v", err)
	}
	if string(data) != `{"strategy":"x"}` {
		t.Errorf("handoff = %s", data)
	}

	if err := m.ClearHandoff("job-1"); err != nil {
		t.Fatalf("ClearHandoff: %v", err)
	}
	data, _ = m.LoadHandoff("job-1")
	if data != nil {
		t.Errorf("expected cleared handoff, got %s", data)
	}
	// Clearing twice is fine.
	if err := m.ClearHandoff("job-1"); err != nil {
		t.Errorf("ClearHandoff again: %v", err)
	}
}

func TestTasks_MirrorRoundTrip(t *testing.T) {
	m := testMemory(t)

	if err := m.SaveTasks("job-1", []byte(`[{"description":"t1"}]`)); err != nil {
		t.Fatalf("SaveTasks: %v", err)
	}
	data, err := m.LoadTasks("job-1")
	if err != nil {
		t.Fatalf("LoadTasks: %v", err)
	}
	if string(data) != `[{"description":"t1"}]` {
		t.Errorf("tasks = %s", data)
	}
	if err := m.ClearTasks("job-1"); err != nil {
		t.Fatalf("ClearTasks: %v", err)
	}
	if data, _ := m.LoadTasks("job-1"); data != nil {
		t.Errorf("expected cleared tasks, got %s", data)
	}
}

func TestDir_IsolatesJobs(t *testing.T) {
	root := t.TempDir()
	m := New(root)

	if err := m.WriteMemory("a", "alpha"); err != nil {
		t.Fatalf("WriteMemory: %v", err)
	}
	if err := m.WriteMemory("b", "beta"); err != nil {
		t.Fatalf("WriteMemory: %v", err)
	}

	got, _ := os.ReadFile(filepath.Join(root, "a", "memory.md"))
	if string(got) != "alpha" {
		t.Errorf("job a memory = %q", got)
	}
	if m.Dir("a") == m.Dir("b") {
		t.Error("expected distinct job dirs")
	}
}
