package checkpoint

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"
)

func testRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init")
	run("checkout", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("seed\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "-A")
	run("commit", "-m", "seed")
	return dir
}

func currentBranch(t *testing.T, dir string) string {
	t.Helper()
	cmd := exec.Command("git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("rev-parse in %s: %v", dir, err)
	}
	return strings.TrimSpace(string(out))
}

func TestBranchName_ShortensID(t *testing.T) {
	got := BranchName("0a1b2c3d-4e5f-6789-abcd-ef0123456789")
	if got != "drover/job-0a1b2c3d" {
		t.Errorf("BranchName = %q", got)
	}
	if got := BranchName("tiny"); got != "drover/job-tiny" {
		t.Errorf("BranchName short = %q", got)
	}
}

func TestEnsure_OpensWorktreeWithoutMovingHead(t *testing.T) {
	dir := testRepo(t)
	m := New(dir, "0a1b2c3d-ffff")

	if err := m.Ensure(); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	// Second ensure, as after a resume, reuses branch and worktree.
	if err := m.Ensure(); err != nil {
		t.Fatalf("Ensure again: %v", err)
	}

	// The shared checkout stays where the user left it.
	if got := currentBranch(t, dir); got != "main" {
		t.Errorf("shared checkout moved to %q", got)
	}
	if got := currentBranch(t, m.Dir()); got != "drover/job-0a1b2c3d" {
		t.Errorf("worktree branch = %q", got)
	}

	history, err := m.History(0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	starts := 0
	for _, line := range history {
		if strings.Contains(line, "job start") {
			starts++
		}
	}
	if starts != 1 {
		t.Errorf("job start markers = %d, want exactly 1:\n%s", starts, strings.Join(history, "\n"))
	}
}

func TestEnsure_RejectsNonRepo(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	m := New(t.TempDir(), "job")
	if err := m.Ensure(); err == nil {
		t.Error("expected error for plain directory")
	}
}

func TestEnsure_SeedsUnbornRepo(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	for _, args := range [][]string{
		{"init"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "test"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}

	m := New(dir, "job-unborn")
	if err := m.Ensure(); err != nil {
		t.Fatalf("Ensure on unborn repo: %v", err)
	}

	history, err := m.History(0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 || !strings.Contains(history[0], "job start") {
		t.Errorf("history = %q, want just the job start marker", history)
	}
}

func TestCommit_OnePerTask(t *testing.T) {
	dir := testRepo(t)
	m := New(dir, "job-abc")
	if err := m.Ensure(); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	if err := os.WriteFile(filepath.Join(m.Dir(), "a.txt"), []byte("one\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	hash1, err := m.Commit(Checkpoint{Phase: 2, TaskID: 1, Description: "write a.txt", Notes: "straightforward"})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if hash1 == "" {
		t.Error("expected a commit hash")
	}

	// A task that changed nothing still gets its checkpoint.
	hash2, err := m.Commit(Checkpoint{Phase: 2, TaskID: 2, Description: "verify a.txt"})
	if err != nil {
		t.Fatalf("Commit empty: %v", err)
	}
	if hash2 == hash1 {
		t.Error("expected a distinct empty commit")
	}

	history, err := m.History(0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	// Two checkpoints plus the job start marker; the seed stays out.
	if len(history) != 3 {
		t.Fatalf("history = %d entries, want 3:\n%s", len(history), strings.Join(history, "\n"))
	}
	if !strings.Contains(history[0], "task 2: verify a.txt") {
		t.Errorf("newest entry = %q", history[0])
	}
	if !strings.Contains(history[1], "task 1: write a.txt") {
		t.Errorf("second entry = %q", history[1])
	}
	if !strings.Contains(history[2], "job start") {
		t.Errorf("oldest entry = %q", history[2])
	}
}

func TestCommit_StaysOnOwnBranch(t *testing.T) {
	dir := testRepo(t)
	a := New(dir, "aaaaaaaa-1111")
	b := New(dir, "bbbbbbbb-2222")

	if err := a.Ensure(); err != nil {
		t.Fatalf("Ensure a: %v", err)
	}
	if err := b.Ensure(); err != nil {
		t.Fatalf("Ensure b: %v", err)
	}

	if err := os.WriteFile(filepath.Join(a.Dir(), "a-only.txt"), []byte("mine\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Commit(Checkpoint{Phase: 2, TaskID: 1, Description: "record a's work"}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// a's commit is on a's branch and nowhere else.
	aHist, err := a.History(0)
	if err != nil {
		t.Fatalf("History a: %v", err)
	}
	if len(aHist) != 2 || !strings.Contains(aHist[0], "record a's work") {
		t.Errorf("a history = %q", aHist)
	}
	bHist, err := b.History(0)
	if err != nil {
		t.Fatalf("History b: %v", err)
	}
	for _, line := range bHist {
		if strings.Contains(line, "record a's work") {
			t.Errorf("a's checkpoint leaked onto b's branch:\n%s", strings.Join(bHist, "\n"))
		}
	}

	if _, err := os.Stat(filepath.Join(b.Dir(), "a-only.txt")); err == nil {
		t.Error("a's file visible in b's worktree")
	}
	if got := currentBranch(t, dir); got != "main" {
		t.Errorf("shared checkout moved to %q", got)
	}
}

func TestCommit_RecordsMetadata(t *testing.T) {
	dir := testRepo(t)
	m := New(dir, "job-meta")
	if err := m.Ensure(); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	hash, err := m.Commit(Checkpoint{Phase: 4, TaskID: 3, Description: "wire the parser", Notes: "two retries needed"})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	show, err := m.Show(hash)
	if err != nil {
		t.Fatalf("Show: %v", err)
	}
	for _, want := range []string{"task 3: wire the parser", "two retries needed", "Phase: 4", "Task: 3"} {
		if !strings.Contains(show, want) {
			t.Errorf("Show missing %q:\n%s", want, show)
		}
	}
}

func TestCommit_TruncatesLongSubject(t *testing.T) {
	dir := testRepo(t)
	m := New(dir, "job-long")
	if err := m.Ensure(); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	if _, err := m.Commit(Checkpoint{Phase: 2, TaskID: 1, Description: strings.Repeat("long description ", 10)}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	history, err := m.History(1)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 || !strings.Contains(history[0], "...") {
		t.Errorf("expected truncated subject, got %q", history)
	}
}

func TestCommit_TruncatesOnRuneBoundary(t *testing.T) {
	dir := testRepo(t)
	m := New(dir, "job-rune")
	if err := m.Ensure(); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	// Multibyte description whose byte length crosses the cut mid-rune.
	if _, err := m.Commit(Checkpoint{Phase: 2, TaskID: 1, Description: strings.Repeat("réécrire l'étape ", 8)}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	history, err := m.History(1)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("history = %q", history)
	}
	if !utf8.ValidString(history[0]) {
		t.Errorf("subject cut mid-rune: %q", history[0])
	}
	if !strings.Contains(history[0], "...") {
		t.Errorf("expected truncated subject, got %q", history[0])
	}
}

func TestMark_CapturesAbortedWork(t *testing.T) {
	dir := testRepo(t)
	m := New(dir, "job-mark")
	if err := m.Ensure(); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	// Half-done work a rewound phase left behind.
	if err := os.WriteFile(filepath.Join(m.Dir(), "partial.go"), []byte("package partial\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	hash, err := m.Mark(3, "rewound", "list rested on a wrong assumption")
	if err != nil {
		t.Fatalf("Mark: %v", err)
	}

	history, err := m.History(1)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 || !strings.Contains(history[0], "phase 3 rewound") {
		t.Errorf("newest entry = %q", history)
	}

	show, err := m.Show(hash)
	if err != nil {
		t.Fatalf("Show: %v", err)
	}
	for _, want := range []string{"list rested on a wrong assumption", "Phase: 3", "partial.go"} {
		if !strings.Contains(show, want) {
			t.Errorf("Show missing %q:\n%s", want, show)
		}
	}

	// The stray work went into the marker, not the next checkpoint.
	status, err := m.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if strings.TrimSpace(status) != "" {
		t.Errorf("worktree dirty after marker: %q", status)
	}
}

func TestHistory_StopsAtForkPoint(t *testing.T) {
	dir := testRepo(t)
	// Grow the repository's own history before the job starts.
	for i := 0; i < 2; i++ {
		cmd := exec.Command("git", "commit", "--allow-empty", "-m", "main history")
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git commit: %v\n%s", err, out)
		}
	}

	m := New(dir, "job-fork")
	if err := m.Ensure(); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if _, err := m.Commit(Checkpoint{Phase: 2, TaskID: 1, Description: "first task"}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	history, err := m.History(0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	// One checkpoint plus the job start marker; three base commits stay out.
	if len(history) != 2 {
		t.Fatalf("history = %d entries, want 2:\n%s", len(history), strings.Join(history, "\n"))
	}
	for _, line := range history {
		if strings.Contains(line, "main history") || strings.Contains(line, "seed") {
			t.Errorf("base commit leaked into history: %q", line)
		}
	}
}

func TestDiffAndStatus(t *testing.T) {
	dir := testRepo(t)
	m := New(dir, "job-diff")
	if err := m.Ensure(); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	if err := os.WriteFile(filepath.Join(m.Dir(), "feature.go"), []byte("package feature\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	status, err := m.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !strings.Contains(status, "feature.go") {
		t.Errorf("status should show the new file: %q", status)
	}

	if _, err := m.Commit(Checkpoint{Phase: 2, TaskID: 1, Description: "add feature"}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	status, err = m.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if strings.TrimSpace(status) != "" {
		t.Errorf("expected clean status after commit, got %q", status)
	}

	diff, err := m.Diff("main")
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if !strings.Contains(diff, "feature.go") {
		t.Errorf("diff should include the branch's work:\n%s", diff)
	}
}
