// Package checkpoint records a job's progress as git commits on a per-job
// branch. One task, one commit, even when the task changed nothing: the
// empty commit is the record that the task ran. Each job also works in its
// own worktree under .drover/worktrees, so workers driving different jobs
// against the same repository never share a working copy and commits can
// only land on the branch whose worktree they were made in.
package checkpoint

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// ensureMu serializes worktree setup. Branch creation and worktree
// registration contend on lock files under .git, and a fleet calls Ensure
// from several goroutines against the same repository.
var ensureMu sync.Mutex

// Manager commits checkpoints for one job inside its private worktree.
type Manager struct {
	dir      string // the shared repository checkout
	worktree string // this job's working copy
	branch   string
	base     string // ref remembering the commit the branch forked from
}

// BranchName returns the checkpoint branch for a job.
func BranchName(jobID string) string {
	return fmt.Sprintf("drover/job-%s", shortID(jobID))
}

func shortID(jobID string) string {
	if len(jobID) > 8 {
		return jobID[:8]
	}
	return jobID
}

// New returns a manager for jobID's branch in the repository at dir.
func New(dir, jobID string) *Manager {
	short := shortID(jobID)
	return &Manager{
		dir:      dir,
		worktree: filepath.Join(dir, ".drover", "worktrees", short),
		branch:   "drover/job-" + short,
		base:     "refs/drover/base/job-" + short,
	}
}

func (m *Manager) Branch() string {
	return m.branch
}

// Dir returns the job's private working copy. It exists once Ensure has
// succeeded; all work on the job belongs inside it.
func (m *Manager) Dir() string {
	return m.worktree
}

// Ensure prepares the job's branch and worktree. The first call forks the
// branch from the repository's current HEAD, records the fork point, opens
// the worktree, and commits an empty job-start marker so the branch shows
// when work began even if the first task never finishes. Later calls find
// everything in place and reuse it, so a resumed job continues in the same
// worktree. The shared checkout is never switched off its own branch.
func (m *Manager) Ensure() error {
	ensureMu.Lock()
	defer ensureMu.Unlock()

	if _, err := m.git("rev-parse", "--git-dir"); err != nil {
		return fmt.Errorf("workspace %s is not a git repository: %w", m.dir, err)
	}
	// A branch and worktree need a commit to fork from.
	if _, err := m.git("rev-parse", "HEAD"); err != nil {
		if _, err := m.git("commit", "--allow-empty", "-m", "initial state"); err != nil {
			return fmt.Errorf("create starting commit: %w", err)
		}
	}
	if _, err := m.git("rev-parse", "--verify", "refs/heads/"+m.branch); err != nil {
		if _, err := m.git("branch", m.branch); err != nil {
			return fmt.Errorf("create branch %s: %w", m.branch, err)
		}
		if _, err := m.git("update-ref", m.base, "refs/heads/"+m.branch); err != nil {
			return fmt.Errorf("record fork point: %w", err)
		}
	}
	if err := m.excludeWorktrees(); err != nil {
		return fmt.Errorf("exclude worktree dir: %w", err)
	}
	if _, err := os.Stat(filepath.Join(m.worktree, ".git")); err != nil {
		// A deleted worktree directory leaves its registration behind.
		if _, err := m.git("worktree", "prune"); err != nil {
			return fmt.Errorf("prune worktrees: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(m.worktree), 0o755); err != nil {
			return fmt.Errorf("create worktree dir: %w", err)
		}
		if _, err := m.git("worktree", "add", m.worktree, m.branch); err != nil {
			return fmt.Errorf("add worktree: %w", err)
		}
	}

	// A branch tip still sitting on the fork point means nothing has been
	// recorded yet: open the job's history with a start marker.
	tip, err := m.git("rev-parse", "--verify", "refs/heads/"+m.branch)
	if err != nil {
		return fmt.Errorf("resolve branch tip: %w", err)
	}
	base, err := m.git("rev-parse", "--verify", m.base)
	if err == nil && strings.TrimSpace(tip) == strings.TrimSpace(base) {
		if _, err := m.wt("commit", "--allow-empty", "-m", "job start"); err != nil {
			return fmt.Errorf("commit job start: %w", err)
		}
	}
	return nil
}

// excludeWorktrees keeps .drover out of the shared checkout's untracked
// output, so a git add -A run there cannot commit the worktrees.
func (m *Manager) excludeWorktrees() error {
	out, err := m.git("rev-parse", "--git-dir")
	if err != nil {
		return err
	}
	gitDir := strings.TrimSpace(out)
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(m.dir, gitDir)
	}
	path := filepath.Join(gitDir, "info", "exclude")
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if strings.Contains(string(data), "/.drover/") {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString("/.drover/\n")
	return err
}

// Checkpoint describes the task a commit records.
type Checkpoint struct {
	Phase       int
	TaskID      int
	Description string
	Notes       string
}

// Commit stages the whole worktree and commits it on the job branch,
// returning the short hash. The commit carries the task metadata; the
// commit date is the checkpoint timestamp.
func (m *Manager) Commit(cp Checkpoint) (string, error) {
	if _, err := m.wt("add", "-A"); err != nil {
		return "", fmt.Errorf("stage workspace: %w", err)
	}

	subject := truncate(fmt.Sprintf("task %d: %s", cp.TaskID, cp.Description), 72)
	msg := subject + "\n"
	if cp.Notes != "" {
		msg += "\n" + cp.Notes + "\n"
	}
	msg += fmt.Sprintf("\nPhase: %d\nTask: %d\n", cp.Phase, cp.TaskID)

	if _, err := m.wt("commit", "--allow-empty", "-m", msg); err != nil {
		return "", fmt.Errorf("commit checkpoint: %w", err)
	}
	hash, err := m.wt("rev-parse", "--short", "HEAD")
	if err != nil {
		return "", fmt.Errorf("read checkpoint hash: %w", err)
	}
	return strings.TrimSpace(hash), nil
}

// Mark records an abnormal end of a phase, a rewind or an interruption, as
// a commit on the job branch. Whatever the aborted phase left uncommitted
// is staged into the marker, so it cannot leak into the next task's
// checkpoint.
func (m *Manager) Mark(phase int, label, notes string) (string, error) {
	if _, err := m.wt("add", "-A"); err != nil {
		return "", fmt.Errorf("stage workspace: %w", err)
	}

	msg := truncate(fmt.Sprintf("phase %d %s", phase, label), 72) + "\n"
	if notes != "" {
		msg += "\n" + notes + "\n"
	}
	msg += fmt.Sprintf("\nPhase: %d\n", phase)

	if _, err := m.wt("commit", "--allow-empty", "-m", msg); err != nil {
		return "", fmt.Errorf("commit phase marker: %w", err)
	}
	hash, err := m.wt("rev-parse", "--short", "HEAD")
	if err != nil {
		return "", fmt.Errorf("read marker hash: %w", err)
	}
	return strings.TrimSpace(hash), nil
}

// History returns the job's commits, newest first, one line each. The log
// stops at the recorded fork point, so commits the repository carried
// before the job started never show up as checkpoints.
func (m *Manager) History(limit int) ([]string, error) {
	rev := m.branch
	if _, err := m.git("rev-parse", "--verify", m.base); err == nil {
		rev = m.base + ".." + m.branch
	}
	args := []string{"log", "--oneline"}
	if limit > 0 {
		args = append(args, fmt.Sprintf("-n%d", limit))
	}
	args = append(args, rev)
	out, err := m.git(args...)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// Show returns one checkpoint's message and stat summary.
func (m *Manager) Show(hash string) (string, error) {
	out, err := m.git("show", "--stat", hash)
	if err != nil {
		return "", fmt.Errorf("show checkpoint: %w", err)
	}
	return out, nil
}

// Diff returns the changes the job branch accumulated over base.
func (m *Manager) Diff(base string) (string, error) {
	out, err := m.git("diff", base+"..."+m.branch)
	if err != nil {
		return "", fmt.Errorf("diff against %s: %w", base, err)
	}
	return out, nil
}

// Status returns the worktree's uncommitted state, empty when clean.
func (m *Manager) Status() (string, error) {
	out, err := m.wt("status", "--short")
	if err != nil {
		return "", fmt.Errorf("read status: %w", err)
	}
	return out, nil
}

// truncate cuts s after n runes. Cutting runes rather than bytes keeps
// multibyte descriptions valid.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func (m *Manager) git(args ...string) (string, error) {
	return runGit(m.dir, args)
}

// wt runs git inside the job's worktree.
func (m *Manager) wt(args ...string) (string, error) {
	return runGit(m.worktree, args)
}

func runGit(dir string, args []string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %s: %w", args[0], strings.TrimSpace(string(out)), err)
	}
	return string(out), nil
}
