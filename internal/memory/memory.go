// Package memory manages the per-job document directory. The documents are
// plain files on disk so a human can read or edit them between phases, and
// so a restarted worker picks up exactly what the previous one left behind.
package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	memoryFile  = "memory.md"
	planFile    = "plan.md"
	archiveFile = "archive.md"
	handoffFile = "handoff.json"
	tasksFile   = "tasks.json"
)

// Store reads and writes job documents under a root directory, one
// subdirectory per job.
type Store struct {
	root string
}

func New(root string) *Store {
	return &Store{root: root}
}

// Dir returns the document directory for a job.
func (s *Store) Dir(jobID string) string {
	return filepath.Join(s.root, jobID)
}

// EnsureJob creates the job directory and seeds the memory and plan
// documents. Existing documents are left alone, so it is safe to call on
// every claim.
func (s *Store) EnsureJob(jobID string) error {
	dir := s.Dir(jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}
	for name, seed := range map[string]string{
		memoryFile: "# Memory\n",
		planFile:   "# Plan\n",
	} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(seed), 0o644); err != nil {
			return fmt.Errorf("seed %s: %w", name, err)
		}
	}
	return nil
}

// ReadMemory returns the long-term memory document. A missing document
// reads as empty.
func (s *Store) ReadMemory(jobID string) (string, error) {
	return s.readDoc(jobID, memoryFile)
}

func (s *Store) WriteMemory(jobID, content string) error {
	return s.writeDoc(jobID, memoryFile, content)
}

// ReadPlan returns the plan document. A missing document reads as empty.
func (s *Store) ReadPlan(jobID string) (string, error) {
	return s.readDoc(jobID, planFile)
}

func (s *Store) WritePlan(jobID, content string) error {
	return s.writeDoc(jobID, planFile, content)
}

// ReadArchive returns the archive of abandoned and completed task lists.
func (s *Store) ReadArchive(jobID string) (string, error) {
	return s.readDoc(jobID, archiveFile)
}

// AppendArchive adds a timestamped section to the archive document. The
// archive is append-only and must accept whatever it is given, including
// partially completed work.
func (s *Store) AppendArchive(jobID, heading, body string) error {
	existing, err := s.readDoc(jobID, archiveFile)
	if err != nil {
		return err
	}
	if existing == "" {
		existing = "# Archive\n"
	}
	section := fmt.Sprintf("\n## %s (%s)\n\n%s\n", heading, time.Now().UTC().Format(time.RFC3339), body)
	return s.writeDoc(jobID, archiveFile, existing+section)
}

// SaveHandoff persists the serialized handoff artifact.
func (s *Store) SaveHandoff(jobID string, data []byte) error {
	return s.writeDoc(jobID, handoffFile, string(data))
}

// LoadHandoff returns the serialized handoff artifact, or nil when none
// is stored.
func (s *Store) LoadHandoff(jobID string) ([]byte, error) {
	return s.loadBlob(jobID, handoffFile)
}

func (s *Store) ClearHandoff(jobID string) error {
	return s.removeDoc(jobID, handoffFile)
}

// SaveTasks persists the serialized active task list. Called on every task
// list mutation so a crashed worker leaves a usable trail.
func (s *Store) SaveTasks(jobID string, data []byte) error {
	return s.writeDoc(jobID, tasksFile, string(data))
}

// LoadTasks returns the serialized task list, or nil when none is stored.
func (s *Store) LoadTasks(jobID string) ([]byte, error) {
	return s.loadBlob(jobID, tasksFile)
}

func (s *Store) ClearTasks(jobID string) error {
	return s.removeDoc(jobID, tasksFile)
}

func (s *Store) readDoc(jobID, name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.Dir(jobID), name))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	return string(data), nil
}

func (s *Store) loadBlob(jobID, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.Dir(jobID), name))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

func (s *Store) writeDoc(jobID, name, content string) error {
	dir := s.Dir(jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func (s *Store) removeDoc(jobID, name string) error {
	err := os.Remove(filepath.Join(s.Dir(jobID), name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return nil
}
