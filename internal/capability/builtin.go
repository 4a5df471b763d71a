package capability

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/arnevik/drover/internal/memory"
	"github.com/arnevik/drover/internal/store"
)

const (
	maxReadBytes  = 16 * 1024
	maxListedDirs = 200
)

// EventSink receives audit-trail notes from capabilities.
type EventSink interface {
	AddEvent(jobID, workerID, eventType, detail string)
}

// Env wires the built-in capabilities to a job's surroundings.
type Env struct {
	Workspace string
	Docs      *memory.Store
	Events    EventSink
	CheckCmd  string // verification command, split on whitespace
}

var bothPhases = []store.PhaseKind{store.PhaseStrategic, store.PhaseTactical}
var strategicOnly = []store.PhaseKind{store.PhaseStrategic}

// Builtins returns the standard capability set for a job.
func Builtins(env Env) []*Capability {
	return []*Capability{
		{
			Name:        "list_files",
			Description: "list workspace files, optionally under a subdirectory (dir)",
			Class:       ClassExecution,
			Phases:      bothPhases,
			Run:         env.listFiles,
		},
		{
			Name:        "read_file",
			Description: "read a workspace file (path)",
			Class:       ClassExecution,
			Phases:      bothPhases,
			Run:         env.readFile,
		},
		{
			Name:        "run_check",
			Description: "run the configured verification command",
			Class:       ClassVerification,
			Phases:      bothPhases,
			Run:         env.runCheck,
		},
		{
			Name:        "update_memory",
			Description: "replace the long-term memory document (content)",
			Class:       ClassPlanning,
			Phases:      strategicOnly,
			Run:         env.updateMemory,
		},
		{
			Name:        "update_plan",
			Description: "replace the plan document (content)",
			Class:       ClassPlanning,
			Phases:      strategicOnly,
			Run:         env.updatePlan,
		},
		{
			Name:        "note",
			Description: "record an observation in the job's event trail (text)",
			Class:       ClassExecution,
			Phases:      bothPhases,
			Run:         env.note,
		},
	}
}

// NewRegistryWithBuiltins is the common setup: a registry holding the
// standard set.
func NewRegistryWithBuiltins(env Env) (*Registry, error) {
	r := NewRegistry()
	for _, c := range Builtins(env) {
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (e Env) listFiles(ctx context.Context, req Request) (*Result, error) {
	sub, _ := stringArg(req.Args, "dir")
	root, err := e.resolve(sub, true)
	if err != nil {
		return nil, err
	}

	var files []string
	truncated := false
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() && (name == ".git" || name == ".drover") {
			return filepath.SkipDir
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(e.Workspace, path)
		if err != nil {
			return err
		}
		if len(files) >= maxListedDirs {
			truncated = true
			return filepath.SkipAll
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk workspace: %w", err)
	}

	out := strings.Join(files, "\n")
	if out == "" {
		out = "(empty)"
	}
	if truncated {
		out += "\n[listing truncated]"
	}
	ref := sub
	if ref == "" {
		ref = "."
	}
	return &Result{Output: out, Ref: ref}, nil
}

func (e Env) readFile(ctx context.Context, req Request) (*Result, error) {
	rel, ok := stringArg(req.Args, "path")
	if !ok {
		return nil, errors.New("path argument required")
	}
	path, err := e.resolve(rel, false)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rel, err)
	}
	out := string(data)
	if len(out) > maxReadBytes {
		out = out[:maxReadBytes] + "\n[truncated]"
	}
	return &Result{Output: out, Ref: rel}, nil
}

func (e Env) runCheck(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(e.CheckCmd) == "" {
		return nil, errors.New("no check command configured")
	}
	parts := strings.Fields(e.CheckCmd)
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	cmd.Dir = e.Workspace
	out, err := cmd.CombinedOutput()

	text := string(out)
	if len(text) > maxReadBytes {
		text = text[:maxReadBytes] + "\n[truncated]"
	}
	if err != nil {
		// The failure output is the point; the engine reads it and reacts.
		return &Result{Output: fmt.Sprintf("check failed: %v\n%s", err, text), Ref: e.CheckCmd}, nil
	}
	if text == "" {
		text = "check passed"
	}
	return &Result{Output: text, Ref: e.CheckCmd}, nil
}

func (e Env) updateMemory(ctx context.Context, req Request) (*Result, error) {
	content, ok := stringArg(req.Args, "content")
	if !ok {
		return nil, errors.New("content argument required")
	}
	if err := e.Docs.WriteMemory(req.JobID, content); err != nil {
		return nil, err
	}
	return &Result{Output: "memory updated", Ref: "memory.md"}, nil
}

func (e Env) updatePlan(ctx context.Context, req Request) (*Result, error) {
	content, ok := stringArg(req.Args, "content")
	if !ok {
		return nil, errors.New("content argument required")
	}
	if err := e.Docs.WritePlan(req.JobID, content); err != nil {
		return nil, err
	}
	return &Result{Output: "plan updated", Ref: "plan.md"}, nil
}

func (e Env) note(ctx context.Context, req Request) (*Result, error) {
	text, ok := stringArg(req.Args, "text")
	if !ok {
		return nil, errors.New("text argument required")
	}
	if e.Events != nil {
		e.Events.AddEvent(req.JobID, "", "note", text)
	}
	return &Result{Output: "noted"}, nil
}

// resolve maps a workspace-relative path to an absolute one, refusing
// anything that escapes the workspace.
func (e Env) resolve(rel string, allowEmpty bool) (string, error) {
	if rel == "" {
		if allowEmpty {
			return e.Workspace, nil
		}
		return "", errors.New("path required")
	}
	clean := filepath.Clean(rel)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s is outside the workspace", rel)
	}
	return filepath.Join(e.Workspace, clean), nil
}

func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}
