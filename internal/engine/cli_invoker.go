package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/arnevik/drover/internal/config"
)

// CLIInvoker spawns a local agent CLI for each invocation. The prompt goes
// in as the final argument; the answer is whatever lands on stdout.
type CLIInvoker struct {
	name string
	cfg  config.Engine
}

func NewCLIInvoker(name string, cfg config.Engine) *CLIInvoker {
	return &CLIInvoker{name: name, cfg: cfg}
}

func (r *CLIInvoker) Name() string { return r.name }
func (r *CLIInvoker) Mode() string { return "cli" }

func (r *CLIInvoker) Invoke(ctx context.Context, req Request) (*Result, error) {
	timeout := time.Duration(r.cfg.DefaultTimeout()) * time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(r.cfg.EffectiveArgs(), req.Prompt)
	cmd := exec.CommandContext(ctx, r.cfg.Cmd, args...)
	if req.Workdir != "" {
		cmd.Dir = req.Workdir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("engine %s timed out after %s", r.name, timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("engine %s exited with code %d: %s",
				r.name, exitErr.ExitCode(), tail(stderr.String(), 500))
		}
		return nil, fmt.Errorf("engine %s: %w", r.name, err)
	}

	return &Result{
		Output:   strings.TrimSpace(stdout.String()),
		Duration: elapsed,
	}, nil
}

// tail returns the last n bytes of s, trimmed.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
