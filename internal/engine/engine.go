// Package engine invokes reasoning engines and parses what they say back.
// An engine is a black box that receives one assembled prompt per call and
// answers in text; everything drover understands about the answer comes
// from the directive markers in parser.go.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/arnevik/drover/internal/config"
)

// Request is a single engine invocation. Workdir, when set, is the
// directory a CLI engine process runs in; API engines have no working
// directory and ignore it.
type Request struct {
	Prompt  string
	Workdir string
}

// Result is the engine's answer plus whatever usage data the transport
// could observe. CLI engines report no token usage; callers estimate.
type Result struct {
	Output    string
	TokensIn  int
	TokensOut int
	Duration  time.Duration
}

// Invoker runs prompts against one configured engine.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Result, error)
	Name() string
	Mode() string
}

// New builds an invoker for a configured engine.
func New(name string, cfg config.Engine) (Invoker, error) {
	switch cfg.Mode {
	case "cli":
		return NewCLIInvoker(name, cfg), nil
	case "api":
		return NewAPIInvoker(name, cfg), nil
	default:
		return nil, fmt.Errorf("engine %s: unknown mode %q", name, cfg.Mode)
	}
}
