// Package capability defines the operations an engine may invoke during a
// phase. Availability is declared per capability and enforced when the
// invocation is dispatched, so a phase never executes an operation it was
// not meant to have.
package capability

import (
	"context"
	"errors"
	"fmt"

	"github.com/arnevik/drover/internal/store"
)

// ErrPhaseMismatch is returned when an engine invokes a capability outside
// the phases it is declared for. The capability does not run.
var ErrPhaseMismatch = errors.New("capability not available in this phase")

// Class groups capabilities by what kind of evidence their use provides.
type Class string

const (
	ClassPlanning     Class = "planning"
	ClassExecution    Class = "execution"
	ClassVerification Class = "verification"
)

// Request carries one invocation's context and parsed arguments.
type Request struct {
	JobID string
	Phase store.PhaseKind
	Args  map[string]any
}

// Result is what flows back into the conversation.
type Result struct {
	Output string
	Ref    string // what was touched, kept for compaction summaries
}

// Capability is a named operation with declared phase availability.
type Capability struct {
	Name        string
	Description string
	Class       Class
	Phases      []store.PhaseKind
	Run         func(ctx context.Context, req Request) (*Result, error)
}

// AllowedIn reports whether the capability may run in the given phase.
func (c *Capability) AllowedIn(phase store.PhaseKind) bool {
	for _, p := range c.Phases {
		if p == phase {
			return true
		}
	}
	return false
}

// Registry holds the capability set offered to engines.
type Registry struct {
	caps  map[string]*Capability
	order []string
}

func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]*Capability)}
}

func (r *Registry) Register(c *Capability) error {
	if c.Name == "" {
		return errors.New("capability has no name")
	}
	if c.Run == nil {
		return fmt.Errorf("capability %s has no run function", c.Name)
	}
	if _, exists := r.caps[c.Name]; exists {
		return fmt.Errorf("capability %s already registered", c.Name)
	}
	r.caps[c.Name] = c
	r.order = append(r.order, c.Name)
	return nil
}

func (r *Registry) Get(name string) (*Capability, bool) {
	c, ok := r.caps[name]
	return c, ok
}

// ForPhase returns the capabilities available to a phase, in registration
// order. Used to describe the phase's toolset in its prompt.
func (r *Registry) ForPhase(phase store.PhaseKind) []*Capability {
	var out []*Capability
	for _, name := range r.order {
		if c := r.caps[name]; c.AllowedIn(phase) {
			out = append(out, c)
		}
	}
	return out
}

// Dispatch runs a named capability for the request's phase. The phase
// check happens here, before the capability runs: an out-of-phase
// invocation returns ErrPhaseMismatch and has no effect.
func (r *Registry) Dispatch(ctx context.Context, name string, req Request) (*Result, error) {
	c, ok := r.caps[name]
	if !ok {
		return nil, fmt.Errorf("unknown capability %q", name)
	}
	if !c.AllowedIn(req.Phase) {
		return nil, fmt.Errorf("%s in %s phase: %w", name, req.Phase, ErrPhaseMismatch)
	}
	res, err := c.Run(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return res, nil
}
