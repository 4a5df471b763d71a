package engine

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/arnevik/drover/internal/config"
)

// Client is the single engine handle a phase talks through. Each phase
// gets a fresh client; the rate limiter is shared so a chatty phase
// cannot starve the rest of the process.
type Client struct {
	invoker Invoker
	limiter *rate.Limiter
}

func (c *Client) Name() string { return c.invoker.Name() }

// Invoke waits for rate-limit headroom, then runs the request.
func (c *Client) Invoke(ctx context.Context, req Request) (*Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	return c.invoker.Invoke(ctx, req)
}

// Builder constructs per-phase clients from the configured engines.
type Builder struct {
	cfg     *config.Config
	limiter *rate.Limiter
}

func NewBuilder(cfg *config.Config) *Builder {
	perMin, burst := cfg.Run.Rate()
	return &Builder{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(perMin/60.0), burst),
	}
}

// ForPhase builds the client one phase will use for its whole lifetime.
// engineName may be empty to take the configured default.
func (b *Builder) ForPhase(engineName string) (*Client, error) {
	name, engCfg, err := b.cfg.Engine(engineName)
	if err != nil {
		return nil, err
	}
	inv, err := New(name, engCfg)
	if err != nil {
		return nil, err
	}
	return &Client{invoker: inv, limiter: b.limiter}, nil
}

// NewClient wraps an invoker with its own limiter. Intended for callers
// that manage engine construction themselves.
func NewClient(inv Invoker, limiter *rate.Limiter) *Client {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &Client{invoker: inv, limiter: limiter}
}
