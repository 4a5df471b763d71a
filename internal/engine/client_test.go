package engine

import (
	"context"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/arnevik/drover/internal/config"
)

type cannedInvoker struct {
	name     string
	prompts  []string
	workdirs []string
	reply    string
}

func (c *cannedInvoker) Invoke(ctx context.Context, req Request) (*Result, error) {
	c.prompts = append(c.prompts, req.Prompt)
	c.workdirs = append(c.workdirs, req.Workdir)
	return &Result{Output: c.reply}, nil
}

func (c *cannedInvoker) Name() string { return c.name }
func (c *cannedInvoker) Mode() string { return "cli" }

func TestClient_PassesRequestThrough(t *testing.T) {
	fake := &cannedInvoker{name: "fake", reply: "hello"}
	client := NewClient(fake, nil)

	res, err := client.Invoke(context.Background(), Request{Prompt: "what gives", Workdir: "/tmp/job"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Output != "hello" {
		t.Errorf("output = %q", res.Output)
	}
	if len(fake.prompts) != 1 || fake.prompts[0] != "what gives" {
		t.Errorf("prompts = %v", fake.prompts)
	}
	if len(fake.workdirs) != 1 || fake.workdirs[0] != "/tmp/job" {
		t.Errorf("workdirs = %v", fake.workdirs)
	}
	if client.Name() != "fake" {
		t.Errorf("name = %q", client.Name())
	}
}

func TestClient_RateLimitHonorsContext(t *testing.T) {
	fake := &cannedInvoker{name: "fake", reply: "ok"}
	// One immediate slot, then an hour between calls.
	client := NewClient(fake, rate.NewLimiter(rate.Every(time.Hour), 1))

	if _, err := client.Invoke(context.Background(), Request{Prompt: "first"}); err != nil {
		t.Fatalf("first call: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := client.Invoke(ctx, Request{Prompt: "second"}); err == nil {
		t.Error("expected rate limit wait to fail on context timeout")
	}
	if len(fake.prompts) != 1 {
		t.Errorf("second call should never reach the engine, prompts = %v", fake.prompts)
	}
}

func TestBuilder_ForPhase(t *testing.T) {
	cfg := &config.Config{
		Engines: map[string]config.Engine{
			"main": {Mode: "cli", Cmd: "echo"},
		},
		DefaultEngine: "main",
	}
	b := NewBuilder(cfg)

	client, err := b.ForPhase("")
	if err != nil {
		t.Fatalf("ForPhase: %v", err)
	}
	if client.Name() != "main" {
		t.Errorf("resolved engine = %q", client.Name())
	}

	if _, err := b.ForPhase("missing"); err == nil {
		t.Error("expected error for unknown engine")
	}

	// Clients are per call, the limiter is shared.
	other, err := b.ForPhase("main")
	if err != nil {
		t.Fatalf("ForPhase: %v", err)
	}
	if other == client {
		t.Error("expected a fresh client per phase")
	}
	if other.limiter != client.limiter {
		t.Error("expected the shared limiter")
	}
}
