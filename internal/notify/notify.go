// Package notify carries claim wakeup hints from submitters to workers.
// The hint is advisory only: claims go through the ledger, so a lost or
// duplicate notification costs at most one poll interval.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/arnevik/drover/internal/config"
)

// Broker fans job hints out to watching workers.
type Broker interface {
	// Announce signals that a job may be claimable.
	Announce(ctx context.Context, jobID string) error

	// Watch returns a channel of job ID hints. Best effort: hints may be
	// dropped when the watcher falls behind. The channel is released when
	// ctx ends.
	Watch(ctx context.Context) <-chan string

	Close() error
}

// New builds the broker named by the config. An unknown mode is an error
// so a typo fails at startup instead of silently degrading to polling.
func New(ctx context.Context, cfg config.Notify) (Broker, error) {
	switch cfg.Mode {
	case "", "local":
		return NewLocal(), nil
	case "redis":
		return NewRedis(ctx, cfg)
	case "poll":
		return None{}, nil
	default:
		return nil, fmt.Errorf("unknown notify mode: %s", cfg.Mode)
	}
}

// None disables notifications; workers rely on their poll ticker alone.
// Watch returns a nil channel, which blocks forever in a select.
type None struct{}

func (None) Announce(ctx context.Context, jobID string) error { return nil }
func (None) Watch(ctx context.Context) <-chan string          { return nil }
func (None) Close() error                                     { return nil }

// Local is an in-process broker for single-host fleets: a submission made
// by the same process wakes its workers immediately.
type Local struct {
	mu     sync.Mutex
	subs   []chan string
	closed bool
}

func NewLocal() *Local {
	return &Local{}
}

func (l *Local) Announce(ctx context.Context, jobID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errors.New("broker closed")
	}
	for _, ch := range l.subs {
		select {
		case ch <- jobID:
		default: // watcher is behind, drop the hint
		}
	}
	return nil
}

func (l *Local) Watch(ctx context.Context) <-chan string {
	ch := make(chan string, 8)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		close(ch)
		return ch
	}
	l.subs = append(l.subs, ch)
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.remove(ch)
	}()
	return ch
}

func (l *Local) remove(ch chan string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, sub := range l.subs {
		if sub == ch {
			l.subs = append(l.subs[:i], l.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	for _, ch := range l.subs {
		close(ch)
	}
	l.subs = nil
	return nil
}
