// Package worker runs a fleet of drover job workers inside one process.
// Each worker claims jobs independently; the store's conditional claim is
// the only coordination between them.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/arnevik/drover/internal/config"
	"github.com/arnevik/drover/internal/memory"
	"github.com/arnevik/drover/internal/notify"
	"github.com/arnevik/drover/internal/orchestrator"
	"github.com/arnevik/drover/internal/phase"
	"github.com/arnevik/drover/internal/store"
)

// Result holds the outcome of a single worker's lifetime.
type Result struct {
	WorkerID string
	JobsRun  int
	Err      error // nil on clean shutdown
}

// FleetConfig holds the shared dependencies for every worker in the fleet.
type FleetConfig struct {
	Size    int
	Store   store.Store
	Docs    *memory.Store
	Clients phase.ClientFactory
	Broker  notify.Broker
	Config  *config.Config
	Log     *slog.Logger
}

// Fleet manages a fixed number of concurrent workers.
type Fleet struct {
	fc FleetConfig
}

// NewFleet creates a fleet. Size below one is raised to one.
func NewFleet(fc FleetConfig) *Fleet {
	if fc.Size < 1 {
		fc.Size = 1
	}
	return &Fleet{fc: fc}
}

// Run starts every worker and blocks until ctx ends and all of them have
// stopped. Results are indexed by start order.
func (f *Fleet) Run(ctx context.Context) []Result {
	results := make([]Result, f.fc.Size)
	var wg sync.WaitGroup

	for i := 0; i < f.fc.Size; i++ {
		w := orchestrator.NewWorker(orchestrator.WorkerDeps{
			Store:   f.fc.Store,
			Docs:    f.fc.Docs,
			Clients: f.fc.Clients,
			Broker:  f.fc.Broker,
			Config:  f.fc.Config,
			Log:     f.fc.Log,
		})

		wg.Add(1)
		go func(idx int, w *orchestrator.Worker) {
			defer wg.Done()
			err := w.Run(ctx)
			if errors.Is(err, context.Canceled) {
				err = nil
			}
			results[idx] = Result{WorkerID: w.ID(), JobsRun: w.JobsRun(), Err: err}
		}(i, w)
	}

	wg.Wait()
	return results
}
