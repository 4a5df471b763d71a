package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/arnevik/drover/internal/config"
	"github.com/arnevik/drover/internal/memory"
	"github.com/arnevik/drover/internal/notify"
	"github.com/arnevik/drover/internal/orchestrator"
	"github.com/arnevik/drover/internal/store"
)

const droverDirName = ".drover"

// droverPath returns the path to a file inside .drover/.
func droverPath(parts ...string) string {
	elems := append([]string{droverDirName}, parts...)
	return filepath.Join(elems...)
}

// mustConfig loads the config, returning an error if drover is not initialized.
func mustConfig() (*config.Config, error) {
	path := droverPath("config.yaml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("drover not initialized. Run: drover init")
	}
	return config.Load(path)
}

// openService wires the job ledger and hint broker behind one lifecycle
// surface. The returned closer shuts both down.
func openService() (*orchestrator.Service, *config.Config, func(), error) {
	cfg, err := mustConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	st, err := store.Open(cfg.Storage.Driver, cfg.Storage.Path, cfg.Storage.DSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open store: %w", err)
	}
	broker, err := notify.New(context.Background(), cfg.Notify)
	if err != nil {
		st.Close()
		return nil, nil, nil, err
	}
	svc := orchestrator.NewService(st, broker, nil)
	closer := func() {
		broker.Close()
		st.Close()
	}
	return svc, cfg, closer, nil
}

// docsStore returns the per-job document store under .drover/jobs/.
func docsStore() *memory.Store {
	return memory.New(droverPath("jobs"))
}

// resolveJob expands a job ID prefix to the full job. Prefixes must be
// unambiguous.
func resolveJob(svc *orchestrator.Service, idOrPrefix string) (*store.Job, error) {
	if job, err := svc.Get(idOrPrefix); err == nil {
		return job, nil
	}
	jobs, err := svc.List("")
	if err != nil {
		return nil, err
	}
	var match *store.Job
	for i := range jobs {
		if strings.HasPrefix(jobs[i].ID, idOrPrefix) {
			if match != nil {
				return nil, fmt.Errorf("job ID %q is ambiguous", idOrPrefix)
			}
			match = &jobs[i]
		}
	}
	if match == nil {
		return nil, fmt.Errorf("job %q not found", idOrPrefix)
	}
	return match, nil
}

// shortID trims a job ID for list output.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
