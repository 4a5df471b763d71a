package cli

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/arnevik/drover/internal/engine"
	"github.com/arnevik/drover/internal/notify"
	"github.com/arnevik/drover/internal/store"
	"github.com/arnevik/drover/internal/worker"
	"github.com/spf13/cobra"
)

var workWorkers int

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Run workers that claim and execute jobs",
	Long: "Starts a worker fleet in the foreground. Each worker claims queued jobs,\n" +
		"alternates planning and execution phases until the engine declares the job\n" +
		"complete, then freezes it for review. Stop with Ctrl-C; held jobs are\n" +
		"released back to the queue.",
	RunE: runWork,
}

func init() {
	workCmd.Flags().IntVarP(&workWorkers, "workers", "w", 1, "Number of concurrent workers")
}

func runWork(cmd *cobra.Command, args []string) error {
	cfg, err := mustConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Storage.Driver, cfg.Storage.Path, cfg.Storage.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	broker, err := notify.New(ctx, cfg.Notify)
	if err != nil {
		return err
	}
	defer broker.Close()

	fleet := worker.NewFleet(worker.FleetConfig{
		Size:    workWorkers,
		Store:   st,
		Docs:    docsStore(),
		Clients: engine.NewBuilder(cfg),
		Broker:  broker,
		Config:  cfg,
		Log:     slog.New(slog.NewTextHandler(os.Stderr, nil)),
	})

	fmt.Printf("Starting %d worker(s). Ctrl-C to stop.\n", workWorkers)
	results := fleet.Run(ctx)

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			fmt.Printf("%s✗%s %s: %v\n", colorRed, colorReset, r.WorkerID, r.Err)
			continue
		}
		fmt.Printf("%s✓%s %s: %d job(s) run\n", colorGreen, colorReset, r.WorkerID, r.JobsRun)
	}
	if failed > 0 {
		return fmt.Errorf("%d worker(s) exited with errors", failed)
	}
	return nil
}
