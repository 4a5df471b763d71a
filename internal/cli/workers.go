package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "List registered workers",
	RunE:  runWorkers,
}

func runWorkers(cmd *cobra.Command, args []string) error {
	svc, cfg, done, err := openService()
	if err != nil {
		return err
	}
	defer done()

	workers, err := svc.Workers()
	if err != nil {
		return err
	}
	if len(workers) == 0 {
		fmt.Printf("No workers have registered. Run: %sdrover work%s\n", colorCyan, colorReset)
		return nil
	}

	// A worker missing two heartbeats is presumed gone.
	alive := 2 * time.Duration(cfg.Worker.HeartbeatInterval()) * time.Second

	fmt.Printf("%s%-28s %-16s %-8s %-10s %s%s\n", colorBold, "ID", "HOST", "PID", "STARTED", "LAST SEEN", colorReset)
	for _, w := range workers {
		state := colorGreen + "●" + colorReset
		if time.Since(w.LastSeen) > alive {
			state = colorDim + "○" + colorReset
		}
		fmt.Printf("%-28s %-16s %-8d %-10s %s ago %s\n",
			w.ID, w.Hostname, w.PID, age(w.StartedAt), age(w.LastSeen), state)
	}
	return nil
}
