package cli

import (
	"fmt"
	"time"

	"github.com/arnevik/drover/internal/store"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Quick status overview",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	svc, cfg, done, err := openService()
	if err != nil {
		return err
	}
	defer done()

	counts, err := svc.Counts()
	if err != nil {
		return err
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	if total == 0 {
		fmt.Printf("No jobs. Run: %sdrover submit \"what you want done\"%s\n", colorCyan, colorReset)
		return nil
	}

	fmt.Printf("%sJobs: %d total%s\n", colorBold, total, colorReset)
	fmt.Printf("  %-16s %s%d%s\n", "created:", colorWhite, counts[store.StatusCreated], colorReset)
	fmt.Printf("  %-16s %s%d%s\n", "processing:", colorBlue, counts[store.StatusProcessing], colorReset)
	fmt.Printf("  %-16s %s%d%s\n", "pending_review:", colorMagenta, counts[store.StatusPendingReview], colorReset)
	fmt.Printf("  %-16s %s%d%s\n", "completed:", colorGreen, counts[store.StatusCompleted], colorReset)
	fmt.Printf("  %-16s %s%d%s\n", "failed:", colorRed, counts[store.StatusFailed], colorReset)
	fmt.Printf("  %-16s %s%d%s\n", "cancelled:", colorDim, counts[store.StatusCancelled], colorReset)

	if n := counts[store.StatusPendingReview]; n > 0 {
		fmt.Printf("\n%s%d job(s) waiting for your review:%s %sdrover review%s\n",
			colorMagenta+colorBold, n, colorReset, colorCyan, colorReset)
	}

	threshold := time.Duration(cfg.Worker.StuckThreshold()) * time.Minute
	stuck, err := svc.Stuck(threshold)
	if err != nil {
		return err
	}
	if len(stuck) > 0 {
		fmt.Printf("\n%s⚠  Stuck jobs (no heartbeat for %s):%s\n", colorRed+colorBold, threshold, colorReset)
		for _, j := range stuck {
			worker := "unassigned"
			if j.AssignedWorkerID != nil {
				worker = *j.AssignedWorkerID
			}
			fmt.Printf("  %s%s%s: held by %s, last seen %s ago\n",
				colorYellow, shortID(j.ID), colorReset, worker, age(j.UpdatedAt))
			fmt.Printf("       → %sdrover release %s%s\n", colorCyan, shortID(j.ID), colorReset)
		}
	}

	return nil
}
