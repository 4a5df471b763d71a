package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/arnevik/drover/internal/store"
	"github.com/spf13/cobra"
)

// ANSI color codes.
const (
	colorReset   = "\033[0m"
	colorBold    = "\033[1m"
	colorDim     = "\033[2m"
	colorRed     = "\033[31m"
	colorGreen   = "\033[32m"
	colorYellow  = "\033[33m"
	colorBlue    = "\033[34m"
	colorMagenta = "\033[35m"
	colorCyan    = "\033[36m"
	colorWhite   = "\033[37m"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs [status]",
	Short: "List jobs, optionally filtered by status",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runJobs,
}

func runJobs(cmd *cobra.Command, args []string) error {
	svc, _, done, err := openService()
	if err != nil {
		return err
	}
	defer done()

	var status store.JobStatus
	if len(args) == 1 {
		status = store.JobStatus(args[0])
		switch status {
		case store.StatusCreated, store.StatusProcessing, store.StatusPendingReview,
			store.StatusCompleted, store.StatusFailed, store.StatusCancelled:
		default:
			return fmt.Errorf("unknown status %q", args[0])
		}
	}

	jobs, err := svc.List(status)
	if err != nil {
		return err
	}

	if len(jobs) == 0 {
		if status == "" {
			fmt.Printf("%sNo jobs yet.%s Submit one: %sdrover submit \"what you want done\"%s\n",
				colorDim, colorReset, colorCyan, colorReset)
		} else {
			fmt.Printf("No %s jobs.\n", status)
		}
		return nil
	}

	fmt.Printf("%s%-10s %-16s %-10s %-8s %s%s\n", colorBold, "ID", "STATUS", "AGE", "WORKER", "INSTRUCTIONS", colorReset)
	for _, j := range jobs {
		worker := "-"
		if j.AssignedWorkerID != nil {
			worker = shortID(*j.AssignedWorkerID)
		}
		fmt.Printf("%s%-10s%s %s%-16s%s %-10s %-8s %s\n",
			colorYellow, shortID(j.ID), colorReset,
			statusColor(j.Status), j.Status, colorReset,
			age(j.CreatedAt), worker, truncate(j.Instructions, 50))
	}
	return nil
}

func statusColor(s store.JobStatus) string {
	switch s {
	case store.StatusCreated:
		return colorWhite
	case store.StatusProcessing:
		return colorBlue
	case store.StatusPendingReview:
		return colorMagenta
	case store.StatusCompleted:
		return colorGreen
	case store.StatusFailed:
		return colorRed
	case store.StatusCancelled:
		return colorDim
	default:
		return ""
	}
}

func age(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
