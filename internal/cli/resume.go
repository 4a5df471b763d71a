package cli

import (
	"fmt"
	"strings"

	"github.com/arnevik/drover/internal/store"
	"github.com/spf13/cobra"
)

var resumeCmd = &cobra.Command{
	Use:   "resume [job-id] [feedback]",
	Short: "Send a job back with feedback",
	Long: "Returns a pending_review or failed job to the queue. Your feedback reaches the\n" +
		"engine's next planning pass word for word, so write it to the engine.",
	Args: cobra.MinimumNArgs(2),
	RunE: runResume,
}

func runResume(cmd *cobra.Command, args []string) error {
	svc, _, done, err := openService()
	if err != nil {
		return err
	}
	defer done()

	job, err := resolveJob(svc, args[0])
	if err != nil {
		return err
	}
	if job.Status != store.StatusPendingReview && job.Status != store.StatusFailed {
		return fmt.Errorf("job %s cannot be resumed (status: %s)", shortID(job.ID), job.Status)
	}

	feedback := strings.Join(args[1:], " ")
	if err := svc.Resume(cmd.Context(), job.ID, feedback); err != nil {
		return err
	}

	fmt.Printf("Resumed job %s with feedback:\n", shortID(job.ID))
	fmt.Printf("  %s%s%s\n", colorCyan, feedback, colorReset)
	return nil
}
