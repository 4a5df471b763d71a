package cli

import (
	"fmt"

	"github.com/arnevik/drover/internal/store"
	"github.com/spf13/cobra"
)

var releaseCmd = &cobra.Command{
	Use:   "release [job-id]",
	Short: "Return a stuck job to the queue",
	Long: "Clears the worker assignment of a processing job so another worker can claim it.\n" +
		"Use after 'drover status' flags a job with no heartbeat.",
	Args: cobra.ExactArgs(1),
	RunE: runRelease,
}

func runRelease(cmd *cobra.Command, args []string) error {
	svc, _, done, err := openService()
	if err != nil {
		return err
	}
	defer done()

	job, err := resolveJob(svc, args[0])
	if err != nil {
		return err
	}
	if job.Status != store.StatusProcessing {
		return fmt.Errorf("job %s is not processing (status: %s)", shortID(job.ID), job.Status)
	}

	if err := svc.Release(cmd.Context(), job.ID); err != nil {
		return err
	}

	fmt.Printf("Released job %s back to the queue\n", shortID(job.ID))
	return nil
}
