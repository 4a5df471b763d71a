package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel [job-id]",
	Short: "Cancel a job",
	Long:  "Stops a created or processing job. A worker mid-run notices at its next poll boundary and abandons the job.",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func runCancel(cmd *cobra.Command, args []string) error {
	svc, _, done, err := openService()
	if err != nil {
		return err
	}
	defer done()

	job, err := resolveJob(svc, args[0])
	if err != nil {
		return err
	}

	if err := svc.Cancel(job.ID); err != nil {
		return err
	}

	fmt.Printf("Cancelled job %s\n", shortID(job.ID))
	return nil
}
