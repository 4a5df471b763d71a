package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var logCmd = &cobra.Command{
	Use:   "log [job-id]",
	Short: "Show the event log for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runLog,
}

func runLog(cmd *cobra.Command, args []string) error {
	svc, _, done, err := openService()
	if err != nil {
		return err
	}
	defer done()

	job, err := resolveJob(svc, args[0])
	if err != nil {
		return err
	}

	events, err := svc.Events(job.ID)
	if err != nil {
		return err
	}

	if len(events) == 0 {
		fmt.Printf("No events for job %s\n", shortID(job.ID))
		return nil
	}

	fmt.Printf("Events for job %s:\n\n", shortID(job.ID))
	for _, e := range events {
		worker := ""
		if e.WorkerID != "" {
			worker = fmt.Sprintf("[%s] ", shortID(e.WorkerID))
		}
		fmt.Printf("  %s  %s%-20s %s\n",
			e.Timestamp.Format("2006-01-02 15:04:05"), worker, e.Type, e.Detail)
	}
	return nil
}
