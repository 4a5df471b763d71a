package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var memoryCmd = &cobra.Command{
	Use:   "memory [job-id]",
	Short: "Print a job's memory document",
	Args:  cobra.ExactArgs(1),
	RunE:  docPrinter(func(jobID string) (string, error) { return docsStore().ReadMemory(jobID) }),
}

var planCmd = &cobra.Command{
	Use:   "plan [job-id]",
	Short: "Print a job's plan document",
	Args:  cobra.ExactArgs(1),
	RunE:  docPrinter(func(jobID string) (string, error) { return docsStore().ReadPlan(jobID) }),
}

var archiveCmd = &cobra.Command{
	Use:   "archive [job-id]",
	Short: "Print a job's archive of finished task lists",
	Args:  cobra.ExactArgs(1),
	RunE:  docPrinter(func(jobID string) (string, error) { return docsStore().ReadArchive(jobID) }),
}

// docPrinter resolves the job, reads one of its documents, and prints it.
func docPrinter(read func(jobID string) (string, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		svc, _, done, err := openService()
		if err != nil {
			return err
		}
		defer done()

		job, err := resolveJob(svc, args[0])
		if err != nil {
			return err
		}

		content, err := read(job.ID)
		if err != nil {
			return err
		}
		if content == "" {
			fmt.Printf("%s(empty)%s\n", colorDim, colorReset)
			return nil
		}
		fmt.Println(content)
		return nil
	}
}
