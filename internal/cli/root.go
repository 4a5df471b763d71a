package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "drover",
	Short: "Job orchestrator for autonomous engine runs",
	Long: "drover — submit long-running jobs to autonomous engines and review what comes back.\n" +
		"Workers alternate planning and execution phases, checkpoint every task as a git commit,\n" +
		"and freeze finished work for human review. Nothing ships until you approve it.",
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(releaseCmd)
	rootCmd.AddCommand(workCmd)
	rootCmd.AddCommand(memoryCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(workersCmd)
	rootCmd.AddCommand(reviewCmd)
}
