package cli

import (
	"fmt"

	"github.com/arnevik/drover/internal/checkpoint"
	"github.com/spf13/cobra"
)

var (
	historyLimit int
	diffBase     string
)

var historyCmd = &cobra.Command{
	Use:   "history [job-id]",
	Short: "Show a job's checkpoint commits",
	Long:  "Lists the per-task commits on the job's checkpoint branch, newest first.",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

var diffCmd = &cobra.Command{
	Use:   "diff [job-id]",
	Short: "Show everything a job changed",
	Long:  "Diffs the job's checkpoint branch against a base ref (default: main).",
	Args:  cobra.ExactArgs(1),
	RunE:  runDiff,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "l", 20, "Number of commits to show")
	diffCmd.Flags().StringVarP(&diffBase, "base", "b", "main", "Base ref to diff against")
}

func runHistory(cmd *cobra.Command, args []string) error {
	svc, cfg, done, err := openService()
	if err != nil {
		return err
	}
	defer done()

	job, err := resolveJob(svc, args[0])
	if err != nil {
		return err
	}

	m := checkpoint.New(cfg.Worker.WorkDir(), job.ID)
	lines, err := m.History(historyLimit)
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		fmt.Printf("No checkpoints on %s yet.\n", m.Branch())
		return nil
	}

	fmt.Printf("Checkpoints on %s%s%s:\n\n", colorBold, m.Branch(), colorReset)
	for _, l := range lines {
		fmt.Printf("  %s\n", l)
	}
	return nil
}

func runDiff(cmd *cobra.Command, args []string) error {
	svc, cfg, done, err := openService()
	if err != nil {
		return err
	}
	defer done()

	job, err := resolveJob(svc, args[0])
	if err != nil {
		return err
	}

	m := checkpoint.New(cfg.Worker.WorkDir(), job.ID)
	out, err := m.Diff(diffBase)
	if err != nil {
		return err
	}
	if out == "" {
		fmt.Printf("%sNo changes against %s.%s\n", colorDim, diffBase, colorReset)
		return nil
	}
	fmt.Print(out)
	return nil
}
