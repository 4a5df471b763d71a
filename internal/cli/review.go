package cli

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/arnevik/drover/internal/tui"
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Open the interactive review console",
	Long: "Opens a dashboard of jobs waiting for review: read the frozen record,\n" +
		"inspect the checkpoint diff, approve, or send the job back with feedback.",
	RunE: runReview,
}

func runReview(cmd *cobra.Command, args []string) error {
	svc, cfg, done, err := openService()
	if err != nil {
		return err
	}
	defer done()

	model := tui.New(svc, cfg.Worker.WorkDir())
	p := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("review console: %w", err)
	}
	return nil
}
