package cli

import (
	"fmt"

	"github.com/arnevik/drover/internal/store"
	"github.com/spf13/cobra"
)

var approveNotes string

var approveCmd = &cobra.Command{
	Use:   "approve [job-id]",
	Short: "Accept a frozen job's work",
	Long:  "Marks a pending_review job as completed. The frozen record keeps your notes.",
	Args:  cobra.ExactArgs(1),
	RunE:  runApprove,
}

func init() {
	approveCmd.Flags().StringVarP(&approveNotes, "notes", "n", "", "Review notes to keep with the record")
}

func runApprove(cmd *cobra.Command, args []string) error {
	svc, _, done, err := openService()
	if err != nil {
		return err
	}
	defer done()

	job, err := resolveJob(svc, args[0])
	if err != nil {
		return err
	}
	if job.Status != store.StatusPendingReview {
		return fmt.Errorf("job %s is not awaiting review (status: %s)", shortID(job.ID), job.Status)
	}

	if err := svc.Approve(job.ID, approveNotes); err != nil {
		return err
	}

	fmt.Printf("%s✓ Approved%s job %s\n", colorGreen+colorBold, colorReset, shortID(job.ID))
	return nil
}
