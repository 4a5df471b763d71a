package cli

import (
	"fmt"
	"strings"

	"github.com/arnevik/drover/internal/store"
	"github.com/spf13/cobra"
)

var showCmd = &cobra.Command{
	Use:   "show [job-id]",
	Short: "Show job details",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

func runShow(cmd *cobra.Command, args []string) error {
	svc, _, done, err := openService()
	if err != nil {
		return err
	}
	defer done()

	job, err := resolveJob(svc, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("%sJob %s%s\n", colorBold, job.ID, colorReset)
	fmt.Printf("  %-12s %s%s%s\n", "status:", statusColor(job.Status), job.Status, colorReset)
	if job.Engine != "" {
		fmt.Printf("  %-12s %s\n", "engine:", job.Engine)
	}
	if job.AssignedWorkerID != nil {
		fmt.Printf("  %-12s %s\n", "worker:", *job.AssignedWorkerID)
	}
	fmt.Printf("  %-12s %s\n", "created:", job.CreatedAt.Format("2006-01-02 15:04:05"))
	if job.CompletedAt != nil {
		fmt.Printf("  %-12s %s\n", "completed:", job.CompletedAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Printf("\n%sInstructions%s\n%s\n", colorBold, colorReset, indent(job.Instructions))

	if job.Feedback != "" {
		fmt.Printf("\n%sReviewer feedback%s\n%s\n", colorBold, colorReset, indent(job.Feedback))
	}
	if job.ErrorMessage != "" {
		fmt.Printf("\n%s%sError%s\n%s\n", colorRed, colorBold, colorReset, indent(job.ErrorMessage))
	}

	if fr, err := svc.Frozen(job.ID); err == nil {
		fmt.Printf("\n%sFrozen record%s (confidence %.2f, frozen %s)\n",
			colorMagenta+colorBold, colorReset, fr.Confidence, fr.FrozenAt.Format("2006-01-02 15:04:05"))
		fmt.Println(indent(fr.Summary))
		if len(fr.Deliverables) > 0 {
			fmt.Printf("  deliverables:\n")
			for _, d := range fr.Deliverables {
				fmt.Printf("    - %s\n", d)
			}
		}
		if fr.Notes != "" {
			fmt.Printf("  notes: %s\n", fr.Notes)
		}
		if fr.ReviewNotes != "" {
			fmt.Printf("  review: %s\n", fr.ReviewNotes)
		}
	}

	phases, err := svc.Phases(job.ID)
	if err != nil {
		return err
	}
	if len(phases) > 0 {
		fmt.Printf("\n%sPhases%s\n", colorBold, colorReset)
		for _, p := range phases {
			outcome := string(p.Outcome)
			if p.EndedAt == nil {
				outcome = "running"
			}
			fmt.Printf("  %2d. %s%-10s%s %s\n", p.Number, phaseColor(p.Kind), p.Kind, colorReset, outcome)
		}
	}

	return nil
}

func phaseColor(k store.PhaseKind) string {
	if k == store.PhaseStrategic {
		return colorMagenta
	}
	return colorBlue
}

func indent(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = "  " + l
	}
	return strings.Join(lines, "\n")
}
