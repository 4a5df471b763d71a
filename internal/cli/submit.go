package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var submitEngine string

var submitCmd = &cobra.Command{
	Use:   "submit [instructions]",
	Short: "Submit a job to the queue",
	Long:  "Creates a job from free-form instructions. An idle worker picks it up, runs it to completion, and freezes the result for your review.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSubmit,
}

func init() {
	submitCmd.Flags().StringVarP(&submitEngine, "engine", "e", "", "Engine config to run the job with")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	svc, cfg, done, err := openService()
	if err != nil {
		return err
	}
	defer done()

	// Resolve the engine now so a typo fails here, not on a worker an hour
	// from now.
	engineName, _, err := cfg.Engine(submitEngine)
	if err != nil {
		return err
	}

	instructions := strings.Join(args, " ")
	job, err := svc.Submit(cmd.Context(), engineName, instructions)
	if err != nil {
		return err
	}

	fmt.Printf("Submitted job %s%s%s (engine: %s)\n", colorBold, shortID(job.ID), colorReset, engineName)
	fmt.Printf("  Watch it:  %sdrover show %s%s\n", colorCyan, shortID(job.ID), colorReset)
	fmt.Printf("  Review:    %sdrover review%s\n", colorCyan, colorReset)
	return nil
}
