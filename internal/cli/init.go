package cli

import (
	"fmt"
	"os"

	"github.com/arnevik/drover/internal/config"
	"github.com/arnevik/drover/internal/store"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize drover in the current directory",
	Long:  "Creates a .drover/ directory with default config, job ledger, and document store.",
	RunE:  runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(droverDirName); err == nil {
		return fmt.Errorf("drover already initialized in this directory (.drover/ exists)")
	}

	if err := os.MkdirAll(droverPath("jobs"), 0755); err != nil {
		return fmt.Errorf("create .drover/jobs: %w", err)
	}

	cfg := config.DefaultConfig()
	if err := config.Save(droverPath("config.yaml"), cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	// Opening the store runs the schema migration.
	st, err := store.Open(cfg.Storage.Driver, cfg.Storage.Path, cfg.Storage.DSN)
	if err != nil {
		return fmt.Errorf("create database: %w", err)
	}
	st.Close()

	fmt.Println("Initialized drover in .drover/")
	fmt.Println("")
	fmt.Println("Next steps:")
	fmt.Println("  1. Edit .drover/config.yaml to add your engines")
	fmt.Println("  2. Run: drover submit \"what you want done\"")
	fmt.Println("  3. Run: drover work")

	return nil
}
