package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/forgecode/forge/internal/config"
	"github.com/forgecode/forge/internal/project"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations to the application database",
	Long: `migrate opens the process-wide application database (users, apps,
screenshots) and applies any pending schema migrations. Per-agent
workspace and conversation databases are migrated lazily the first time
each agent is loaded, so this command only needs to touch the shared
application store.`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(_ *cobra.Command, _ []string) error {
	loader := config.NewLoader()
	if cfgFile != "" {
		loader = loader.WithConfigFile(cfgFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	appDBPath := filepath.Join(cfg.Storage.DataDir, "app.db")
	store, err := project.Open(appDBPath)
	if err != nil {
		return fmt.Errorf("applying application database migrations: %w", err)
	}
	defer store.Close()

	fmt.Printf("migrations applied: %s\n", appDBPath)
	return nil
}
