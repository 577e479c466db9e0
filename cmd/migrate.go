package cmd

import (
	"fmt"

	"github.com/psds-microservice/helpdesk-service/internal/database"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|version]",
	Short:     "Apply the embedded schema migrations (default) or print the applied version",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "version"},
	RunE:      runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, log, err := setupValidated()
	if err != nil {
		return err
	}
	if len(args) == 1 && args[0] == "version" {
		v, err := database.MigrationVersion(cfg.DatabaseURL())
		if err != nil {
			return fmt.Errorf("migrate version: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), v)
		return nil
	}
	// MigrateUp logs the version it moved from and to.
	if err := database.MigrateUp(cfg.DatabaseURL(), log); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
