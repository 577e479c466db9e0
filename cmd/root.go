package cmd

import (
	"fmt"

	"github.com/psds-microservice/helpdesk-service/internal/application"
	"github.com/psds-microservice/helpdesk-service/internal/config"
	"github.com/psds-microservice/helpdesk-service/internal/logger"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "helpdesk-service",
	Short:         "Help-desk tickets with real-time chat: lifecycle, rooms, unread tracking, inactivity sweep",
	RunE:          runAPI,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(rootCmd.ErrOrStderr(), "error:", err)
	}
	return err
}

func init() {
	rootCmd.AddCommand(apiCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(republishCmd)
}

// setup loads configuration and builds the process logger.
func setup() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("config: %w", err)
	}
	return cfg, logger.New(cfg.AppEnv, cfg.LogLevel), nil
}

// setupValidated is setup for the commands that need a reachable database.
func setupValidated() (*config.Config, zerolog.Logger, error) {
	cfg, log, err := setup()
	if err != nil {
		return nil, log, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, log, fmt.Errorf("config: %w", err)
	}
	return cfg, log, nil
}

// withCore runs fn against the storage-backed core and closes it afterwards.
func withCore(fn func(cfg *config.Config, log zerolog.Logger, core *application.Core) error) error {
	cfg, log, err := setupValidated()
	if err != nil {
		return err
	}
	core, err := application.NewCore(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := core.Close(); cerr != nil {
			log.Warn().Err(cerr).Msg("close resources")
		}
	}()
	return fn(cfg, log, core)
}
