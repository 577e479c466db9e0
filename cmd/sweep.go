package cmd

import (
	"fmt"

	"github.com/psds-microservice/helpdesk-service/internal/application"
	"github.com/psds-microservice/helpdesk-service/internal/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one inactivity sweep and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(func(_ *config.Config, log zerolog.Logger, core *application.Core) error {
			res, err := core.Monitor.Sweep(cmd.Context())
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			log.Info().
				Int("marked_inactive", res.MarkedInactive).
				Int("closed", res.Closed).
				Int("skipped", res.Skipped).
				Int("failed", res.Failed).
				Msg("sweep: done")
			return nil
		})
	},
}
