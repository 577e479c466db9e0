package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/psds-microservice/helpdesk-service/internal/application"
	"github.com/psds-microservice/helpdesk-service/internal/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var republishCmd = &cobra.Command{
	Use:   "republish",
	Short: "Write a ticket.snapshot event for every ticket to KAFKA_TOPIC_TICKET",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(func(cfg *config.Config, log zerolog.Logger, core *application.Core) error {
			if !core.Producer.Enabled() {
				return errors.New("republish: KAFKA_BROKERS and KAFKA_TOPIC_TICKET must be set")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
			defer cancel()
			n, err := core.Tickets.Republish(ctx)
			if err != nil {
				return fmt.Errorf("republish: %w", err)
			}
			log.Info().Int("tickets", n).Str("topic", cfg.KafkaTopicTicket).Msg("republish: done")
			return nil
		})
	},
}
