package service

import (
	"context"

	"github.com/psds-microservice/helpdesk-service/internal/errs"
	"github.com/psds-microservice/helpdesk-service/internal/model"
	"gorm.io/gorm"
)

const republishBatch = 200

// Republish writes a ticket.snapshot event for every ticket so downstream
// consumers can rebuild their view. Writes are synchronous; it returns how
// many tickets were sent.
func (s *TicketService) Republish(ctx context.Context) (int, error) {
	if s.producer == nil {
		return 0, errs.Validation("event stream is not configured")
	}
	var sent int
	var batch []model.Ticket
	err := s.db.WithContext(ctx).FindInBatches(&batch, republishBatch, func(tx *gorm.DB, n int) error {
		for i := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			s.producer.ProduceTicketEvent(ctx, StreamTicketSnapshot, ticketPayload(&batch[i]))
			sent++
		}
		s.log.Info().Int("batch", n).Int("sent", sent).Msg("republish progress")
		return nil
	}).Error
	if err != nil {
		return sent, errs.Internal(err, "republish tickets")
	}
	return sent, nil
}
