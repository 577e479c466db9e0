package service

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/psds-microservice/helpdesk-service/internal/broker"
	"github.com/psds-microservice/helpdesk-service/internal/errs"
	"github.com/psds-microservice/helpdesk-service/internal/model"
	"gorm.io/gorm"
)

// MaxMessageLength bounds a chat message body, in characters.
const MaxMessageLength = 4000

// SendMessage appends a message from actor to the ticket thread. A message on
// an inactive ticket brings it back to assigned.
func (s *TicketService) SendMessage(ctx context.Context, actor model.User, ticketID uint64, body string) (*model.ChatMessage, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, errs.Validation("message body is empty")
	}
	if utf8.RuneCountInString(body) > MaxMessageLength {
		return nil, errs.Validation("message body is longer than %d characters", MaxMessageLength)
	}
	out, err := s.mutate(ctx, ticketID, func(tx *gorm.DB, t *model.Ticket) (*outcome, error) {
		if err := CanPerform(actor, ActionSendMessage, t); err != nil {
			return nil, err
		}
		switch t.Status {
		case model.TicketStatusClosed, model.TicketStatusRejected:
			return nil, errs.Conflict("ticket is %s; messages are no longer accepted", t.Status)
		}
		revived := t.Status == model.TicketStatusInactive
		if err := casUpdate(tx, t, []model.TicketStatus{t.Status}, s.activityChanges(revived)); err != nil {
			return nil, err
		}
		sender := actor.ID
		msg, err := s.appendMessage(tx, t.ID, &sender, body)
		if err != nil {
			return nil, err
		}
		if err := s.unread.record(tx, t, msg); err != nil {
			return nil, err
		}
		out := &outcome{ticket: t, message: msg, stream: StreamTicketMessage}
		if revived {
			out.stream = StreamTicketReactivated
			out.publish(broker.TicketRoom(t.ID), EventTicketReactivated, map[string]any{
				"ticket_id": t.ID, "status": t.Status,
			})
		}
		out.publish(broker.TicketRoom(t.ID), EventMessage, messagePayload(msg))
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug().Uint64("ticket_id", ticketID).Uint64("sender_id", actor.ID).Uint64("message_id", out.message.ID).Msg("message stored")
	return out.message, nil
}

func (s *TicketService) activityChanges(revive bool) map[string]any {
	changes := map[string]any{"last_activity_at": s.now()}
	if revive {
		changes["status"] = model.TicketStatusAssigned
		changes["inactive_since"] = nil
	}
	return changes
}

// ListMessages returns the thread oldest first.
func (s *TicketService) ListMessages(ctx context.Context, actor model.User, ticketID uint64) ([]model.ChatMessage, error) {
	if err := s.canRead(ctx, actor, ticketID); err != nil {
		return nil, err
	}
	var out []model.ChatMessage
	err := s.db.WithContext(ctx).Where("ticket_id = ?", ticketID).
		Order("timestamp ASC, id ASC").Find(&out).Error
	if err != nil {
		return nil, errs.Internal(err, "list messages")
	}
	return out, nil
}

// LastMessage returns the newest message of the thread, or nil while the
// thread is still empty.
func (s *TicketService) LastMessage(ctx context.Context, actor model.User, ticketID uint64) (*model.ChatMessage, error) {
	if err := s.canRead(ctx, actor, ticketID); err != nil {
		return nil, err
	}
	var m model.ChatMessage
	err := s.db.WithContext(ctx).Where("ticket_id = ?", ticketID).
		Order("timestamp DESC, id DESC").First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errs.Internal(err, "load last message")
	}
	return &m, nil
}

// MarkRead clears the actor's unread markers on a ticket they can read.
func (s *TicketService) MarkRead(ctx context.Context, actor model.User, ticketID uint64) (int64, error) {
	if err := s.canRead(ctx, actor, ticketID); err != nil {
		return 0, err
	}
	return s.unread.MarkRead(ctx, ticketID, actor.ID)
}

func (s *TicketService) UnreadCount(ctx context.Context, actor model.User, ticketID uint64) (int64, error) {
	if err := s.canRead(ctx, actor, ticketID); err != nil {
		return 0, err
	}
	return s.unread.UnreadCount(ctx, ticketID, actor.ID)
}

func (s *TicketService) canRead(ctx context.Context, actor model.User, ticketID uint64) error {
	t, err := s.load(ctx, ticketID)
	if err != nil {
		return err
	}
	return CanPerform(actor, ActionReadMessages, t)
}
