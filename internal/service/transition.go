package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/psds-microservice/helpdesk-service/internal/broker"
	"github.com/psds-microservice/helpdesk-service/internal/errs"
	"github.com/psds-microservice/helpdesk-service/internal/model"
	"gorm.io/gorm"
)

// InactivityClosureReason is recorded on tickets closed by the sweep.
const InactivityClosureReason = "Closed due to inactivity"

func statusConflict(t *model.Ticket, want string) error {
	switch t.Status {
	case model.TicketStatusAssigned:
		if t.AssigneeID != nil {
			return errs.Conflict("ticket is already assigned to user %d; %s", *t.AssigneeID, want)
		}
	case model.TicketStatusClosed:
		return errs.Conflict("ticket is closed; %s", want)
	}
	return errs.Conflict("ticket is %s; %s", t.Status, want)
}

// Accept assigns an open ticket to the calling agent.
func (s *TicketService) Accept(ctx context.Context, actor model.User, ticketID uint64) (*model.Ticket, error) {
	out, err := s.mutate(ctx, ticketID, func(tx *gorm.DB, t *model.Ticket) (*outcome, error) {
		if err := CanPerform(actor, ActionAccept, t); err != nil {
			return nil, err
		}
		if t.Status != model.TicketStatusOpen {
			return nil, statusConflict(t, "only open tickets can be accepted")
		}
		now := s.now()
		if err := casUpdate(tx, t, []model.TicketStatus{model.TicketStatusOpen}, map[string]any{
			"status":           model.TicketStatusAssigned,
			"assignee_id":      actor.ID,
			"last_activity_at": now,
		}); err != nil {
			return nil, err
		}
		msg, err := s.systemMessage(tx, t.ID, fmt.Sprintf("Ticket accepted: agent assigned (%s).", actor.DisplayName()))
		if err != nil {
			return nil, err
		}
		out := &outcome{ticket: t, message: msg, stream: StreamTicketAccepted, narrow: true}
		data := map[string]any{"ticket_id": t.ID, "agent_id": actor.ID, "status": t.Status}
		out.publish(broker.UserRoom(t.RequesterID), EventTicketAccepted, data)
		out.publish(broker.TicketRoom(t.ID), EventTicketAccepted, data)
		out.publish(broker.TicketRoom(t.ID), EventMessage, messagePayload(msg))
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().Uint64("ticket_id", ticketID).Uint64("agent_id", actor.ID).Msg("ticket accepted")
	return out.ticket, nil
}

// Reject turns down an open ticket. Rejected tickets are terminal.
func (s *TicketService) Reject(ctx context.Context, actor model.User, ticketID uint64) (*model.Ticket, error) {
	out, err := s.mutate(ctx, ticketID, func(tx *gorm.DB, t *model.Ticket) (*outcome, error) {
		if err := CanPerform(actor, ActionReject, t); err != nil {
			return nil, err
		}
		if t.Status != model.TicketStatusOpen {
			return nil, statusConflict(t, "only open tickets can be rejected")
		}
		if err := casUpdate(tx, t, []model.TicketStatus{model.TicketStatusOpen}, map[string]any{
			"status": model.TicketStatusRejected,
		}); err != nil {
			return nil, err
		}
		out := &outcome{ticket: t, stream: StreamTicketRejected}
		out.publish(broker.UserRoom(t.RequesterID), EventTicketRejected, map[string]any{
			"ticket_id": t.ID, "agent_id": actor.ID, "status": t.Status,
		})
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().Uint64("ticket_id", ticketID).Uint64("agent_id", actor.ID).Msg("ticket rejected")
	return out.ticket, nil
}

// reassignTarget loads the target inside tx and checks it is an agent.
func reassignTarget(tx *gorm.DB, targetID uint64) (*model.User, error) {
	if targetID == 0 {
		return nil, errs.Validation("reassign_to is required")
	}
	target, err := getUser(tx, targetID)
	if err != nil {
		if errors.Is(err, errs.ErrUserNotFound) {
			return nil, errs.Validation("reassignment target %d does not exist", targetID)
		}
		return nil, err
	}
	if target.Role != model.RoleAgent {
		return nil, errs.Validation("reassignment target %d is not an agent", targetID)
	}
	return target, nil
}

// reassign moves the ticket to target and records body as a system message.
// Callers have checked capability and status.
func (s *TicketService) reassign(tx *gorm.DB, actor model.User, t *model.Ticket, target *model.User, from []model.TicketStatus, body, reason string) (*outcome, error) {
	if t.IsAssignee(target.ID) && t.Status == model.TicketStatusAssigned {
		return nil, errs.Conflict("ticket is already assigned to user %d", target.ID)
	}
	previous := t.AssigneeID
	if err := casUpdate(tx, t, from, map[string]any{
		"status":           model.TicketStatusAssigned,
		"assignee_id":      target.ID,
		"reassigned_to":    target.ID,
		"inactive_since":   nil,
		"last_activity_at": s.now(),
	}); err != nil {
		return nil, err
	}
	msg, err := s.systemMessage(tx, t.ID, body)
	if err != nil {
		return nil, err
	}
	out := &outcome{ticket: t, message: msg, stream: StreamTicketReassigned, narrow: true}
	data := map[string]any{
		"ticket_id":     t.ID,
		"assigned_to":   target.ID,
		"reassigned_by": actor.ID,
		"member_name":   target.DisplayName(),
		"status":        t.Status,
	}
	if previous != nil {
		data["previous_assignee"] = *previous
	}
	if reason != "" {
		data["reason"] = reason
	}
	out.publish(broker.TicketRoom(t.ID), EventTicketReassigned, data)
	out.publish(broker.TicketRoom(t.ID), EventMessage, messagePayload(msg))
	if previous != nil && *previous != target.ID {
		out.publish(broker.UserRoom(*previous), EventTicketReassigned, data)
	}
	out.publish(broker.UserRoom(target.ID), EventReassignmentNotification, map[string]any{
		"ticket_id": t.ID,
		"message":   fmt.Sprintf("You have been assigned to ticket #%d", t.ID),
		"category":  t.Category,
		"priority":  t.Priority,
		"subject":   t.Subject,
	})
	return out, nil
}

// Reassign hands an open or assigned ticket to another agent.
func (s *TicketService) Reassign(ctx context.Context, actor model.User, ticketID, targetID uint64) (*model.Ticket, error) {
	if targetID == 0 {
		return nil, errs.Validation("reassign_to is required")
	}
	out, err := s.mutate(ctx, ticketID, func(tx *gorm.DB, t *model.Ticket) (*outcome, error) {
		if err := CanPerform(actor, ActionReassign, t); err != nil {
			return nil, err
		}
		from := []model.TicketStatus{model.TicketStatusOpen, model.TicketStatusAssigned}
		if t.Status != model.TicketStatusOpen && t.Status != model.TicketStatusAssigned {
			return nil, statusConflict(t, "only open or assigned tickets can be reassigned")
		}
		target, err := reassignTarget(tx, targetID)
		if err != nil {
			return nil, err
		}
		return s.reassign(tx, actor, t, target, from, fmt.Sprintf("Ticket reassigned to %s.", target.DisplayName()), "")
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().Uint64("ticket_id", ticketID).Uint64("target_id", targetID).Uint64("actor_id", actor.ID).Msg("ticket reassigned")
	return out.ticket, nil
}

type CloseInput struct {
	Reason string
	// ReassignTo, when set, hands the ticket over instead of closing it.
	ReassignTo uint64
}

// Close ends an assigned ticket, or with ReassignTo set, passes it to another
// agent and keeps it assigned.
func (s *TicketService) Close(ctx context.Context, actor model.User, ticketID uint64, in CloseInput) (*model.Ticket, error) {
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		return nil, errs.Validation("closure reason is required")
	}
	from := []model.TicketStatus{model.TicketStatusAssigned, model.TicketStatusInactive}
	out, err := s.mutate(ctx, ticketID, func(tx *gorm.DB, t *model.Ticket) (*outcome, error) {
		if err := CanPerform(actor, ActionClose, t); err != nil {
			return nil, err
		}
		if t.Status != model.TicketStatusAssigned && t.Status != model.TicketStatusInactive {
			return nil, statusConflict(t, "only assigned tickets can be closed")
		}
		if in.ReassignTo != 0 {
			target, err := reassignTarget(tx, in.ReassignTo)
			if err != nil {
				return nil, err
			}
			body := fmt.Sprintf("Ticket reassigned. Reason: %s. Reassigned to %s.", reason, target.DisplayName())
			return s.reassign(tx, actor, t, target, from, body, reason)
		}
		return s.closeTicket(tx, t, from, reason, fmt.Sprintf("Ticket closed. Reason: %s", reason), StreamTicketClosed)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().Uint64("ticket_id", ticketID).Uint64("actor_id", actor.ID).Str("status", string(out.ticket.Status)).Msg("ticket close requested")
	return out.ticket, nil
}

func (s *TicketService) closeTicket(tx *gorm.DB, t *model.Ticket, from []model.TicketStatus, reason, body, stream string) (*outcome, error) {
	if err := casUpdate(tx, t, from, map[string]any{
		"status":         model.TicketStatusClosed,
		"closure_reason": reason,
		"reassigned_to":  nil,
		"inactive_since": nil,
	}); err != nil {
		return nil, err
	}
	msg, err := s.systemMessage(tx, t.ID, body)
	if err != nil {
		return nil, err
	}
	out := &outcome{ticket: t, message: msg, stream: stream}
	out.publish(broker.TicketRoom(t.ID), EventTicketClosed, map[string]any{
		"ticket_id": t.ID, "reason": reason, "status": t.Status,
	})
	out.publish(broker.TicketRoom(t.ID), EventMessage, messagePayload(msg))
	return out, nil
}

// Reopen brings a closed ticket back to its last assignee.
func (s *TicketService) Reopen(ctx context.Context, actor model.User, ticketID uint64) (*model.Ticket, error) {
	out, err := s.mutate(ctx, ticketID, func(tx *gorm.DB, t *model.Ticket) (*outcome, error) {
		if err := CanPerform(actor, ActionReopen, t); err != nil {
			return nil, err
		}
		if t.Status != model.TicketStatusClosed {
			return nil, statusConflict(t, "only closed tickets can be reopened")
		}
		if t.AssigneeID == nil {
			return nil, errs.Conflict("ticket has no agent to reopen with")
		}
		if err := casUpdate(tx, t, []model.TicketStatus{model.TicketStatusClosed}, map[string]any{
			"status":           model.TicketStatusAssigned,
			"closure_reason":   nil,
			"reassigned_to":    nil,
			"last_activity_at": s.now(),
		}); err != nil {
			return nil, err
		}
		msg, err := s.systemMessage(tx, t.ID, "Ticket has been reopened.")
		if err != nil {
			return nil, err
		}
		out := &outcome{ticket: t, message: msg, stream: StreamTicketReopened}
		out.publish(broker.TicketRoom(t.ID), EventTicketReopened, map[string]any{
			"ticket_id": t.ID, "reopened_by": actor.ID, "status": t.Status,
		})
		out.publish(broker.TicketRoom(t.ID), EventMessage, messagePayload(msg))
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().Uint64("ticket_id", ticketID).Uint64("actor_id", actor.ID).Msg("ticket reopened")
	return out.ticket, nil
}

// StaleAssigned lists assigned tickets with no activity since cutoff.
func (s *TicketService) StaleAssigned(ctx context.Context, cutoff time.Time) ([]uint64, error) {
	var ids []uint64
	err := s.db.WithContext(ctx).Model(&model.Ticket{}).
		Where("status = ? AND (last_activity_at IS NULL OR last_activity_at < ?)", model.TicketStatusAssigned, cutoff).
		Order("id").Pluck("id", &ids).Error
	if err != nil {
		return nil, errs.Internal(err, "scan stale tickets")
	}
	return ids, nil
}

// ExpiredInactive lists inactive tickets whose grace period ended by cutoff.
func (s *TicketService) ExpiredInactive(ctx context.Context, cutoff time.Time) ([]uint64, error) {
	var ids []uint64
	err := s.db.WithContext(ctx).Model(&model.Ticket{}).
		Where("status = ? AND inactive_since <= ?", model.TicketStatusInactive, cutoff).
		Order("id").Pluck("id", &ids).Error
	if err != nil {
		return nil, errs.Internal(err, "scan inactive tickets")
	}
	return ids, nil
}

// MarkInactive moves an assigned ticket to inactive if it still has had no
// activity since cutoff. The check is repeated in the UPDATE itself, so a
// message or close that lands first makes this a Conflict.
func (s *TicketService) MarkInactive(ctx context.Context, ticketID uint64, cutoff time.Time) (*model.Ticket, error) {
	out, err := s.mutate(ctx, ticketID, func(tx *gorm.DB, t *model.Ticket) (*outcome, error) {
		res := tx.Model(&model.Ticket{}).
			Where("id = ? AND status = ? AND (last_activity_at IS NULL OR last_activity_at < ?)", t.ID, model.TicketStatusAssigned, cutoff).
			Updates(map[string]any{"status": model.TicketStatusInactive, "inactive_since": s.now()})
		if res.Error != nil {
			return nil, errs.Internal(res.Error, "mark inactive")
		}
		if res.RowsAffected == 0 {
			return nil, errs.Conflict("ticket %d no longer idle", t.ID)
		}
		if err := tx.First(t, t.ID).Error; err != nil {
			return nil, errs.Internal(err, "reload ticket")
		}
		msg, err := s.systemMessage(tx, t.ID, "Ticket marked inactive: no activity. It will be closed if nothing happens.")
		if err != nil {
			return nil, err
		}
		out := &outcome{ticket: t, message: msg, stream: StreamTicketInactive}
		out.publish(broker.TicketRoom(t.ID), EventTicketInactive, map[string]any{
			"ticket_id": t.ID, "status": t.Status,
		})
		out.publish(broker.TicketRoom(t.ID), EventMessage, messagePayload(msg))
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return out.ticket, nil
}

// CloseInactive closes an inactive ticket whose grace period ended by cutoff.
func (s *TicketService) CloseInactive(ctx context.Context, ticketID uint64, cutoff time.Time) (*model.Ticket, error) {
	out, err := s.mutate(ctx, ticketID, func(tx *gorm.DB, t *model.Ticket) (*outcome, error) {
		if t.Status != model.TicketStatusInactive || t.InactiveSince == nil || t.InactiveSince.After(cutoff) {
			return nil, errs.Conflict("ticket %d is %s, not past its grace period", t.ID, t.Status)
		}
		return s.closeTicket(tx, t, []model.TicketStatus{model.TicketStatusInactive},
			InactivityClosureReason, "Ticket closed due to inactivity.", StreamTicketClosed)
	})
	if err != nil {
		return nil, err
	}
	return out.ticket, nil
}
