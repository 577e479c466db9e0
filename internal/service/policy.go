package service

import (
	"github.com/psds-microservice/helpdesk-service/internal/errs"
	"github.com/psds-microservice/helpdesk-service/internal/model"
)

type Action string

const (
	ActionCreate       Action = "create"
	ActionView         Action = "view"
	ActionAccept       Action = "accept"
	ActionReject       Action = "reject"
	ActionReassign     Action = "reassign"
	ActionClose        Action = "close"
	ActionReopen       Action = "reopen"
	ActionSendMessage  Action = "send_message"
	ActionReadMessages Action = "read_messages"
)

// CanPerform is the single capability check consulted by every ticket
// operation. t may be nil for ActionCreate. It returns a forbidden error or nil.
func CanPerform(actor model.User, action Action, t *model.Ticket) error {
	if allowed(actor, action, t) {
		return nil
	}
	return errs.Forbidden("%s may not %s this ticket", actor.Role, action)
}

func allowed(actor model.User, action Action, t *model.Ticket) bool {
	admin := actor.Role == model.RoleAdmin
	agent := actor.Role == model.RoleAgent
	if action == ActionCreate {
		return actor.Role == model.RoleRequester
	}
	if t == nil {
		return false
	}
	switch action {
	case ActionView, ActionReadMessages:
		// Agents browse the open pool before anyone takes a ticket.
		return admin || t.IsParticipant(actor.ID) || (agent && t.Status == model.TicketStatusOpen)
	case ActionAccept, ActionReject:
		return agent
	case ActionReassign:
		return agent || admin
	case ActionClose:
		return admin || t.IsAssignee(actor.ID)
	case ActionReopen:
		return (actor.Role == model.RoleRequester && t.RequesterID == actor.ID) || t.IsAssignee(actor.ID)
	case ActionSendMessage:
		return admin || t.IsParticipant(actor.ID)
	}
	return false
}
