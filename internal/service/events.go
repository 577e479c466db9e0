package service

import (
	"time"

	"github.com/psds-microservice/helpdesk-service/internal/model"
)

// Real-time event names.
const (
	EventNewTicket                = "new_ticket"
	EventTicketAccepted           = "ticket_accepted"
	EventTicketRejected           = "ticket_rejected"
	EventTicketReassigned         = "ticket_reassigned"
	EventReassignmentNotification = "reassignment_notification"
	EventTicketClosed             = "ticket_closed"
	EventTicketReopened           = "ticket_reopened"
	EventTicketInactive           = "ticket_inactive"
	EventTicketReactivated        = "ticket_reactivated"
	EventMessage                  = "message"
)

// Event stream names produced to Kafka.
const (
	StreamTicketCreated     = "ticket.created"
	StreamTicketAccepted    = "ticket.accepted"
	StreamTicketRejected    = "ticket.rejected"
	StreamTicketReassigned  = "ticket.reassigned"
	StreamTicketClosed      = "ticket.closed"
	StreamTicketReopened    = "ticket.reopened"
	StreamTicketInactive    = "ticket.inactive"
	StreamTicketMessage     = "ticket.message"
	StreamTicketReactivated = "ticket.reactivated"
	StreamTicketSnapshot    = "ticket.snapshot"
)

func ticketPayload(t *model.Ticket) map[string]interface{} {
	p := map[string]interface{}{
		"ticket_id":    t.ID,
		"requester_id": t.RequesterID,
		"status":       string(t.Status),
		"category":     t.Category,
		"priority":     t.Priority,
		"subject":      t.Subject,
	}
	if t.AssigneeID != nil {
		p["assignee_id"] = *t.AssigneeID
	}
	if t.ClosureReason != nil {
		p["reason"] = *t.ClosureReason
	}
	if t.ReassignedTo != nil {
		p["reassigned_to"] = *t.ReassignedTo
	}
	return p
}

// MessagePayload is the wire form of a chat message.
type MessagePayload struct {
	ID        uint64    `json:"id"`
	TicketID  uint64    `json:"ticket_id"`
	SenderID  *uint64   `json:"sender_id"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
	IsSystem  bool      `json:"is_system"`
}

func messagePayload(m *model.ChatMessage) MessagePayload {
	return MessagePayload{
		ID:        m.ID,
		TicketID:  m.TicketID,
		SenderID:  m.SenderID,
		Body:      m.Body,
		Timestamp: m.Timestamp,
		IsSystem:  m.IsSystem,
	}
}
