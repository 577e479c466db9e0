package model

import "time"

type Role string

const (
	RoleRequester Role = "requester"
	RoleAgent     Role = "agent"
	RoleAdmin     Role = "admin"
)

type TicketStatus string

const (
	TicketStatusOpen     TicketStatus = "open"
	TicketStatusAssigned TicketStatus = "assigned"
	TicketStatusRejected TicketStatus = "rejected"
	TicketStatusInactive TicketStatus = "inactive"
	TicketStatusClosed   TicketStatus = "closed"
)

// User is owned by the identity provider; this service only reads it.
type User struct {
	ID        uint64 `gorm:"primaryKey" json:"id"`
	Email     string `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	FirstName string `gorm:"type:varchar(64)" json:"first_name,omitempty"`
	LastName  string `gorm:"type:varchar(64)" json:"last_name,omitempty"`
	Role      Role   `gorm:"type:varchar(16);index;not null" json:"role"`

	CreatedAt time.Time `json:"created_at"`
}

// DisplayName is used in system messages.
func (u *User) DisplayName() string {
	switch {
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "":
		return u.FirstName
	case u.Email != "":
		return u.Email
	}
	return "user"
}

type Ticket struct {
	ID          uint64       `gorm:"primaryKey" json:"id"`
	RequesterID uint64       `gorm:"index;not null" json:"requester_id"`
	AssigneeID  *uint64      `gorm:"index" json:"assignee_id,omitempty"`
	Status      TicketStatus `gorm:"type:varchar(16);index;not null" json:"status"`
	Category    string       `gorm:"type:varchar(64);not null" json:"category"`
	Priority    string       `gorm:"type:varchar(32);not null" json:"priority"`
	Subject     string       `gorm:"type:varchar(255);not null" json:"subject"`
	Description string       `gorm:"type:text;not null" json:"description"`

	ClosureReason *string `gorm:"type:text" json:"closure_reason,omitempty"`
	ReassignedTo  *uint64 `json:"reassigned_to,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastActivityAt *time.Time `gorm:"index" json:"last_activity_at,omitempty"`
	InactiveSince  *time.Time `json:"inactive_since,omitempty"`
}

// IsParticipant reports whether userID is the requester or the current assignee.
func (t *Ticket) IsParticipant(userID uint64) bool {
	return t.RequesterID == userID || t.IsAssignee(userID)
}

func (t *Ticket) IsAssignee(userID uint64) bool {
	return t.AssigneeID != nil && *t.AssigneeID == userID
}

// Participants returns requester and assignee ids, skipping an absent assignee.
func (t *Ticket) Participants() []uint64 {
	out := []uint64{t.RequesterID}
	if t.AssigneeID != nil && *t.AssigneeID != t.RequesterID {
		out = append(out, *t.AssigneeID)
	}
	return out
}

// ChatMessage is immutable once written. A nil SenderID marks a system message.
type ChatMessage struct {
	ID        uint64    `gorm:"primaryKey" json:"id"`
	TicketID  uint64    `gorm:"index:idx_chat_messages_ticket_ts,priority:1;not null" json:"ticket_id"`
	SenderID  *uint64   `json:"sender_id"`
	Body      string    `gorm:"type:text;not null" json:"body"`
	Timestamp time.Time `gorm:"index:idx_chat_messages_ticket_ts,priority:2;not null" json:"timestamp"`
	IsSystem  bool      `gorm:"not null;default:false" json:"is_system"`
}

// UnreadMarker records that UserID has not read MessageID on TicketID yet.
type UnreadMarker struct {
	ID        uint64    `gorm:"primaryKey" json:"id"`
	TicketID  uint64    `gorm:"index:idx_unread_markers_ticket_user,priority:1;not null" json:"ticket_id"`
	UserID    uint64    `gorm:"index:idx_unread_markers_ticket_user,priority:2;not null" json:"user_id"`
	MessageID uint64    `gorm:"not null" json:"message_id"`
	CreatedAt time.Time `json:"created_at"`
}

// AllModels lists every table the service owns, in dependency order.
func AllModels() []any {
	return []any{&User{}, &Ticket{}, &ChatMessage{}, &UnreadMarker{}}
}
