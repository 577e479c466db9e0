package service

import (
	"context"
	"errors"
	"strings"

	"github.com/psds-microservice/helpdesk-service/internal/broker"
	"github.com/psds-microservice/helpdesk-service/internal/errs"
	"github.com/psds-microservice/helpdesk-service/internal/model"
	"gorm.io/gorm"
)

type CreateTicketInput struct {
	Category    string
	Priority    string
	Subject     string
	Description string
}

func (in *CreateTicketInput) normalize() error {
	in.Category = strings.TrimSpace(in.Category)
	in.Priority = strings.ToLower(strings.TrimSpace(in.Priority))
	in.Subject = strings.TrimSpace(in.Subject)
	in.Description = strings.TrimSpace(in.Description)
	switch {
	case in.Category == "" || in.Priority == "" || in.Subject == "" || in.Description == "":
		return errs.Validation("category, priority, subject and description are required")
	case len(in.Category) > 64:
		return errs.Validation("category is longer than 64 characters")
	case len(in.Priority) > 32:
		return errs.Validation("priority is longer than 32 characters")
	case len(in.Subject) > 255:
		return errs.Validation("subject is longer than 255 characters")
	}
	return nil
}

// Create opens a ticket for a requester and announces it to the agent pool.
func (s *TicketService) Create(ctx context.Context, actor model.User, in CreateTicketInput) (*model.Ticket, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}
	if err := CanPerform(actor, ActionCreate, nil); err != nil {
		return nil, err
	}
	now := s.now()
	t := &model.Ticket{
		RequesterID: actor.ID,
		Status:      model.TicketStatusOpen,
		Category:    in.Category,
		Priority:    in.Priority,
		Subject:     in.Subject,
		Description: in.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return nil, errs.Internal(err, "create ticket")
	}
	out := &outcome{ticket: t, stream: StreamTicketCreated}
	out.publish(broker.AgentsRoom, EventNewTicket, ticketPayload(t))
	s.emit(out)
	s.log.Info().Uint64("ticket_id", t.ID).Uint64("requester_id", actor.ID).Msg("ticket created")
	return t, nil
}

func (s *TicketService) load(ctx context.Context, id uint64) (*model.Ticket, error) {
	var t model.Ticket
	if err := s.db.WithContext(ctx).First(&t, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrTicketNotFound
		}
		return nil, errs.Internal(err, "load ticket")
	}
	return &t, nil
}

// Get returns the ticket if actor may see it.
func (s *TicketService) Get(ctx context.Context, actor model.User, id uint64) (*model.Ticket, error) {
	t, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := CanPerform(actor, ActionView, t); err != nil {
		return nil, err
	}
	return t, nil
}

type ListFilter struct {
	Status string
	Limit  int
	Offset int
}

// List returns the tickets visible to actor: requesters see their own,
// agents see the open pool plus their assignments, admins see everything.
func (s *TicketService) List(ctx context.Context, actor model.User, f ListFilter) ([]model.Ticket, int64, error) {
	tx := s.db.WithContext(ctx).Model(&model.Ticket{})
	switch actor.Role {
	case model.RoleRequester:
		tx = tx.Where("requester_id = ?", actor.ID)
	case model.RoleAgent:
		tx = tx.Where("status = ? OR assignee_id = ?", model.TicketStatusOpen, actor.ID)
	case model.RoleAdmin:
	default:
		return nil, 0, errs.Forbidden("unknown role %q", actor.Role)
	}
	if f.Status != "" {
		if !validStatus(model.TicketStatus(f.Status)) {
			return nil, 0, errs.Validation("invalid status %q", f.Status)
		}
		tx = tx.Where("status = ?", f.Status)
	}
	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, 0, errs.Internal(err, "count tickets")
	}
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	if f.Offset > 0 {
		tx = tx.Offset(f.Offset)
	}
	var items []model.Ticket
	if err := tx.Limit(f.Limit).Order("created_at DESC, id DESC").Find(&items).Error; err != nil {
		return nil, 0, errs.Internal(err, "list tickets")
	}
	return items, total, nil
}

func validStatus(st model.TicketStatus) bool {
	switch st {
	case model.TicketStatusOpen, model.TicketStatusAssigned, model.TicketStatusRejected,
		model.TicketStatusInactive, model.TicketStatusClosed:
		return true
	}
	return false
}

// GetUser returns a user by id.
func (s *TicketService) GetUser(ctx context.Context, id uint64) (*model.User, error) {
	return getUser(s.db.WithContext(ctx), id)
}

func getUser(db *gorm.DB, id uint64) (*model.User, error) {
	var u model.User
	if err := db.First(&u, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrUserNotFound
		}
		return nil, errs.Internal(err, "load user")
	}
	return &u, nil
}

// ListAgents returns every agent, for reassignment pickers.
func (s *TicketService) ListAgents(ctx context.Context) ([]model.User, error) {
	var out []model.User
	if err := s.db.WithContext(ctx).Where("role = ?", model.RoleAgent).Order("id").Find(&out).Error; err != nil {
		return nil, errs.Internal(err, "list agents")
	}
	return out, nil
}
