package service

import (
	"context"

	"github.com/psds-microservice/helpdesk-service/internal/errs"
	"github.com/psds-microservice/helpdesk-service/internal/model"
	"gorm.io/gorm"
)

// UnreadTracker keeps one marker per (message, recipient) until the
// recipient marks the ticket read.
type UnreadTracker struct {
	db *gorm.DB
}

func NewUnreadTracker(db *gorm.DB) *UnreadTracker {
	return &UnreadTracker{db: db}
}

// record adds markers for every participant of t except the sender.
// It runs inside the transaction that inserted msg.
func (u *UnreadTracker) record(tx *gorm.DB, t *model.Ticket, msg *model.ChatMessage) error {
	var markers []model.UnreadMarker
	for _, uid := range t.Participants() {
		if msg.SenderID != nil && *msg.SenderID == uid {
			continue
		}
		markers = append(markers, model.UnreadMarker{
			TicketID:  t.ID,
			UserID:    uid,
			MessageID: msg.ID,
			CreatedAt: msg.Timestamp,
		})
	}
	if len(markers) == 0 {
		return nil
	}
	if err := tx.Create(&markers).Error; err != nil {
		return errs.Internal(err, "insert unread markers")
	}
	return nil
}

func (u *UnreadTracker) ensureTicket(db *gorm.DB, ticketID uint64) error {
	var n int64
	if err := db.Model(&model.Ticket{}).Where("id = ?", ticketID).Count(&n).Error; err != nil {
		return errs.Internal(err, "check ticket")
	}
	if n == 0 {
		return errs.ErrTicketNotFound
	}
	return nil
}

// MarkRead clears every marker userID holds on the ticket and reports how
// many were removed. Calling it again removes nothing.
func (u *UnreadTracker) MarkRead(ctx context.Context, ticketID, userID uint64) (int64, error) {
	db := u.db.WithContext(ctx)
	if err := u.ensureTicket(db, ticketID); err != nil {
		return 0, err
	}
	res := db.Where("ticket_id = ? AND user_id = ?", ticketID, userID).Delete(&model.UnreadMarker{})
	if res.Error != nil {
		return 0, errs.Internal(res.Error, "delete unread markers")
	}
	return res.RowsAffected, nil
}

func (u *UnreadTracker) UnreadCount(ctx context.Context, ticketID, userID uint64) (int64, error) {
	db := u.db.WithContext(ctx)
	if err := u.ensureTicket(db, ticketID); err != nil {
		return 0, err
	}
	var n int64
	if err := db.Model(&model.UnreadMarker{}).Where("ticket_id = ? AND user_id = ?", ticketID, userID).Count(&n).Error; err != nil {
		return 0, errs.Internal(err, "count unread markers")
	}
	return n, nil
}
