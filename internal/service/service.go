package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/psds-microservice/helpdesk-service/internal/broker"
	"github.com/psds-microservice/helpdesk-service/internal/clock"
	"github.com/psds-microservice/helpdesk-service/internal/errs"
	"github.com/psds-microservice/helpdesk-service/internal/kafka"
	"github.com/psds-microservice/helpdesk-service/internal/model"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Publisher pushes an event to the live subscribers of a room.
type Publisher interface {
	Publish(room string, ev broker.Event) int
}

// RoomGuard removes connections from a room once their user is no longer
// entitled to it.
type RoomGuard interface {
	Evict(room string, keep func(model.User) bool) int
}

// Deps are the collaborators of TicketService. Rooms and Producer may be nil.
type Deps struct {
	DB        *gorm.DB
	Publisher Publisher
	Rooms     RoomGuard
	Producer  kafka.TicketEventProducer
	Clock     clock.Clock
	Log       zerolog.Logger
}

// streamQueueSize bounds the events waiting for the producer. When it is
// full new events are dropped.
const streamQueueSize = 1024

type streamEvent struct {
	name    string
	payload map[string]interface{}
}

// TicketService owns ticket state. Every mutation runs under the ticket's
// in-process lock and inside one transaction holding the row lock; events
// are published only after the transaction commits.
type TicketService struct {
	db       *gorm.DB
	pub      Publisher
	rooms    RoomGuard
	producer kafka.TicketEventProducer
	clock    clock.Clock
	log      zerolog.Logger
	locks    keyedMutex
	unread   *UnreadTracker

	streamMu     sync.Mutex
	stream       chan streamEvent
	streamClosed bool
	streamDone   chan struct{}
}

func NewTicketService(d Deps) *TicketService {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	s := &TicketService{
		db:         d.DB,
		pub:        d.Publisher,
		rooms:      d.Rooms,
		producer:   d.Producer,
		clock:      d.Clock,
		log:        d.Log.With().Str("component", "tickets").Logger(),
		locks:      keyedMutex{entries: make(map[uint64]*keyedEntry)},
		unread:     NewUnreadTracker(d.DB),
		streamDone: make(chan struct{}),
	}
	if s.producer == nil {
		close(s.streamDone)
		return s
	}
	s.stream = make(chan streamEvent, streamQueueSize)
	go s.produce()
	return s
}

// produce writes queued events one at a time, in the order emit queued them.
func (s *TicketService) produce() {
	defer close(s.streamDone)
	for ev := range s.stream {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.producer.ProduceTicketEvent(ctx, ev.name, ev.payload)
		cancel()
	}
}

// Unread exposes the tracker sharing this service's storage.
func (s *TicketService) Unread() *UnreadTracker { return s.unread }

// now is truncated to what Postgres timestamptz keeps.
func (s *TicketService) now() time.Time {
	return s.clock.Now().Truncate(time.Microsecond)
}

type roomEvent struct {
	room  string
	event broker.Event
}

// outcome is what a committed mutation announces.
type outcome struct {
	ticket  *model.Ticket
	message *model.ChatMessage
	events  []roomEvent
	stream  string
	// narrow evicts non-participants from the ticket room before publishing.
	narrow bool
}

func (o *outcome) publish(room, eventType string, data any) {
	o.events = append(o.events, roomEvent{room: room, event: broker.Event{Type: eventType, Data: data}})
}

// mutate runs fn against the locked ticket row. Errors from fn roll the
// transaction back and nothing is published.
func (s *TicketService) mutate(ctx context.Context, ticketID uint64, fn func(tx *gorm.DB, t *model.Ticket) (*outcome, error)) (*outcome, error) {
	unlock := s.locks.lock(ticketID)
	defer unlock()

	var out *outcome
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var t model.Ticket
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&t, ticketID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errs.ErrTicketNotFound
			}
			return errs.Internal(err, "load ticket")
		}
		var err error
		out, err = fn(tx, &t)
		return err
	})
	if err != nil {
		var e *errs.Error
		if !errors.As(err, &e) {
			err = errs.Internal(err, "commit ticket change")
		}
		return nil, err
	}
	s.emit(out)
	return out, nil
}

// emit delivers to live rooms, then queues the change for the event stream
// without waiting for it. Mutations call it while still holding the ticket
// lock, so one ticket's events are queued in commit order.
func (s *TicketService) emit(out *outcome) {
	if out == nil {
		return
	}
	if out.narrow && s.rooms != nil && out.ticket != nil {
		t := out.ticket
		s.rooms.Evict(broker.TicketRoom(t.ID), func(u model.User) bool {
			return u.Role == model.RoleAdmin || t.IsParticipant(u.ID)
		})
	}
	if s.pub != nil {
		for _, re := range out.events {
			n := s.pub.Publish(re.room, re.event)
			s.log.Debug().Str("room", re.room).Str("event", re.event.Type).Int("delivered", n).Msg("published")
		}
	}
	if s.producer != nil && out.stream != "" && out.ticket != nil {
		payload := ticketPayload(out.ticket)
		if out.message != nil {
			payload["message_id"] = out.message.ID
		}
		s.enqueue(streamEvent{name: out.stream, payload: payload})
	}
}

func (s *TicketService) enqueue(ev streamEvent) {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	if s.streamClosed {
		s.log.Warn().Str("event", ev.name).Msg("event stream closed, event dropped")
		return
	}
	select {
	case s.stream <- ev:
	default:
		s.log.Warn().Str("event", ev.name).Msg("event stream queue full, event dropped")
	}
}

// Drain stops accepting stream events and waits until the queued ones have
// been written. Call it once, on shutdown.
func (s *TicketService) Drain() {
	s.streamMu.Lock()
	if !s.streamClosed && s.stream != nil {
		s.streamClosed = true
		close(s.stream)
	}
	s.streamMu.Unlock()
	<-s.streamDone
}

// casUpdate applies changes only if the ticket is still in one of from.
// A miss means another writer got there first.
func casUpdate(tx *gorm.DB, t *model.Ticket, from []model.TicketStatus, changes map[string]any) error {
	res := tx.Model(&model.Ticket{}).Where("id = ? AND status IN ?", t.ID, from).Updates(changes)
	if res.Error != nil {
		return errs.Internal(res.Error, "update ticket")
	}
	if res.RowsAffected == 0 {
		return errs.Conflict("ticket %d was changed concurrently", t.ID)
	}
	var fresh model.Ticket
	if err := tx.First(&fresh, t.ID).Error; err != nil {
		return errs.Internal(err, "reload ticket")
	}
	*t = fresh
	return nil
}

// appendMessage inserts a message keeping timestamps non-decreasing
// within the ticket. Must run inside the ticket's transaction.
func (s *TicketService) appendMessage(tx *gorm.DB, ticketID uint64, senderID *uint64, body string) (*model.ChatMessage, error) {
	ts := s.now()
	var latest []model.ChatMessage
	if err := tx.Where("ticket_id = ?", ticketID).Order("timestamp DESC, id DESC").Limit(1).Find(&latest).Error; err != nil {
		return nil, errs.Internal(err, "load latest message")
	}
	if len(latest) == 1 && latest[0].Timestamp.After(ts) {
		ts = latest[0].Timestamp
	}
	msg := &model.ChatMessage{
		TicketID:  ticketID,
		SenderID:  senderID,
		Body:      body,
		Timestamp: ts,
		IsSystem:  senderID == nil,
	}
	if err := tx.Create(msg).Error; err != nil {
		return nil, errs.Internal(err, "insert message")
	}
	return msg, nil
}

func (s *TicketService) systemMessage(tx *gorm.DB, ticketID uint64, body string) (*model.ChatMessage, error) {
	return s.appendMessage(tx, ticketID, nil, body)
}

// keyedMutex serializes work per ticket id. Entries are reference counted
// and dropped when nobody holds or waits for them.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[uint64]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(id uint64) (unlock func()) {
	k.mu.Lock()
	e, ok := k.entries[id]
	if !ok {
		e = &keyedEntry{}
		k.entries[id] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.entries, id)
		}
		k.mu.Unlock()
	}
}
