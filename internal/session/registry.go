// Package session tracks live connections: who each one is and which rooms
// it listens to. It is the only place that knows who is connected right now.
package session

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/psds-microservice/helpdesk-service/internal/broker"
	"github.com/psds-microservice/helpdesk-service/internal/errs"
	"github.com/psds-microservice/helpdesk-service/internal/identity"
	"github.com/psds-microservice/helpdesk-service/internal/model"
	"github.com/rs/zerolog"
)

const shardCount = 16

// Conn is the connection-side endpoint the broker delivers to.
type Conn = broker.Subscriber

// session holds one connection's membership. mu guards rooms and closed and
// is held across the matching broker call, so the membership set and the
// broker's subscriber sets never disagree about this connection.
type session struct {
	mu     sync.Mutex
	conn   Conn
	user   model.User
	rooms  map[string]struct{}
	closed bool
}

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

type Registry struct {
	auth   identity.Authenticator
	broker *broker.Broker
	log    zerolog.Logger
	shards [shardCount]*shard
}

func NewRegistry(auth identity.Authenticator, b *broker.Broker, log zerolog.Logger) *Registry {
	r := &Registry{auth: auth, broker: b, log: log.With().Str("component", "session").Logger()}
	for i := range r.shards {
		r.shards[i] = &shard{sessions: make(map[string]*session)}
	}
	return r
}

func (r *Registry) shardFor(connID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(connID))
	return r.shards[h.Sum32()%shardCount]
}

func (r *Registry) get(connID string) *session {
	sh := r.shardFor(connID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.sessions[connID]
}

// Register authenticates token and creates the session for conn. The
// connection starts in its user room; agents and admins also join the
// agent pool room.
func (r *Registry) Register(ctx context.Context, conn Conn, token string) (uint64, error) {
	user, err := r.auth.Authenticate(ctx, token)
	if err != nil {
		return 0, err
	}
	s := &session{conn: conn, user: *user, rooms: make(map[string]struct{})}

	s.mu.Lock()
	defer s.mu.Unlock()

	sh := r.shardFor(conn.ID())
	sh.mu.Lock()
	if _, exists := sh.sessions[conn.ID()]; exists {
		sh.mu.Unlock()
		return 0, errs.Conflict("connection %s is already registered", conn.ID())
	}
	sh.sessions[conn.ID()] = s
	sh.mu.Unlock()

	r.addRoom(s, broker.UserRoom(user.ID))
	if user.Role == model.RoleAgent || user.Role == model.RoleAdmin {
		r.addRoom(s, broker.AgentsRoom)
	}
	r.log.Info().Str("conn", conn.ID()).Uint64("user_id", user.ID).Str("role", string(user.Role)).Msg("connection registered")
	return user.ID, nil
}

// addRoom requires s.mu.
func (r *Registry) addRoom(s *session, room string) {
	if _, ok := s.rooms[room]; ok {
		return
	}
	s.rooms[room] = struct{}{}
	r.broker.Subscribe(room, s.conn)
}

// JoinRoom subscribes the connection to room. Joining twice is a no-op.
func (r *Registry) JoinRoom(connID, room string) error {
	s := r.get(connID)
	if s == nil {
		return errs.ErrNotRegistered
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errs.ErrNotRegistered
	}
	r.addRoom(s, room)
	r.log.Debug().Str("conn", connID).Str("room", room).Msg("joined room")
	return nil
}

// LeaveRoom unsubscribes the connection from room; unknown connections and
// rooms are ignored.
func (r *Registry) LeaveRoom(connID, room string) {
	s := r.get(connID)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[room]; !ok {
		return
	}
	delete(s.rooms, room)
	r.broker.Unsubscribe(room, connID)
}

// Unregister drops every membership and the session itself. Calling it for
// an unknown or already removed connection does nothing.
func (r *Registry) Unregister(connID string) {
	sh := r.shardFor(connID)
	sh.mu.Lock()
	s := sh.sessions[connID]
	delete(sh.sessions, connID)
	sh.mu.Unlock()
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for room := range s.rooms {
		r.broker.Unsubscribe(room, connID)
	}
	s.rooms = nil
	r.log.Info().Str("conn", connID).Uint64("user_id", s.user.ID).Msg("connection unregistered")
}

// EventRemoved tells a connection it was taken out of a room.
const EventRemoved = "left"

// Evict removes from room every connection whose user fails keep and tells
// each one so. It returns how many were removed.
func (r *Registry) Evict(room string, keep func(model.User) bool) int {
	n := 0
	for _, connID := range r.broker.Members(room) {
		s := r.get(connID)
		if s == nil {
			continue
		}
		s.mu.Lock()
		_, member := s.rooms[room]
		if !member || s.closed || keep(s.user) {
			s.mu.Unlock()
			continue
		}
		delete(s.rooms, room)
		r.broker.Unsubscribe(room, connID)
		s.mu.Unlock()
		s.conn.Deliver(broker.Event{Type: EventRemoved, Data: map[string]any{
			"room":   room,
			"reason": "no longer a participant",
		}})
		r.log.Info().Str("conn", connID).Uint64("user_id", s.user.ID).Str("room", room).Msg("evicted from room")
		n++
	}
	return n
}

// Lookup returns the user bound to connID.
func (r *Registry) Lookup(connID string) (model.User, bool) {
	s := r.get(connID)
	if s == nil {
		return model.User{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.User{}, false
	}
	return s.user, true
}

func (r *Registry) IsMember(connID, room string) bool {
	s := r.get(connID)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[room]
	return ok
}

// Rooms returns the connection's rooms in sorted order.
func (r *Registry) Rooms(connID string) []string {
	s := r.get(connID)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for room := range s.rooms {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}
