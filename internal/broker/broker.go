// Package broker fans events out to the live connections subscribed to a room.
//
// Delivery is best-effort and at most once per subscriber per Publish: there
// is no retry, no persistence, and a subscriber that joins after Publish never
// sees the event. Clients recover missed state through the history queries.
package broker

import (
	"hash/fnv"
	"strconv"
	"sync"
)

const (
	// AgentsRoom carries pool-wide notifications such as new tickets.
	AgentsRoom = "agents"

	shardCount = 32
)

func TicketRoom(ticketID uint64) string { return "ticket:" + strconv.FormatUint(ticketID, 10) }
func UserRoom(userID uint64) string { return "user:" + strconv.FormatUint(userID, 10) }

// Event is one real-time frame.
type Event struct {
	Type string `json:"event"`
	Data any    `json:"data,omitempty"`
}

// Subscriber is a live connection. Deliver must not block; returning false
// means the event was dropped for this subscriber.
type Subscriber interface {
	ID() string
	Deliver(Event) bool
}

type shard struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Subscriber
}

// Broker is safe for concurrent use. Rooms are spread over shards so that
// publishing to one room never waits on subscription churn in another.
type Broker struct {
	shards [shardCount]*shard
}

func New() *Broker {
	b := &Broker{}
	for i := range b.shards {
		b.shards[i] = &shard{rooms: make(map[string]map[string]Subscriber)}
	}
	return b
}

func (b *Broker) shardFor(room string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(room))
	return b.shards[h.Sum32()%shardCount]
}

// Subscribe adds sub to room. Subscribing twice is a no-op.
func (b *Broker) Subscribe(room string, sub Subscriber) {
	s := b.shardFor(room)
	s.mu.Lock()
	defer s.mu.Unlock()
	subs, ok := s.rooms[room]
	if !ok {
		subs = make(map[string]Subscriber)
		s.rooms[room] = subs
	}
	subs[sub.ID()] = sub
}

// Unsubscribe removes the connection from room; empty rooms are dropped.
func (b *Broker) Unsubscribe(room, connID string) {
	s := b.shardFor(room)
	s.mu.Lock()
	defer s.mu.Unlock()
	if subs, ok := s.rooms[room]; ok {
		delete(subs, connID)
		if len(subs) == 0 {
			delete(s.rooms, room)
		}
	}
}

// Publish delivers ev to every current subscriber of room and returns how
// many accepted it. A room without subscribers is a silent no-op.
func (b *Broker) Publish(room string, ev Event) int {
	s := b.shardFor(room)
	s.mu.RLock()
	subs := make([]Subscriber, 0, len(s.rooms[room]))
	for _, sub := range s.rooms[room] {
		subs = append(subs, sub)
	}
	s.mu.RUnlock()

	delivered := 0
	for _, sub := range subs {
		if sub.Deliver(ev) {
			delivered++
		}
	}
	return delivered
}

// Subscribers returns the number of connections in room.
func (b *Broker) Subscribers(room string) int {
	s := b.shardFor(room)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms[room])
}

// Members returns the connection ids subscribed to room.
func (b *Broker) Members(room string) []string {
	s := b.shardFor(room)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.rooms[room]))
	for id := range s.rooms[room] {
		out = append(out, id)
	}
	return out
}
