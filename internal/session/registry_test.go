package session

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/psds-microservice/helpdesk-service/internal/broker"
	"github.com/psds-microservice/helpdesk-service/internal/errs"
	"github.com/psds-microservice/helpdesk-service/internal/model"
	"github.com/rs/zerolog"
)

type fakeAuth map[string]model.User

func (f fakeAuth) Authenticate(_ context.Context, token string) (*model.User, error) {
	u, ok := f[token]
	if !ok {
		return nil, errs.Auth("invalid token")
	}
	return &u, nil
}

type fakeConn struct {
	id string
	mu sync.Mutex
	ev []broker.Event
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Deliver(ev broker.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ev = append(c.ev, ev)
	return true
}

func (c *fakeConn) received() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ev)
}

func newRegistry() (*Registry, *broker.Broker) {
	b := broker.New()
	auth := fakeAuth{
		"req":   {ID: 7, Role: model.RoleRequester},
		"agent": {ID: 3, Role: model.RoleAgent},
	}
	return NewRegistry(auth, b, zerolog.Nop()), b
}

func TestRegisterJoinsPersonalRoom(t *testing.T) {
	r, b := newRegistry()
	c := &fakeConn{id: "c1"}
	uid, err := r.Register(context.Background(), c, "req")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if uid != 7 {
		t.Fatalf("uid = %d", uid)
	}
	if got := r.Rooms("c1"); len(got) != 1 || got[0] != "user:7" {
		t.Fatalf("rooms = %v", got)
	}
	b.Publish(broker.UserRoom(7), broker.Event{Type: "ticket_accepted"})
	if c.received() != 1 {
		t.Fatal("personal room event not delivered")
	}
}

func TestRegisterAgentJoinsPool(t *testing.T) {
	r, b := newRegistry()
	if _, err := r.Register(context.Background(), &fakeConn{id: "a"}, "agent"); err != nil {
		t.Fatal(err)
	}
	if !r.IsMember("a", broker.AgentsRoom) {
		t.Fatal("agent not in pool room")
	}
	if b.Subscribers(broker.AgentsRoom) != 1 {
		t.Fatal("broker does not list agent in pool room")
	}
}

func TestRegisterRejectsBadToken(t *testing.T) {
	r, _ := newRegistry()
	_, err := r.Register(context.Background(), &fakeConn{id: "x"}, "nope")
	if errs.KindOf(err) != errs.KindAuth {
		t.Fatalf("err = %v, want auth error", err)
	}
	if r.Count() != 0 {
		t.Fatal("failed registration left a session behind")
	}
}

func TestJoinUnknownConnection(t *testing.T) {
	r, _ := newRegistry()
	if err := r.JoinRoom("ghost", "ticket:1"); err != errs.ErrNotRegistered {
		t.Fatalf("err = %v, want ErrNotRegistered", err)
	}
}

func TestJoinLeaveKeepsBrokerInSync(t *testing.T) {
	r, b := newRegistry()
	ctx := context.Background()
	if _, err := r.Register(ctx, &fakeConn{id: "c1"}, "req"); err != nil {
		t.Fatal(err)
	}
	room := broker.TicketRoom(1)
	for i := 0; i < 2; i++ {
		if err := r.JoinRoom("c1", room); err != nil {
			t.Fatalf("JoinRoom: %v", err)
		}
	}
	if b.Subscribers(room) != 1 || !r.IsMember("c1", room) {
		t.Fatal("join not reflected in both views")
	}
	r.LeaveRoom("c1", room)
	r.LeaveRoom("c1", room)
	if b.Subscribers(room) != 0 || r.IsMember("c1", room) {
		t.Fatal("leave not reflected in both views")
	}
}

func TestUnregisterRemovesEverything(t *testing.T) {
	r, b := newRegistry()
	if _, err := r.Register(context.Background(), &fakeConn{id: "c1"}, "agent"); err != nil {
		t.Fatal(err)
	}
	_ = r.JoinRoom("c1", broker.TicketRoom(9))
	r.Unregister("c1")
	r.Unregister("c1")

	for _, room := range []string{broker.UserRoom(3), broker.AgentsRoom, broker.TicketRoom(9)} {
		if n := b.Subscribers(room); n != 0 {
			t.Errorf("room %s still has %d subscribers", room, n)
		}
	}
	if _, ok := r.Lookup("c1"); ok {
		t.Fatal("session survived Unregister")
	}
	if err := r.JoinRoom("c1", "ticket:1"); err != errs.ErrNotRegistered {
		t.Fatalf("join after unregister: %v", err)
	}
}

func TestConcurrentConnections(t *testing.T) {
	r, b := newRegistry()
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			if _, err := r.Register(ctx, &fakeConn{id: id}, "req"); err != nil {
				t.Error(err)
				return
			}
			room := broker.TicketRoom(uint64(i % 4))
			_ = r.JoinRoom(id, room)
			b.Publish(room, broker.Event{Type: "message"})
			r.LeaveRoom(id, room)
			r.Unregister(id)
		}(i)
	}
	wg.Wait()
	if r.Count() != 0 {
		t.Fatalf("sessions left: %d", r.Count())
	}
	if n := b.Subscribers(broker.UserRoom(7)); n != 0 {
		t.Fatalf("user room left with %d subscribers", n)
	}
}

func TestEvictDropsNonParticipants(t *testing.T) {
	b := broker.New()
	auth := fakeAuth{
		"req":    {ID: 7, Role: model.RoleRequester},
		"agent":  {ID: 3, Role: model.RoleAgent},
		"agent2": {ID: 4, Role: model.RoleAgent},
	}
	r := NewRegistry(auth, b, zerolog.Nop())
	conns := map[string]*fakeConn{}
	for _, tok := range []string{"req", "agent", "agent2"} {
		c := &fakeConn{id: "c-" + tok}
		conns[tok] = c
		if _, err := r.Register(context.Background(), c, tok); err != nil {
			t.Fatal(err)
		}
		if err := r.JoinRoom(c.id, "ticket:1"); err != nil {
			t.Fatal(err)
		}
	}
	before := conns["agent2"].received()

	n := r.Evict("ticket:1", func(u model.User) bool { return u.ID == 7 || u.ID == 3 })
	if n != 1 {
		t.Fatalf("Evict removed %d, want 1", n)
	}
	if r.IsMember("c-agent2", "ticket:1") {
		t.Fatal("evicted connection still a member")
	}
	if got := b.Subscribers("ticket:1"); got != 2 {
		t.Fatalf("room has %d subscribers, want 2", got)
	}
	if conns["agent2"].received() != before+1 {
		t.Fatal("evicted connection was not told")
	}

	b.Publish("ticket:1", broker.Event{Type: "message"})
	if conns["agent2"].received() != before+1 {
		t.Fatal("evicted connection still receives room events")
	}
	if r.Evict("ticket:1", func(model.User) bool { return true }) != 0 {
		t.Fatal("second Evict removed connections")
	}
}
