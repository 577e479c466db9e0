package broker

import (
	"fmt"
	"sync"
	"testing"
)

type recorder struct {
	id     string
	mu     sync.Mutex
	events []Event
	full   bool
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Deliver(ev Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return false
	}
	r.events = append(r.events, ev)
	return true
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestRoomNames(t *testing.T) {
	if got := TicketRoom(42); got != "ticket:42" {
		t.Errorf("TicketRoom = %q", got)
	}
	if got := UserRoom(7); got != "user:7" {
		t.Errorf("UserRoom = %q", got)
	}
}

func TestPublishReachesOnlyRoomSubscribers(t *testing.T) {
	b := New()
	a := &recorder{id: "a"}
	c := &recorder{id: "c"}
	b.Subscribe(TicketRoom(1), a)
	b.Subscribe(TicketRoom(2), c)

	if n := b.Publish(TicketRoom(1), Event{Type: "message"}); n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}
	if a.count() != 1 || c.count() != 0 {
		t.Fatalf("a=%d c=%d, want 1/0", a.count(), c.count())
	}
}

func TestPublishEmptyRoomIsNoop(t *testing.T) {
	b := New()
	if n := b.Publish("ticket:404", Event{Type: "x"}); n != 0 {
		t.Fatalf("delivered = %d", n)
	}
}

func TestSubscribeIdempotentAndUnsubscribe(t *testing.T) {
	b := New()
	a := &recorder{id: "a"}
	b.Subscribe("r", a)
	b.Subscribe("r", a)
	if got := b.Subscribers("r"); got != 1 {
		t.Fatalf("subscribers = %d, want 1", got)
	}
	b.Publish("r", Event{Type: "x"})
	if a.count() != 1 {
		t.Fatalf("double subscription delivered %d events", a.count())
	}
	b.Unsubscribe("r", "a")
	b.Unsubscribe("r", "a")
	if got := b.Subscribers("r"); got != 0 {
		t.Fatalf("subscribers after unsubscribe = %d", got)
	}
	b.Publish("r", Event{Type: "x"})
	if a.count() != 1 {
		t.Fatal("unsubscribed connection still receives events")
	}
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := New()
	slow := &recorder{id: "slow", full: true}
	fast := &recorder{id: "fast"}
	b.Subscribe("r", slow)
	b.Subscribe("r", fast)
	if n := b.Publish("r", Event{Type: "x"}); n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}
	if fast.count() != 1 {
		t.Fatal("fast subscriber missed the event")
	}
}

func TestConcurrentChurnAndPublish(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := &recorder{id: fmt.Sprintf("c%d", i)}
			room := TicketRoom(uint64(i % 5))
			b.Subscribe(room, r)
			b.Publish(room, Event{Type: "x"})
			b.Unsubscribe(room, r.id)
		}(i)
	}
	wg.Wait()
	for i := 0; i < 5; i++ {
		if n := b.Subscribers(TicketRoom(uint64(i))); n != 0 {
			t.Errorf("room %d left with %d subscribers", i, n)
		}
	}
}
