package kafka

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestDisabledProducerIsNoop(t *testing.T) {
	p := NewProducer(nil, "helpdesk.tickets", zerolog.Nop())
	if p.Enabled() {
		t.Fatal("producer without brokers reports enabled")
	}
	p.ProduceTicketEvent(context.Background(), "ticket.created", map[string]interface{}{"ticket_id": 1})
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if NewProducer([]string{"localhost:9092"}, "", zerolog.Nop()).Enabled() {
		t.Fatal("producer without topic reports enabled")
	}
}

func TestEncode(t *testing.T) {
	msg, err := encode("ticket.accepted", map[string]interface{}{"ticket_id": uint64(42), "status": "assigned"})
	if err != nil {
		t.Fatal(err)
	}
	if string(msg.Key) != "42" {
		t.Fatalf("key = %q", msg.Key)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(msg.Value, &body); err != nil {
		t.Fatal(err)
	}
	if body["event"] != "ticket.accepted" || body["status"] != "assigned" || body["ticket_id"] != float64(42) {
		t.Fatalf("body = %v", body)
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != "ticket.accepted" {
		t.Fatalf("headers = %v", msg.Headers)
	}
}

var _ TicketEventProducer = (*Producer)(nil)
