package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// TicketEventProducer publishes committed ticket changes to the event stream.
type TicketEventProducer interface {
	ProduceTicketEvent(ctx context.Context, event string, payload map[string]interface{})
}

// Producer writes ticket events to a Kafka topic. It is best-effort: write
// failures are logged and never reach the caller.
type Producer struct {
	writer *kafka.Writer
	topic  string
	log    zerolog.Logger
}

// NewProducer returns a producer for topic. With no brokers or no topic
// every method is a no-op.
func NewProducer(brokers []string, topic string, log zerolog.Logger) *Producer {
	log = log.With().Str("component", "kafka").Str("topic", topic).Logger()
	if len(brokers) == 0 || topic == "" {
		return &Producer{log: log}
	}
	return &Producer{
		topic: topic,
		log:   log,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
		},
	}
}

// Enabled reports whether events are actually written.
func (p *Producer) Enabled() bool { return p.writer != nil }

// ProduceTicketEvent writes {"event": event, ...payload}. Messages are keyed
// by ticket id so one ticket's events stay in order on one partition.
func (p *Producer) ProduceTicketEvent(ctx context.Context, event string, payload map[string]interface{}) {
	if p.writer == nil {
		return
	}
	msg, err := encode(event, payload)
	if err != nil {
		p.log.Error().Err(err).Str("event", event).Msg("marshal ticket event")
		return
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.Warn().Err(err).Str("event", event).Msg("write ticket event")
	}
}

func encode(event string, payload map[string]interface{}) (kafka.Message, error) {
	body := make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		body[k] = v
	}
	body["event"] = event
	value, err := json.Marshal(body)
	if err != nil {
		return kafka.Message{}, err
	}
	msg := kafka.Message{
		Value:   value,
		Headers: []kafka.Header{{Key: "event", Value: []byte(event)}},
	}
	if id, ok := payload["ticket_id"]; ok {
		msg.Key = []byte(fmt.Sprint(id))
	}
	return msg, nil
}

func (p *Producer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
