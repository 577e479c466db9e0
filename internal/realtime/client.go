package realtime

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/psds-microservice/helpdesk-service/internal/broker"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 16 << 10
	closeGraceTime = time.Second
)

// client is one WebSocket connection. The broker delivers into send; only
// writePump writes to the socket.
type client struct {
	id   string
	conn *websocket.Conn
	send chan broker.Event
	done chan struct{}
	log  zerolog.Logger

	closeOnce sync.Once
}

func newClient(id string, conn *websocket.Conn, buffer int, log zerolog.Logger) *client {
	return &client{
		id:   id,
		conn: conn,
		send: make(chan broker.Event, buffer),
		done: make(chan struct{}),
		log:  log,
	}
}

func (c *client) ID() string { return c.id }

// Deliver queues ev without blocking. A full queue drops the event.
func (c *client) Deliver(ev broker.Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- ev:
		return true
	default:
		c.log.Warn().Str("event", ev.Type).Msg("send buffer full, event dropped")
		return false
	}
}

// reply queues a frame for this connection only.
func (c *client) reply(eventType string, data any) {
	c.Deliver(broker.Event{Type: eventType, Data: data})
}

func (c *client) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

// writePump drains send until the connection shuts down, pinging the peer
// so dead connections are noticed by the read side.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case ev := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				c.shutdown()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			c.flush()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(closeGraceTime))
			return
		}
	}
}

// flush writes whatever is already queued, such as a final error frame.
func (c *client) flush() {
	for {
		select {
		case ev := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		default:
			return
		}
	}
}
