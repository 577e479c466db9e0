// Package realtime is the WebSocket side of the service. Each connection
// is registered with the session registry, receives room events through the
// broker, and sends chat messages through the ticket service.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/psds-microservice/helpdesk-service/internal/broker"
	"github.com/psds-microservice/helpdesk-service/internal/errs"
	"github.com/psds-microservice/helpdesk-service/internal/model"
	"github.com/psds-microservice/helpdesk-service/internal/service"
	"github.com/psds-microservice/helpdesk-service/internal/session"
	"github.com/rs/zerolog"
)

// Inbound and outbound frame names.
const (
	InJoin        = "join"
	InLeave       = "leave"
	InSendMessage = "send_message"
	InMessage     = "message"

	OutConnectSuccess = "connect_success"
	OutError          = "error"
	OutJoined         = "joined"
	OutLeft           = "left"
	OutMessageSent    = "message_sent"
)

// Tickets is what the gateway needs from the ticket service.
type Tickets interface {
	Get(ctx context.Context, actor model.User, id uint64) (*model.Ticket, error)
	SendMessage(ctx context.Context, actor model.User, ticketID uint64, body string) (*model.ChatMessage, error)
}

type Options struct {
	SendBuffer     int
	AllowedOrigins []string
}

type Gateway struct {
	registry *session.Registry
	tickets  Tickets
	upgrader websocket.Upgrader
	buffer   int
	log      zerolog.Logger
}

func NewGateway(registry *session.Registry, tickets Tickets, opts Options, log zerolog.Logger) *Gateway {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	g := &Gateway{
		registry: registry,
		tickets:  tickets,
		buffer:   opts.SendBuffer,
		log:      log.With().Str("component", "realtime").Logger(),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return g
}

// originChecker allows any origin when the list is empty or contains "*".
func originChecker(allowed []string) func(*http.Request) bool {
	for _, o := range allowed {
		if o == "*" {
			allowed = nil
			break
		}
	}
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type roomRequest struct {
	TicketID uint64 `json:"ticket_id"`
}

type messageRequest struct {
	TicketID uint64 `json:"ticket_id"`
	Body     string `json:"body"`
}

type errorFrame struct {
	Kind    errs.Kind `json:"kind"`
	Message string    `json:"message"`
}

func bearer(c *gin.Context) string {
	if tok := c.Query("token"); tok != "" {
		return tok
	}
	return c.GetHeader("Authorization")
}

// Handle upgrades GET /ws. The token comes from ?token= or the
// Authorization header; a bad token gets an error frame and a close.
func (g *Gateway) Handle(c *gin.Context) {
	ws, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.log.Debug().Err(err).Msg("upgrade failed")
		return
	}
	id := uuid.NewString()
	cl := newClient(id, ws, g.buffer, g.log.With().Str("conn_id", id).Logger())
	go cl.writePump()

	userID, err := g.registry.Register(c.Request.Context(), cl, bearer(c))
	if err != nil {
		cl.log.Info().Str("reason", errs.Message(err)).Msg("connection rejected")
		g.sendError(cl, err)
		cl.shutdown()
		return
	}
	user, _ := g.registry.Lookup(cl.id)
	cl.log.Info().Uint64("user_id", userID).Str("role", string(user.Role)).Msg("connected")
	cl.reply(OutConnectSuccess, map[string]any{"user_id": userID, "role": user.Role})

	g.readPump(cl, user)
}

// readPump runs on the request goroutine until the peer goes away, then
// unregisters the connection exactly once.
func (g *Gateway) readPump(cl *client, user model.User) {
	defer func() {
		g.registry.Unregister(cl.id)
		cl.shutdown()
		cl.log.Info().Msg("disconnected")
	}()
	cl.conn.SetReadLimit(maxFrameSize)
	_ = cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				cl.log.Debug().Err(err).Msg("read failed")
			}
			return
		}
		select {
		case <-cl.done:
			return
		default:
		}
		var in frame
		if err := json.Unmarshal(data, &in); err != nil {
			g.sendError(cl, errs.Validation("malformed frame"))
			continue
		}
		g.dispatch(cl, user, in)
	}
}

func (g *Gateway) dispatch(cl *client, user model.User, in frame) {
	ctx := context.Background()
	switch in.Event {
	case InJoin:
		var req roomRequest
		if err := decode(in.Data, &req); err != nil {
			g.sendError(cl, err)
			return
		}
		if _, err := g.tickets.Get(ctx, user, req.TicketID); err != nil {
			g.sendError(cl, err)
			return
		}
		room := broker.TicketRoom(req.TicketID)
		if err := g.registry.JoinRoom(cl.id, room); err != nil {
			g.sendError(cl, err)
			return
		}
		// An accept or reassign may have narrowed the room between the two
		// checks; its eviction ran before this connection subscribed.
		if _, err := g.tickets.Get(ctx, user, req.TicketID); err != nil {
			g.registry.LeaveRoom(cl.id, room)
			g.sendError(cl, err)
			return
		}
		cl.reply(OutJoined, map[string]any{"room": room, "ticket_id": req.TicketID})

	case InLeave:
		var req roomRequest
		if err := decode(in.Data, &req); err != nil {
			g.sendError(cl, err)
			return
		}
		room := broker.TicketRoom(req.TicketID)
		g.registry.LeaveRoom(cl.id, room)
		cl.reply(OutLeft, map[string]any{"room": room, "ticket_id": req.TicketID})

	case InSendMessage, InMessage:
		var req messageRequest
		if err := decode(in.Data, &req); err != nil {
			g.sendError(cl, err)
			return
		}
		if !g.registry.IsMember(cl.id, broker.TicketRoom(req.TicketID)) {
			g.sendError(cl, errs.Forbidden("join ticket %d before sending messages", req.TicketID))
			return
		}
		msg, err := g.tickets.SendMessage(ctx, user, req.TicketID, req.Body)
		if err != nil {
			g.sendError(cl, err)
			return
		}
		cl.reply(OutMessageSent, map[string]any{
			"id":        msg.ID,
			"ticket_id": msg.TicketID,
			"timestamp": msg.Timestamp,
		})

	default:
		g.sendError(cl, errs.Validation("unknown event %q", in.Event))
	}
}

func decode(raw json.RawMessage, v interface{ validate() error }) error {
	if len(raw) == 0 {
		return errs.Validation("data is required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errs.Validation("malformed data: %v", err)
	}
	return v.validate()
}

func (r *roomRequest) validate() error {
	if r.TicketID == 0 {
		return errs.Validation("ticket_id is required")
	}
	return nil
}

func (r *messageRequest) validate() error {
	if r.TicketID == 0 {
		return errs.Validation("ticket_id is required")
	}
	if strings.TrimSpace(r.Body) == "" {
		return errs.Validation("body is required")
	}
	return nil
}

func (g *Gateway) sendError(cl *client, err error) {
	kind := errs.KindOf(err)
	if kind == errs.KindInternal {
		cl.log.Error().Err(err).Msg("request failed")
	}
	cl.reply(OutError, errorFrame{Kind: kind, Message: errs.Message(err)})
}

var _ Tickets = (*service.TicketService)(nil)
