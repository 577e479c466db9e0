package router

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/psds-microservice/helpdesk-service/internal/broker"
	"github.com/psds-microservice/helpdesk-service/internal/clock"
	"github.com/psds-microservice/helpdesk-service/internal/handler"
	"github.com/psds-microservice/helpdesk-service/internal/identity"
	"github.com/psds-microservice/helpdesk-service/internal/model"
	"github.com/psds-microservice/helpdesk-service/internal/realtime"
	"github.com/psds-microservice/helpdesk-service/internal/service"
	"github.com/psds-microservice/helpdesk-service/internal/session"
	"github.com/psds-microservice/helpy/paths"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const secret = "router-test-secret"

type server struct {
	h      http.Handler
	tokens map[uint64]string
}

func newServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatal(err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	if err := db.AutoMigrate(model.AllModels()...); err != nil {
		t.Fatal(err)
	}
	s := &server{tokens: map[uint64]string{}}
	for _, u := range []model.User{
		{ID: 7, Email: "req@example.com", Role: model.RoleRequester},
		{ID: 3, Email: "agent@example.com", FirstName: "Alan", Role: model.RoleAgent},
		{ID: 4, Email: "agent2@example.com", FirstName: "Bea", Role: model.RoleAgent},
	} {
		u := u
		if err := db.Create(&u).Error; err != nil {
			t.Fatal(err)
		}
		tok, err := identity.SignToken([]byte(secret), u.ID, time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		s.tokens[u.ID] = tok
	}

	log := zerolog.Nop()
	auth := identity.NewJWTAuthenticator(secret, db)
	b := broker.New()
	registry := session.NewRegistry(auth, b, log)
	svc := service.NewTicketService(service.Deps{DB: db, Publisher: b, Rooms: registry, Clock: clock.Real(), Log: log})
	s.h = New(Handlers{
		Health:  handler.NewHealthHandler(db),
		Tickets: handler.NewTicketHandler(svc, log),
		Users:   handler.NewUserHandler(svc, log),
		Gateway: realtime.NewGateway(registry, svc, realtime.Options{}, log),
		Auth:    auth,
	}, log)
	return s
}

func (s *server) do(t *testing.T, method, path string, as uint64, body any) (int, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if as != 0 {
		req.Header.Set("Authorization", "Bearer "+s.tokens[as])
	}
	w := httptest.NewRecorder()
	s.h.ServeHTTP(w, req)
	out := map[string]any{}
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w.Code, out
}

// raw returns the undecoded response body of a bodiless request.
func (s *server) raw(t *testing.T, method, path string, as uint64) (int, string) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("Authorization", "Bearer "+s.tokens[as])
	w := httptest.NewRecorder()
	s.h.ServeHTTP(w, req)
	return w.Code, strings.TrimSpace(w.Body.String())
}

func errKind(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	k, _ := e["kind"].(string)
	return k
}

func TestTicketFlowOverHTTP(t *testing.T) {
	s := newServer(t)

	code, body := s.do(t, http.MethodPost, "/api/v1/tickets", 7, map[string]any{
		"category": "billing", "priority": "high", "subject": "Refund", "description": "Charged twice",
	})
	if code != http.StatusCreated {
		t.Fatalf("create: %d %v", code, body)
	}
	id := uint64(body["id"].(float64))
	base := fmt.Sprintf("/api/v1/tickets/%d", id)

	if code, raw := s.raw(t, http.MethodGet, base+"/messages/last", 7); code != http.StatusOK || raw != "null" {
		t.Fatalf("last message of empty thread: %d %s", code, raw)
	}
	if code, body = s.do(t, http.MethodPost, base+"/accept", 7, nil); code != http.StatusForbidden || errKind(body) != "forbidden" {
		t.Fatalf("accept by requester: %d %v", code, body)
	}
	if code, body = s.do(t, http.MethodPost, base+"/accept", 3, nil); code != http.StatusOK || body["status"] != "assigned" {
		t.Fatalf("accept: %d %v", code, body)
	}
	if code, body = s.do(t, http.MethodPost, base+"/accept", 4, nil); code != http.StatusConflict {
		t.Fatalf("second accept: %d %v", code, body)
	}

	code, body = s.do(t, http.MethodGet, base+"/messages", 7, nil)
	msgs, _ := body["messages"].([]any)
	if code != http.StatusOK || len(msgs) != 1 {
		t.Fatalf("messages: %d %v", code, body)
	}
	if code, body = s.do(t, http.MethodGet, base+"/messages/last", 7, nil); code != http.StatusOK || body["is_system"] != true {
		t.Fatalf("last message: %d %v", code, body)
	}
	if code, body = s.do(t, http.MethodGet, base+"/unread", 7, nil); code != http.StatusOK || body["unread"] != float64(0) {
		t.Fatalf("unread: %d %v", code, body)
	}
	if code, body = s.do(t, http.MethodPut, base+"/read", 7, nil); code != http.StatusOK {
		t.Fatalf("read: %d %v", code, body)
	}

	if code, body = s.do(t, http.MethodPut, base+"/close", 3, map[string]any{}); code != http.StatusBadRequest {
		t.Fatalf("close without reason: %d %v", code, body)
	}
	if code, body = s.do(t, http.MethodPut, base+"/close", 3, map[string]any{"reason": "resolved"}); code != http.StatusOK || body["status"] != "closed" {
		t.Fatalf("close: %d %v", code, body)
	}
	if code, body = s.do(t, http.MethodPut, base+"/reopen", 7, nil); code != http.StatusOK || body["status"] != "assigned" {
		t.Fatalf("reopen: %d %v", code, body)
	}
	if code, body = s.do(t, http.MethodPut, base+"/reassign", 3, map[string]any{"reassign_to": 4}); code != http.StatusOK || body["assignee_id"] != float64(4) {
		t.Fatalf("reassign: %d %v", code, body)
	}

	code, body = s.do(t, http.MethodGet, "/api/v1/tickets?status=assigned", 4, nil)
	if code != http.StatusOK || body["total"] != float64(1) {
		t.Fatalf("list: %d %v", code, body)
	}
}

func TestRejectAndLookups(t *testing.T) {
	s := newServer(t)
	_, body := s.do(t, http.MethodPost, "/api/v1/tickets", 7, map[string]any{
		"category": "access", "priority": "low", "subject": "VPN", "description": "cannot connect",
	})
	id := uint64(body["id"].(float64))

	if code, body := s.do(t, http.MethodPost, fmt.Sprintf("/api/v1/tickets/%d/reject", id), 3, nil); code != http.StatusOK || body["status"] != "rejected" {
		t.Fatalf("reject: %d %v", code, body)
	}
	if code, _ := s.do(t, http.MethodGet, "/api/v1/tickets/999", 7, nil); code != http.StatusNotFound {
		t.Fatalf("unknown ticket: %d", code)
	}
	if code, _ := s.do(t, http.MethodGet, "/api/v1/tickets/abc", 7, nil); code != http.StatusBadRequest {
		t.Fatalf("bad id: %d", code)
	}
	code, body := s.do(t, http.MethodGet, "/api/v1/agents", 7, nil)
	if agents, _ := body["agents"].([]any); code != http.StatusOK || len(agents) != 2 {
		t.Fatalf("agents: %d %v", code, body)
	}
	if code, body := s.do(t, http.MethodGet, "/api/v1/users/3", 7, nil); code != http.StatusOK || body["email"] != "agent@example.com" {
		t.Fatalf("user: %d %v", code, body)
	}
	if code, body := s.do(t, http.MethodGet, "/api/v1/auth/validate", 3, nil); code != http.StatusOK || body["valid"] != true {
		t.Fatalf("validate: %d %v", code, body)
	}
	if code, body := s.do(t, http.MethodGet, "/api/v1/auth/validate", 0, nil); code != http.StatusUnauthorized || errKind(body) != "unauthenticated" {
		t.Fatalf("validate without token: %d %v", code, body)
	}
}

func TestSystemRoutes(t *testing.T) {
	s := newServer(t)
	for _, path := range []string{paths.PathHealth, paths.PathReady, paths.PathSwagger + "/openapi.json"} {
		w := httptest.NewRecorder()
		s.h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusOK {
			t.Fatalf("%s: %d", path, w.Code)
		}
		if strings.HasSuffix(path, "openapi.json") && !strings.Contains(w.Body.String(), `"openapi"`) {
			t.Fatal("openapi document not served")
		}
	}
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (s *server) dial(t *testing.T, base string, as uint64) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(base, "http")+"/ws?token="+s.tokens[as], nil)
	if err != nil {
		t.Fatalf("dial as %d: %v", as, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	if err := conn.WriteJSON(map[string]any{"event": event, "data": data}); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readUntil returns every frame read up to and including the first one named
// event.
func readUntil(t *testing.T, conn *websocket.Conn, event string) []frame {
	t.Helper()
	var seen []frame
	for i := 0; i < 20; i++ {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("waiting for %q: %v (seen %v)", event, err, seen)
		}
		seen = append(seen, f)
		if f.Event == event {
			return seen
		}
	}
	t.Fatalf("no %q frame in %v", event, seen)
	return nil
}

func TestAcceptRemovesOtherAgentsFromTicketRoom(t *testing.T) {
	s := newServer(t)
	ts := httptest.NewServer(s.h)
	t.Cleanup(ts.Close)

	_, body := s.do(t, http.MethodPost, "/api/v1/tickets", 7, map[string]any{
		"category": "billing", "priority": "high", "subject": "Card", "description": "wrong charge",
	})
	id := uint64(body["id"].(float64))

	bystander := s.dial(t, ts.URL, 4)
	readUntil(t, bystander, "connect_success")
	sendFrame(t, bystander, "join", map[string]any{"ticket_id": id})
	readUntil(t, bystander, "joined")

	if code, body := s.do(t, http.MethodPost, fmt.Sprintf("/api/v1/tickets/%d/accept", id), 3, nil); code != http.StatusOK {
		t.Fatalf("accept: %d %v", code, body)
	}
	removed := readUntil(t, bystander, "left")
	if got := string(removed[len(removed)-1].Data); !strings.Contains(got, fmt.Sprintf("ticket:%d", id)) {
		t.Fatalf("left frame = %s", got)
	}

	assignee := s.dial(t, ts.URL, 3)
	readUntil(t, assignee, "connect_success")
	sendFrame(t, assignee, "join", map[string]any{"ticket_id": id})
	readUntil(t, assignee, "joined")

	requester := s.dial(t, ts.URL, 7)
	readUntil(t, requester, "connect_success")
	sendFrame(t, requester, "join", map[string]any{"ticket_id": id})
	readUntil(t, requester, "joined")
	sendFrame(t, requester, "send_message", map[string]any{"ticket_id": id, "body": "my card number is 4111"})
	readUntil(t, requester, "message_sent")

	got := readUntil(t, assignee, "message")
	if !strings.Contains(string(got[len(got)-1].Data), "4111") {
		t.Fatalf("assignee got %s", got[len(got)-1].Data)
	}

	// The chat message was queued to every room member before the requester's
	// ack, so anything the bystander would receive precedes this error.
	sendFrame(t, bystander, "join", map[string]any{"ticket_id": id})
	for _, f := range readUntil(t, bystander, "error") {
		if f.Event == "message" || f.Event == "joined" {
			t.Fatalf("bystander received %s %s", f.Event, f.Data)
		}
	}
}

func TestReassignRemovesPreviousAssignee(t *testing.T) {
	s := newServer(t)
	ts := httptest.NewServer(s.h)
	t.Cleanup(ts.Close)

	_, body := s.do(t, http.MethodPost, "/api/v1/tickets", 7, map[string]any{
		"category": "access", "priority": "low", "subject": "Laptop", "description": "no wifi",
	})
	id := uint64(body["id"].(float64))
	base := fmt.Sprintf("/api/v1/tickets/%d", id)
	if code, _ := s.do(t, http.MethodPost, base+"/accept", 3, nil); code != http.StatusOK {
		t.Fatalf("accept: %d", code)
	}

	previous := s.dial(t, ts.URL, 3)
	readUntil(t, previous, "connect_success")
	sendFrame(t, previous, "join", map[string]any{"ticket_id": id})
	readUntil(t, previous, "joined")

	if code, body := s.do(t, http.MethodPut, base+"/close", 3, map[string]any{"reason": "handover", "reassign_to": 4}); code != http.StatusOK || body["assignee_id"] != float64(4) {
		t.Fatalf("close with reassign: %d %v", code, body)
	}
	frames := readUntil(t, previous, "ticket_reassigned")
	for _, f := range frames {
		if f.Event == "message" {
			t.Fatalf("previous assignee received ticket chat %s", f.Data)
		}
	}
	sendFrame(t, previous, "send_message", map[string]any{"ticket_id": id, "body": "still here?"})
	readUntil(t, previous, "error")
}
