package events

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/clinvault/internal/platform/auth"
)

func newStreamServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	e := echo.New()
	api := e.Group("/api/v1", auth.DevAuthMiddleware())
	NewStreamHandler(hub, nil).RegisterRoutes(api)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestStreamHandler_RegisterRoutes(t *testing.T) {
	e := echo.New()
	NewStreamHandler(NewHub(1, zerolog.Nop()), nil).RegisterRoutes(e.Group("/api/v1"))
	for _, r := range e.Routes() {
		if r.Path == "/api/v1/events/ws" && r.Method == http.MethodGet {
			return
		}
	}
	t.Fatal("expected GET /api/v1/events/ws")
}

func TestStreamHandler_RequiresActor(t *testing.T) {
	h := NewStreamHandler(NewHub(1, zerolog.Nop()), nil)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events/ws", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	err := h.Connect(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestStreamHandler_RejectsPlainHTTP(t *testing.T) {
	h := NewStreamHandler(NewHub(1, zerolog.Nop()), nil)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events/ws", nil)
	req = req.WithContext(auth.WithActor(req.Context(), "u1", nil))
	c := e.NewContext(req, httptest.NewRecorder())

	if err := h.Connect(c); err == nil {
		t.Fatal("expected upgrade error for non-websocket request")
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example"})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if !check(req) {
		t.Error("requests without Origin should pass")
	}
	req.Header.Set("Origin", "https://app.example")
	if !check(req) {
		t.Error("allowed origin rejected")
	}
	req.Header.Set("Origin", "https://evil.example")
	if check(req) {
		t.Error("foreign origin accepted")
	}
	if !originChecker([]string{"*"})(req) {
		t.Error("wildcard should allow any origin")
	}
}

func TestStreamHandler_EndToEnd(t *testing.T) {
	hub := NewHub(16, zerolog.Nop())
	srv := newStreamServer(t, hub)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events/ws?topics=session/1"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	waitFor(t, func() bool { return hub.TopicCount("session/1") == 1 })

	if err := conn.WriteJSON(ControlMessage{Action: "subscribe", Topics: []string{"session/2"}}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	waitFor(t, func() bool { return hub.TopicCount("session/2") == 1 })

	_ = hub.Publish(context.Background(), NewEvent("session.amended", "session/2", "clinical_session", "2", nil))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if got.Type != "session.amended" || got.ResourceID != "2" {
		t.Errorf("unexpected event %+v", got)
	}

	if err := conn.WriteJSON(ControlMessage{Action: "unsubscribe", Topics: []string{"session/1"}}); err != nil {
		t.Fatalf("write unsubscribe: %v", err)
	}
	waitFor(t, func() bool { return hub.TopicCount("session/1") == 0 })

	conn.Close()
	waitFor(t, func() bool { return hub.SubscriberCount() == 0 })
}
