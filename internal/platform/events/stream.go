package events

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/ehr/clinvault/internal/platform/auth"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// ControlMessage is sent by websocket clients to change subscriptions.
type ControlMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// StreamHandler streams hub events to websocket clients.
type StreamHandler struct {
	hub      *Hub
	upgrader websocket.Upgrader
}

// NewStreamHandler creates a StreamHandler. allowedOrigins limits browser
// origins; empty or "*" allows any.
func NewStreamHandler(hub *Hub, allowedOrigins []string) *StreamHandler {
	return &StreamHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

// RegisterRoutes mounts GET /events/ws on api.
func (h *StreamHandler) RegisterRoutes(api *echo.Group) {
	api.GET("/events/ws", h.Connect)
}

// Connect upgrades the request and subscribes to the comma-separated topics
// query parameter.
func (h *StreamHandler) Connect(c echo.Context) error {
	if auth.UserIDFromContext(c.Request().Context()) == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	var topics []string
	if q := c.QueryParam("topics"); q != "" {
		topics = strings.Split(q, ",")
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	sub := h.hub.Subscribe(topics...)
	go h.writePump(sub, ws)
	go h.readPump(sub, ws)
	return nil
}

func (h *StreamHandler) readPump(sub *Subscriber, ws *websocket.Conn) {
	defer func() {
		h.hub.Unsubscribe(sub)
		ws.Close()
	}()

	ws.SetReadLimit(4096)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ControlMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		switch msg.Action {
		case "subscribe":
			h.hub.AddTopics(sub, msg.Topics...)
		case "unsubscribe":
			h.hub.RemoveTopics(sub, msg.Topics...)
		}
	}
}

func (h *StreamHandler) writePump(sub *Subscriber, ws *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case msg, ok := <-sub.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
