package fabric

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// wsTransport adapts a gorilla connection to the Transport interface. Gorilla
// allows a single concurrent writer; the connection's write loop is that
// writer, the mutex covers close frames sent from other paths.
type wsTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return t.conn.Close()
}

func newUpgrader(allowAllOrigins bool) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if allowAllOrigins {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients don't send Origin
			}
			return strings.Contains(origin, r.Host)
		},
	}
}

// WSHandler upgrades HTTP requests into pooled fabric connections and runs
// their read pump.
type WSHandler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger

	// Authenticate resolves the user for an incoming request. Returning ""
	// leaves the connection unauthenticated until an explicit auth frame.
	Authenticate func(r *http.Request) string
}

func NewWSHandler(hub *Hub, allowAllOrigins bool, logger *slog.Logger) *WSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHandler{
		hub:      hub,
		upgrader: newUpgrader(allowAllOrigins),
		logger:   logger.With("component", "fabric.WSHandler"),
	}
}

// ServeHTTP upgrades the request, pools the connection, and consumes inbound
// frames until the client disconnects.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	userID := r.URL.Query().Get("user_id")
	if h.Authenticate != nil {
		if id := h.Authenticate(r); id != "" {
			userID = id
		}
	}
	sessionID := r.URL.Query().Get("session_id")

	conn := h.hub.CreateConnection(userID, sessionID, &wsTransport{conn: wsConn})
	if err := h.hub.AddConnection(conn); err != nil {
		h.logger.Warn("connection rejected", "error", err)
		_ = wsConn.Close()
		return
	}
	if userID != "" {
		h.hub.AuthenticateConnection(conn.ID, userID)
	}

	h.hub.SendToConnection(conn.ID, NewFrame(FrameConnectionEstablished, map[string]any{
		"connection_id": conn.ID,
		"user_id":       userID,
		"session_id":    sessionID,
	}))

	go h.readPump(conn, wsConn)
}

func (h *WSHandler) readPump(conn *Connection, wsConn *websocket.Conn) {
	defer h.hub.RemoveConnection(conn.ID)

	for {
		_, data, err := wsConn.ReadMessage()
		if err != nil {
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			h.hub.SendToConnection(conn.ID, NewFrame(FrameError, map[string]any{
				"message": "malformed frame",
			}))
			continue
		}
		h.handleFrame(conn, &f)
	}
}

func (h *WSHandler) handleFrame(conn *Connection, f *Frame) {
	switch f.Type {
	case FrameHeartbeat:
		h.hub.Pong(conn.ID)
	case FrameSubscribe:
		if ch, ok := f.Payload["channel"].(string); ok && ch != "" {
			h.hub.Subscribe(conn.ID, ch)
		}
	case FrameUnsubscribe:
		if ch, ok := f.Payload["channel"].(string); ok && ch != "" {
			h.hub.Unsubscribe(conn.ID, ch)
		}
	case FrameDirectMessage:
		if f.RecipientID != "" {
			out := *f
			out.SenderID = conn.UserID
			h.hub.SendToUser(f.RecipientID, &out)
		}
	case FrameBroadcast:
		out := *f
		out.SenderID = conn.UserID
		h.hub.Broadcast(&out)
	default:
		h.logger.Debug("unhandled frame type", "type", f.Type, "connection_id", conn.ID)
	}
}
