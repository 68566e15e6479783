package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/chatrelay/internal/relay"
	"github.com/nextlevelbuilder/chatrelay/internal/store"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingPeriod   = 45 * time.Second
)

// Hub pushes newly stored messages to websocket subscribers, keyed by
// session id. A session can have multiple connections (several tabs).
type Hub struct {
	relay    *relay.Controller
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]map[*websocket.Conn]bool
}

// NewHub creates a hub. allowedOrigins is the Origin whitelist; empty allows
// all (same default as the CORS layer).
func NewHub(rc *relay.Controller, allowedOrigins []string) *Hub {
	h := &Hub{
		relay: rc,
		conns: make(map[string]map[*websocket.Conn]bool),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(r.Header.Get("Origin"), allowedOrigins)
		},
	}
	return h
}

// HandleWS upgrades GET /ws?session=<id> and subscribes the connection to
// that session's message stream. The session must exist and be live.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "session query parameter required"})
		return
	}
	if _, err := h.relay.GetSession(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		slog.Debug("websocket upgrade failed", "session", sessionID, "error", err)
		return
	}

	h.add(sessionID, conn)
	slog.Debug("websocket subscribed", "session", sessionID)

	go h.writePings(sessionID, conn)
	go h.readLoop(sessionID, conn)
}

// Broadcast pushes a stored message to every subscriber of its session.
// Wired as the relay controller's message hook.
func (h *Hub) Broadcast(msg store.Message) {
	h.mu.RLock()
	subs := make([]*websocket.Conn, 0, len(h.conns[msg.SessionID]))
	for conn := range h.conns[msg.SessionID] {
		subs = append(subs, conn)
	}
	h.mu.RUnlock()

	if len(subs) == 0 {
		return
	}

	payload := messageToResponse(msg)
	for _, conn := range subs {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(payload); err != nil {
			slog.Debug("websocket push failed, dropping subscriber",
				"session", msg.SessionID, "error", err)
			h.remove(msg.SessionID, conn)
			conn.Close()
		}
	}
}

// Shutdown closes all live connections.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.conns {
		for conn := range set {
			conn.Close()
		}
	}
	h.conns = make(map[string]map[*websocket.Conn]bool)
}

// readLoop drains client frames (the stream is one-way) and detects closes.
func (h *Hub) readLoop(sessionID string, conn *websocket.Conn) {
	defer func() {
		h.remove(sessionID, conn)
		conn.Close()
	}()

	conn.SetReadLimit(1024)
	conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !errors.Is(err, websocket.ErrCloseSent) &&
				!websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket read ended", "session", sessionID, "error", err)
			}
			return
		}
	}
}

// writePings keeps the connection alive until it is removed from the hub.
func (h *Hub) writePings(sessionID string, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for range ticker.C {
		if !h.has(sessionID, conn) {
			return
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
			return
		}
	}
}

func (h *Hub) add(sessionID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[sessionID] == nil {
		h.conns[sessionID] = make(map[*websocket.Conn]bool)
	}
	h.conns[sessionID][conn] = true
}

func (h *Hub) remove(sessionID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns[sessionID], conn)
	if len(h.conns[sessionID]) == 0 {
		delete(h.conns, sessionID)
	}
}

func (h *Hub) has(sessionID string, conn *websocket.Conn) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[sessionID][conn]
}
