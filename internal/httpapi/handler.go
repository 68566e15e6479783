// Package httpapi exposes the visitor-facing REST and websocket surface.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/nextlevelbuilder/chatrelay/internal/bus"
	"github.com/nextlevelbuilder/chatrelay/internal/relay"
	"github.com/nextlevelbuilder/chatrelay/internal/store"
	"github.com/nextlevelbuilder/chatrelay/internal/uploads"
)

// Handler holds the visitor API endpoints.
type Handler struct {
	relay   *relay.Controller
	uploads *uploads.Store
	hub     *Hub

	// defaultChatID, when non-zero, pre-binds every new session to this
	// agent chat so conversations surface without an explicit /bind.
	defaultChatID int64
}

// NewHandler creates the API handler.
func NewHandler(rc *relay.Controller, up *uploads.Store, hub *Hub, defaultChatID int64) *Handler {
	return &Handler{relay: rc, uploads: up, hub: hub, defaultChatID: defaultChatID}
}

// RegisterRoutes registers all visitor API routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/session", h.handleCreateSession)
	mux.HandleFunc("GET /api/session/{id}", h.handleGetSession)
	mux.HandleFunc("GET /api/messages/{id}", h.handleListMessages)
	mux.HandleFunc("POST /api/message/{id}", h.handleTextMessage)
	mux.HandleFunc("POST /api/message/{id}/image", h.handleMediaMessage(bus.KindImage))
	mux.HandleFunc("POST /api/message/{id}/video", h.handleMediaMessage(bus.KindVideo))
	mux.HandleFunc("POST /api/bind/{id}", h.handleBind)
	mux.HandleFunc("GET /ws", h.hub.HandleWS)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.Handle("GET /uploads/",
		http.StripPrefix("/uploads/", http.FileServer(http.Dir(h.uploads.Dir()))))
}

type sessionResponse struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Bound     bool      `json:"bound"`
}

type messageResponse struct {
	ID        int64     `json:"id"`
	Author    string    `json:"author"`
	Kind      string    `json:"kind"`
	Content   string    `json:"content"`
	Caption   string    `json:"caption,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func sessionToResponse(s *store.Session) sessionResponse {
	return sessionResponse{
		ID:        s.ID,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
		ExpiresAt: s.ExpiresAt,
		Bound:     s.Bound(),
	}
}

func messageToResponse(m store.Message) messageResponse {
	return messageResponse{
		ID:        m.ID,
		Author:    string(m.Author),
		Kind:      string(m.Kind),
		Content:   m.Body,
		Caption:   m.Caption,
		CreatedAt: m.CreatedAt,
	}
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var chatID *int64
	if h.defaultChatID != 0 {
		id := h.defaultChatID
		chatID = &id
	}

	sess, err := h.relay.CreateSession(r.Context(), chatID, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionToResponse(sess))
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.relay.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionToResponse(sess))
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}

	msgs, err := h.relay.History(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageToResponse(m))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleTextMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	msg, err := h.relay.VisitorMessage(r.Context(), relay.VisitorMessageParams{
		SessionID: r.PathValue("id"),
		Kind:      bus.KindText,
		Body:      req.Content,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, messageToResponse(*msg))
}

// handleMediaMessage accepts a multipart upload ("file" field, optional
// "caption" field), stores the blob, and relays the resulting URL.
func (h *Handler) handleMediaMessage(kind bus.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, h.uploads.MaxBytes()+1<<20)

		file, header, err := r.FormFile("file")
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing file field"})
			return
		}
		defer file.Close()

		saved, err := h.uploads.Save(file, header.Filename, kind)
		if err != nil {
			writeError(w, err)
			return
		}

		msg, err := h.relay.VisitorMessage(r.Context(), relay.VisitorMessageParams{
			SessionID:  r.PathValue("id"),
			Kind:       kind,
			Body:       saved.URL,
			Caption:    r.FormValue("caption"),
			ForwardRef: saved.Path,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, messageToResponse(*msg))
	}
}

func (h *Handler) handleBind(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChatID  int64  `json:"chat_id"`
		TopicID *int64 `json:"topic_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChatID == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "chat_id required"})
		return
	}

	if err := h.relay.Bind(r.Context(), r.PathValue("id"), req.ChatID, req.TopicID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "bound"})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError maps relay errors onto the API's status contract: unknown
// sessions are 404, expired ones 410 so clients know to start over.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, relay.ErrSessionNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
	case errors.Is(err, relay.ErrSessionExpired):
		writeJSON(w, http.StatusGone, map[string]string{"error": "session expired"})
	case errors.Is(err, relay.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid input"})
	case errors.Is(err, uploads.ErrTooLarge):
		writeJSON(w, http.StatusRequestEntityTooLarge,
			map[string]string{"error": fmt.Sprintf("upload too large: %v", err)})
	default:
		slog.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}
