package handler

import (
	"net/http"
	"strconv"

	"github.com/continuum-chat/continuum/internal/api/middleware"
	"github.com/continuum-chat/continuum/internal/api/response"
	"github.com/continuum-chat/continuum/internal/service"
)

// SessionHandler handles session lifecycle endpoints
type SessionHandler struct {
	manager *service.SessionManager
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(manager *service.SessionManager) *SessionHandler {
	return &SessionHandler{manager: manager}
}

// Get returns one session.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return
	}

	sessionID, err := urlUUID(r, "sessionID")
	if err != nil {
		response.BadRequest(w, "invalid session ID")
		return
	}

	session, err := h.manager.GetSession(r.Context(), sessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if session.UserID != userID {
		response.NotFound(w, "not found")
		return
	}

	response.OK(w, session)
}

// ListByThread returns a thread's sessions, newest first.
func (h *SessionHandler) ListByThread(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return
	}

	threadID, err := urlUUID(r, "threadID")
	if err != nil {
		response.BadRequest(w, "invalid thread ID")
		return
	}

	limit, offset := pagination(r, 20)
	sessions, err := h.manager.ListSessions(r.Context(), userID, threadID, limit, offset)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	response.OK(w, map[string]any{"sessions": sessions})
}

// Close force-closes a session, sending its transcript to ingestion.
func (h *SessionHandler) Close(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return
	}

	sessionID, err := urlUUID(r, "sessionID")
	if err != nil {
		response.BadRequest(w, "invalid session ID")
		return
	}

	session, err := h.manager.ForceClose(r.Context(), userID, sessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	response.OK(w, session)
}

func pagination(r *http.Request, defaultLimit int) (limit, offset int) {
	limit = defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
