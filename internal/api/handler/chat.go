package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/continuum-chat/continuum/internal/api/middleware"
	"github.com/continuum-chat/continuum/internal/api/response"
	"github.com/continuum-chat/continuum/internal/domain"
	"github.com/continuum-chat/continuum/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var validate = validator.New()

// writeDomainError maps domain errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	var transitionErr *domain.TransitionError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		response.NotFound(w, "not found")
	case errors.Is(err, domain.ErrConflict):
		response.Conflict(w, "conflicting state")
	case errors.As(err, &transitionErr):
		response.Conflict(w, transitionErr.Error())
	default:
		response.InternalError(w, "internal error")
	}
}

func urlUUID(r *http.Request, name string) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, name))
}

// ChatHandler handles message endpoints
type ChatHandler struct {
	chatService *service.ChatService
}

// NewChatHandler creates a new chat handler
func NewChatHandler(chatService *service.ChatService) *ChatHandler {
	return &ChatHandler{chatService: chatService}
}

type sendMessageInput struct {
	Content string `json:"content" validate:"required,min=1,max=8000"`
}

// Send accepts a user message and schedules the assistant's response. The
// response body carries the placeholder message the client should poll or
// subscribe to.
func (h *ChatHandler) Send(w http.ResponseWriter, r *http.Request) {
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

	var input sendMessageInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}
	if err := validate.Struct(input); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	result, err := h.chatService.SendMessage(r.Context(), userID, threadID, input.Content)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	response.Accepted(w, map[string]any{
		"session_id":  result.Session.ID,
		"message":     result.UserMessage,
		"placeholder": result.Placeholder,
	})
}

// ListMessages returns a session's transcript, oldest first.
func (h *ChatHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
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

	messages, err := h.chatService.ListMessages(r.Context(), userID, sessionID, 0)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	response.OK(w, map[string]any{"messages": messages})
}
