package handler

import (
	"net/http"

	"github.com/continuum-chat/continuum/internal/api/middleware"
	"github.com/continuum-chat/continuum/internal/api/response"
	"github.com/continuum-chat/continuum/internal/knowledge"
)

// GraphHandler proxies the read path of the user's knowledge graph.
type GraphHandler struct {
	client *knowledge.Client
}

// NewGraphHandler creates a new graph handler
func NewGraphHandler(client *knowledge.Client) *GraphHandler {
	return &GraphHandler{client: client}
}

// Get returns the caller's compiled knowledge graph.
func (h *GraphHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return
	}

	graph, err := h.client.GetGraph(r.Context(), userID)
	if err != nil {
		response.Error(w, http.StatusBadGateway, "knowledge service unavailable")
		return
	}

	response.OK(w, graph)
}
