package handler

import (
	"encoding/json"
	"net/http"

	"github.com/continuum-chat/continuum/internal/api/middleware"
	"github.com/continuum-chat/continuum/internal/api/response"
	"github.com/continuum-chat/continuum/internal/service"
)

// JobHandler handles background job endpoints
type JobHandler struct {
	engine *service.JobEngine
}

// NewJobHandler creates a new job handler
func NewJobHandler(engine *service.JobEngine) *JobHandler {
	return &JobHandler{engine: engine}
}

// List returns the caller's jobs, newest first.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return
	}

	limit, offset := pagination(r, 20)
	jobs, err := h.engine.ListJobs(r.Context(), userID, limit, offset)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	response.OK(w, map[string]any{"jobs": jobs})
}

// Get returns one job.
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return
	}

	jobID, err := urlUUID(r, "jobID")
	if err != nil {
		response.BadRequest(w, "invalid job ID")
		return
	}

	job, err := h.engine.GetJob(r.Context(), jobID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if job.UserID != userID {
		response.NotFound(w, "not found")
		return
	}

	response.OK(w, job)
}

// Retry resets a failed job for another round of attempts. 409 when the job
// is not in a failed state.
func (h *JobHandler) Retry(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return
	}

	jobID, err := urlUUID(r, "jobID")
	if err != nil {
		response.BadRequest(w, "invalid job ID")
		return
	}

	job, err := h.engine.GetJob(r.Context(), jobID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if job.UserID != userID {
		response.NotFound(w, "not found")
		return
	}

	if err := h.engine.Retry(r.Context(), jobID); err != nil {
		writeDomainError(w, err)
		return
	}

	response.Accepted(w, map[string]any{"job_id": jobID})
}

type correctionInput struct {
	Text string `json:"text" validate:"required,min=1,max=2000"`
}

// CreateCorrection enqueues a knowledge-graph correction job.
func (h *JobHandler) CreateCorrection(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return
	}

	var input correctionInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}
	if err := validate.Struct(input); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	jobID, err := h.engine.EnqueueCorrection(r.Context(), userID, input.Text)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	response.Accepted(w, map[string]any{"job_id": jobID})
}
