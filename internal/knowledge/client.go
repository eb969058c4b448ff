// Package knowledge is the HTTP client for the remote knowledge-compilation
// service. Ingestion has two cost tiers: cheap requests answered within the
// round trip, and graph-extraction jobs that take minutes and must be polled.
package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/continuum-chat/continuum/internal/config"
	"github.com/google/uuid"
)

const secretHeader = "X-Service-Secret"

// TranscriptMessage is one message of a session transcript sent for ingestion.
type TranscriptMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// IngestRequest submits a closed session's transcript for compilation.
type IngestRequest struct {
	JobID     string              `json:"jobId,omitempty"`
	UserID    uuid.UUID           `json:"userId"`
	SessionID uuid.UUID           `json:"sessionId"`
	Messages  []TranscriptMessage `json:"messages"`
	Metadata  IngestMetadata      `json:"metadata"`
}

// IngestMetadata carries observability fields alongside the transcript.
type IngestMetadata struct {
	SessionStartedAt time.Time  `json:"sessionStartedAt"`
	SessionEndedAt   *time.Time `json:"sessionEndedAt,omitempty"`
	MessageCount     int        `json:"messageCount"`
}

// Remote job states reported by the ingest endpoints.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusSkipped    = "skipped"
)

// IngestResponse is the accepted-or-done answer to an ingest submission.
type IngestResponse struct {
	JobID                    string `json:"jobId"`
	Status                   string `json:"status"`
	UserKnowledgeCompilation string `json:"userKnowledgeCompilation,omitempty"`
}

// IngestStatusResponse reports the state of a long-running ingest job.
type IngestStatusResponse struct {
	JobID                    string `json:"jobId"`
	Status                   string `json:"status"`
	UserKnowledgeCompilation string `json:"userKnowledgeCompilation,omitempty"`
	Error                    string `json:"error,omitempty"`
	Code                     string `json:"code,omitempty"`
}

// GraphNode is one entity in the compiled knowledge graph.
type GraphNode struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Val     float64 `json:"val"`
	Summary string  `json:"summary"`
}

// GraphLink is one relation in the compiled knowledge graph.
type GraphLink struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Label  string `json:"label"`
	Fact   string `json:"fact"`
}

// Graph is the read-path view of a user's knowledge graph.
type Graph struct {
	Nodes []GraphNode `json:"nodes"`
	Links []GraphLink `json:"links"`
}

// Client talks to the knowledge service over HTTP with a shared secret.
type Client struct {
	baseURL string
	secret  string
	client  *http.Client
}

// NewClient creates a new knowledge service client
func NewClient(cfg config.KnowledgeConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		secret:  cfg.Secret,
		client:  &http.Client{Timeout: timeout},
	}
}

type hydrateRequest struct {
	UserID uuid.UUID `json:"userId"`
}

type hydrateResponse struct {
	Success                  bool   `json:"success"`
	UserKnowledgeCompilation string `json:"userKnowledgeCompilation,omitempty"`
	Error                    string `json:"error,omitempty"`
	Code                     string `json:"code,omitempty"`
}

// Hydrate fetches the already-compiled knowledge for a user. Cheap and
// read-only; an empty string means nothing has been compiled yet.
func (c *Client) Hydrate(ctx context.Context, userID uuid.UUID) (string, error) {
	var resp hydrateResponse
	if err := c.post(ctx, "/hydrate", hydrateRequest{UserID: userID}, &resp); err != nil {
		return "", err
	}
	if !resp.Success {
		return "", &APIError{Code: resp.Code, Message: resp.Error}
	}
	return resp.UserKnowledgeCompilation, nil
}

// Ingest submits a transcript for compilation. The service either finishes
// within the round trip (embedded compilation, or "skipped") or accepts the
// job for asynchronous processing.
func (c *Client) Ingest(ctx context.Context, req IngestRequest) (*IngestResponse, error) {
	var resp IngestResponse
	if err := c.post(ctx, "/ingest", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// IngestStatus polls a long-running ingest job. A 404 becomes ErrUnknownJob.
func (c *Client) IngestStatus(ctx context.Context, jobID string) (*IngestStatusResponse, error) {
	var resp IngestStatusResponse
	if err := c.get(ctx, "/ingest/status/"+jobID, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

type correctionRequest struct {
	GroupID        string `json:"group_id"`
	CorrectionText string `json:"correction_text"`
}

type correctionResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// Correction applies a natural-language correction to a user's graph.
func (c *Client) Correction(ctx context.Context, userID uuid.UUID, text string) error {
	var resp correctionResponse
	req := correctionRequest{GroupID: userID.String(), CorrectionText: text}
	if err := c.post(ctx, "/v1/graph/correction", req, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return &APIError{Code: resp.Code, Message: resp.Error}
	}
	return nil
}

// GetGraph fetches the read-path view of a user's knowledge graph.
func (c *Client) GetGraph(ctx context.Context, userID uuid.UUID) (*Graph, error) {
	var graph Graph
	if err := c.get(ctx, "/v1/graph/"+userID.String(), &graph); err != nil {
		return nil, err
	}
	return &graph, nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	if c.secret == "" {
		return ErrMissingSecret
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(secretHeader, c.secret)

	return c.do(httpReq, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	if c.secret == "" {
		return ErrMissingSecret
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set(secretHeader, c.secret)

	return c.do(httpReq, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrUnknownJob
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Message: resp.Status}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
