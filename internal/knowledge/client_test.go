package knowledge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/continuum-chat/continuum/internal/config"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(baseURL string) *Client {
	return NewClient(config.KnowledgeConfig{
		BaseURL: baseURL,
		Secret:  "shared-secret",
		Timeout: 5 * time.Second,
	})
}

func TestHydrate_ReturnsCompilation(t *testing.T) {
	userID := uuid.New()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/hydrate", r.URL.Path)
		assert.Equal(t, "shared-secret", r.Header.Get(secretHeader))

		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, userID.String(), req["userId"])

		json.NewEncoder(w).Encode(map[string]any{
			"success":                  true,
			"userKnowledgeCompilation": "Likes jazz.",
		})
	}))
	defer server.Close()

	compilation, err := newTestClient(server.URL).Hydrate(context.Background(), userID)

	require.NoError(t, err)
	assert.Equal(t, "Likes jazz.", compilation)
}

func TestHydrate_SemanticFailureBecomesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"success": false,
			"error":   "graph store unavailable",
			"code":    "store_unavailable",
		})
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Hydrate(context.Background(), uuid.New())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "store_unavailable", apiErr.Code)
}

func TestMissingSecretFailsFast(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	client := NewClient(config.KnowledgeConfig{BaseURL: server.URL})
	_, err := client.Hydrate(context.Background(), uuid.New())

	assert.ErrorIs(t, err, ErrMissingSecret)
	assert.False(t, called, "no request should leave the process without a secret")
}

func TestIngest_PassesThroughStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ingest", r.URL.Path)
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]any{
			"jobId":  "remote-123",
			"status": StatusProcessing,
		})
	}))
	defer server.Close()

	resp, err := newTestClient(server.URL).Ingest(context.Background(), IngestRequest{
		JobID:     uuid.NewString(),
		UserID:    uuid.New(),
		SessionID: uuid.New(),
		Messages:  []TranscriptMessage{{Role: "user", Content: "hi", Timestamp: time.Now()}},
	})

	require.NoError(t, err)
	assert.Equal(t, "remote-123", resp.JobID)
	assert.Equal(t, StatusProcessing, resp.Status)
}

func TestIngestStatus_NotFoundBecomesErrUnknownJob(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).IngestStatus(context.Background(), "gone-1")
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestIngestStatus_ServerErrorBecomesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).IngestStatus(context.Background(), "job-1")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
}

func TestCorrection_SendsGroupID(t *testing.T) {
	userID := uuid.New()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/graph/correction", r.URL.Path)

		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, userID.String(), req["group_id"])
		assert.Equal(t, "June, not Jane", req["correction_text"])

		json.NewEncoder(w).Encode(map[string]any{"success": true})
	}))
	defer server.Close()

	err := newTestClient(server.URL).Correction(context.Background(), userID, "June, not Jane")
	assert.NoError(t, err)
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(ErrMissingSecret))
	assert.False(t, IsRetryable(&APIError{Code: CodeContentBlocked, Message: "blocked"}))
	assert.True(t, IsRetryable(&APIError{Status: http.StatusBadGateway}))
	assert.True(t, IsRetryable(assert.AnError))
}
