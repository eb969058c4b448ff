package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobType identifies the kind of background work a job carries
type JobType string

const (
	JobIngest     JobType = "ingest"
	JobCorrection JobType = "correction"
)

// JobStatus represents the processing state of a job
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// IsTerminal reports whether the status admits no further processing.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Job is one unit of background work sent to the knowledge service. Payload is
// a tagged union keyed by Type; use the typed accessors to decode it.
type Job struct {
	ID           uuid.UUID       `json:"id"`
	UserID       uuid.UUID       `json:"user_id"`
	Type         JobType         `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	Status       JobStatus       `json:"status"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	PollAttempts int             `json:"poll_attempts"`
	RemoteJobID  *string         `json:"remote_job_id,omitempty"`
	LastError    *string         `json:"last_error,omitempty"`
	NextRetryAt  *time.Time      `json:"next_retry_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// IngestPayload references the closed session whose transcript should be
// compiled. Message and character counts are snapshotted at enqueue time for
// observability only.
type IngestPayload struct {
	SessionID    uuid.UUID `json:"session_id"`
	ThreadID     uuid.UUID `json:"thread_id"`
	MessageCount int       `json:"message_count"`
	CharCount    int       `json:"char_count"`
}

// CorrectionPayload carries a free-text correction to the knowledge graph.
type CorrectionPayload struct {
	Text string `json:"text"`
}

// NewIngestJob builds a pending ingest job for a closed session.
func NewIngestJob(userID uuid.UUID, payload IngestPayload, maxAttempts int) (*Job, error) {
	return newJob(userID, JobIngest, payload, maxAttempts)
}

// NewCorrectionJob builds a pending correction job.
func NewCorrectionJob(userID uuid.UUID, payload CorrectionPayload, maxAttempts int) (*Job, error) {
	return newJob(userID, JobCorrection, payload, maxAttempts)
}

func newJob(userID uuid.UUID, typ JobType, payload any, maxAttempts int) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}
	now := time.Now()
	return &Job{
		ID:          uuid.New(),
		UserID:      userID,
		Type:        typ,
		Payload:     raw,
		Status:      JobPending,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// IngestPayload decodes the payload of an ingest job.
func (j *Job) IngestPayload() (*IngestPayload, error) {
	if j.Type != JobIngest {
		return nil, fmt.Errorf("job %s is not an ingest job", j.ID)
	}
	var p IngestPayload
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode ingest payload: %w", err)
	}
	return &p, nil
}

// CorrectionPayload decodes the payload of a correction job.
func (j *Job) CorrectionPayload() (*CorrectionPayload, error) {
	if j.Type != JobCorrection {
		return nil, fmt.Errorf("job %s is not a correction job", j.ID)
	}
	var p CorrectionPayload
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode correction payload: %w", err)
	}
	return &p, nil
}

// JobRepository defines the interface for job storage
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id uuid.UUID) (*Job, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Job, error)
	SetProcessing(ctx context.Context, id uuid.UUID) error
	// Complete marks the job completed and clears next_retry_at.
	Complete(ctx context.Context, id uuid.UUID) error
	// Fail marks the job failed, persists the final attempt count, records the
	// last error and clears next_retry_at.
	Fail(ctx context.Context, id uuid.UUID, attempts int, lastError string) error
	// RecordFailure stores the bookkeeping for a retryable failure.
	RecordFailure(ctx context.Context, id uuid.UUID, attempts int, lastError string, nextRetryAt time.Time) error
	UpdatePolling(ctx context.Context, id uuid.UUID, remoteJobID string, pollAttempts int) error
	// ResetForRetry returns a failed job to pending with zeroed counters.
	// Returns ErrConflict if the job is not in the failed state.
	ResetForRetry(ctx context.Context, id uuid.UUID) error
}
