package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/continuum-chat/continuum/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// JobRepository implements domain.JobRepository
type JobRepository struct {
	pool *pgxpool.Pool
}

// NewJobRepository creates a new job repository
func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

const jobColumns = `id, user_id, type, payload, status, attempts, max_attempts, poll_attempts, remote_job_id, last_error, next_retry_at, created_at, updated_at`

func (r *JobRepository) Create(ctx context.Context, job *domain.Job) error {
	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := r.pool.Exec(ctx, query,
		job.ID,
		job.UserID,
		job.Type,
		job.Payload,
		job.Status,
		job.Attempts,
		job.MaxAttempts,
		job.PollAttempts,
		job.RemoteJobID,
		job.LastError,
		job.NextRetryAt,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (r *JobRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	return r.scanOne(r.pool.QueryRow(ctx, query, id))
}

func (r *JobRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		j, err := r.scanOne(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, nil
}

func (r *JobRepository) SetProcessing(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE jobs SET status = 'processing', updated_at = now() WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to mark job processing: %w", err)
	}
	return nil
}

func (r *JobRepository) Complete(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE jobs
		SET status = 'completed', next_retry_at = NULL, updated_at = now()
		WHERE id = $1
	`
	_, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return nil
}

func (r *JobRepository) Fail(ctx context.Context, id uuid.UUID, attempts int, lastError string) error {
	query := `
		UPDATE jobs
		SET status = 'failed', attempts = $1, last_error = $2, next_retry_at = NULL, updated_at = now()
		WHERE id = $3
	`
	_, err := r.pool.Exec(ctx, query, attempts, lastError, id)
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}
	return nil
}

func (r *JobRepository) RecordFailure(ctx context.Context, id uuid.UUID, attempts int, lastError string, nextRetryAt time.Time) error {
	query := `
		UPDATE jobs
		SET status = 'pending', attempts = $1, last_error = $2, next_retry_at = $3, updated_at = now()
		WHERE id = $4
	`
	_, err := r.pool.Exec(ctx, query, attempts, lastError, nextRetryAt, id)
	if err != nil {
		return fmt.Errorf("failed to record job failure: %w", err)
	}
	return nil
}

func (r *JobRepository) UpdatePolling(ctx context.Context, id uuid.UUID, remoteJobID string, pollAttempts int) error {
	query := `
		UPDATE jobs
		SET remote_job_id = $1, poll_attempts = $2, updated_at = now()
		WHERE id = $3
	`
	_, err := r.pool.Exec(ctx, query, remoteJobID, pollAttempts, id)
	if err != nil {
		return fmt.Errorf("failed to update job polling state: %w", err)
	}
	return nil
}

func (r *JobRepository) ResetForRetry(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE jobs
		SET status = 'pending', attempts = 0, poll_attempts = 0,
		    last_error = NULL, next_retry_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'failed'
	`
	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to reset job for retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *JobRepository) scanOne(row pgx.Row) (*domain.Job, error) {
	var j domain.Job
	err := row.Scan(
		&j.ID,
		&j.UserID,
		&j.Type,
		&j.Payload,
		&j.Status,
		&j.Attempts,
		&j.MaxAttempts,
		&j.PollAttempts,
		&j.RemoteJobID,
		&j.LastError,
		&j.NextRetryAt,
		&j.CreatedAt,
		&j.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	return &j, nil
}
