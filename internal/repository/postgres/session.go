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

// SessionRepository implements domain.SessionRepository
type SessionRepository struct {
	pool *pgxpool.Pool
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

const sessionColumns = `id, user_id, thread_id, status, cached_system_prompt, cached_user_knowledge, auto_close_task_id, started_at, last_message_at, ended_at`

func (r *SessionRepository) Create(ctx context.Context, session *domain.Session) error {
	query := `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.pool.Exec(ctx, query,
		session.ID,
		session.UserID,
		session.ThreadID,
		session.Status,
		session.CachedSystemPrompt,
		session.CachedUserKnowledge,
		session.AutoCloseTaskID,
		session.StartedAt,
		session.LastMessageAt,
		session.EndedAt,
	)
	if err != nil {
		// The partial unique index on live sessions per thread turns a lost
		// creation race into a conflict the caller can resolve.
		if isUniqueViolation(err) {
			return domain.ErrConflict
		}
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (r *SessionRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	return r.scanOne(r.pool.QueryRow(ctx, query, id))
}

func (r *SessionRepository) GetLiveByThread(ctx context.Context, threadID uuid.UUID) (*domain.Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE thread_id = $1 AND status IN ('active', 'processing')
	`
	return r.scanOne(r.pool.QueryRow(ctx, query, threadID))
}

func (r *SessionRepository) ListByThread(ctx context.Context, threadID uuid.UUID, limit, offset int) ([]domain.Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE thread_id = $1
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.pool.Query(ctx, query, threadID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		s, err := r.scanOne(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, nil
}

func (r *SessionRepository) Transition(ctx context.Context, id uuid.UUID, from, to domain.SessionStatus) error {
	query := `UPDATE sessions SET status = $1 WHERE id = $2 AND status = $3`
	tag, err := r.pool.Exec(ctx, query, to, id, from)
	if err != nil {
		return fmt.Errorf("failed to transition session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *SessionRepository) Close(ctx context.Context, id uuid.UUID, from domain.SessionStatus, endedAt time.Time) error {
	query := `
		UPDATE sessions
		SET status = 'closed', ended_at = $1, auto_close_task_id = NULL
		WHERE id = $2 AND status = $3
	`
	tag, err := r.pool.Exec(ctx, query, endedAt, id, from)
	if err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *SessionRepository) Touch(ctx context.Context, id uuid.UUID, lastMessageAt time.Time, autoCloseTaskID *uuid.UUID) error {
	query := `UPDATE sessions SET last_message_at = $1, auto_close_task_id = $2 WHERE id = $3`
	_, err := r.pool.Exec(ctx, query, lastMessageAt, autoCloseTaskID, id)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

func (r *SessionRepository) SetKnowledge(ctx context.Context, id uuid.UUID, knowledge string) error {
	query := `UPDATE sessions SET cached_user_knowledge = $1 WHERE id = $2`
	_, err := r.pool.Exec(ctx, query, knowledge, id)
	if err != nil {
		return fmt.Errorf("failed to set session knowledge: %w", err)
	}
	return nil
}

func (r *SessionRepository) ClearAutoCloseTask(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE sessions SET auto_close_task_id = NULL WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to clear auto-close task: %w", err)
	}
	return nil
}

func (r *SessionRepository) scanOne(row pgx.Row) (*domain.Session, error) {
	var s domain.Session
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.ThreadID,
		&s.Status,
		&s.CachedSystemPrompt,
		&s.CachedUserKnowledge,
		&s.AutoCloseTaskID,
		&s.StartedAt,
		&s.LastMessageAt,
		&s.EndedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	return &s, nil
}
