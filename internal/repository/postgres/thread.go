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

// ThreadRepository implements domain.ThreadRepository
type ThreadRepository struct {
	pool *pgxpool.Pool
}

// NewThreadRepository creates a new thread repository
func NewThreadRepository(pool *pgxpool.Pool) *ThreadRepository {
	return &ThreadRepository{pool: pool}
}

func (r *ThreadRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Thread, error) {
	query := `
		SELECT id, user_id, persona_id, title, created_at, updated_at
		FROM threads
		WHERE id = $1
	`
	var t domain.Thread
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&t.ID,
		&t.UserID,
		&t.PersonaID,
		&t.Title,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	return &t, nil
}

func (r *ThreadRepository) TouchUpdatedAt(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `UPDATE threads SET updated_at = $1 WHERE id = $2`
	_, err := r.pool.Exec(ctx, query, at, id)
	if err != nil {
		return fmt.Errorf("failed to touch thread: %w", err)
	}
	return nil
}
