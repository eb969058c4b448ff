package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/continuum-chat/continuum/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PersonaRepository implements domain.PersonaRepository
type PersonaRepository struct {
	pool *pgxpool.Pool
}

// NewPersonaRepository creates a new persona repository
func NewPersonaRepository(pool *pgxpool.Pool) *PersonaRepository {
	return &PersonaRepository{pool: pool}
}

func (r *PersonaRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Persona, error) {
	query := `
		SELECT id, name, instructions, language, created_at
		FROM personas
		WHERE id = $1
	`
	var p domain.Persona
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&p.ID,
		&p.Name,
		&p.Instructions,
		&p.Language,
		&p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get persona: %w", err)
	}
	return &p, nil
}
