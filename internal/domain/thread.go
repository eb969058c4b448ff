package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Thread is a long-lived conversation between a user and a persona. Threads
// are created and deleted elsewhere; the core only resolves and touches them.
type Thread struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	PersonaID uuid.UUID `json:"persona_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ThreadRepository defines the read surface the core consumes
type ThreadRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*Thread, error)
	TouchUpdatedAt(ctx context.Context, id uuid.UUID, at time.Time) error
}
