package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Persona holds the instructions an AI character speaks from. CRUD lives
// outside the core; sessions snapshot the fields below at creation time.
type Persona struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	Instructions string    `json:"instructions"`
	Language     string    `json:"language"`
	CreatedAt    time.Time `json:"created_at"`
}

// PersonaRepository defines the read surface the core consumes
type PersonaRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*Persona, error)
}
