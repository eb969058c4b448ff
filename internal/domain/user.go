package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// User represents a platform user. Registration and login are handled by an
// external identity service; the core only reads user records.
type User struct {
	ID                 uuid.UUID `json:"id"`
	Email              string    `json:"email"`
	CustomInstructions string    `json:"custom_instructions"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// UserRepository defines the read surface the core consumes
type UserRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
}
