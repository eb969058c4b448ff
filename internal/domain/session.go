package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SessionStatus represents the lifecycle state of a session
type SessionStatus string

const (
	SessionActive     SessionStatus = "active"
	SessionProcessing SessionStatus = "processing"
	SessionClosed     SessionStatus = "closed"
)

// Session is one bounded segment of a conversation thread. Its system prompt
// and user knowledge are snapshotted at creation so later edits to the persona
// or user instructions never affect an in-progress exchange.
type Session struct {
	ID                  uuid.UUID     `json:"id"`
	UserID              uuid.UUID     `json:"user_id"`
	ThreadID            uuid.UUID     `json:"thread_id"`
	Status              SessionStatus `json:"status"`
	CachedSystemPrompt  string        `json:"-"`
	CachedUserKnowledge *string       `json:"-"`
	AutoCloseTaskID     *uuid.UUID    `json:"-"`
	StartedAt           time.Time     `json:"started_at"`
	LastMessageAt       time.Time     `json:"last_message_at"`
	EndedAt             *time.Time    `json:"ended_at,omitempty"`
}

// CanTransition reports whether a session status change is legal.
// Closed is terminal; active and processing may flip between each other.
func CanTransition(from, to SessionStatus) bool {
	switch from {
	case SessionActive:
		return to == SessionProcessing || to == SessionClosed
	case SessionProcessing:
		return to == SessionActive
	default:
		return false
	}
}

// SessionRepository defines the interface for session storage.
// Conditional methods (Transition, Close) are compare-and-swap on status:
// they return ErrConflict when the stored status no longer matches.
type SessionRepository interface {
	Create(ctx context.Context, session *Session) error
	Get(ctx context.Context, id uuid.UUID) (*Session, error)
	// GetLiveByThread returns the thread's active or processing session,
	// or ErrNotFound when the thread has no live session.
	GetLiveByThread(ctx context.Context, threadID uuid.UUID) (*Session, error)
	ListByThread(ctx context.Context, threadID uuid.UUID, limit, offset int) ([]Session, error)
	Transition(ctx context.Context, id uuid.UUID, from, to SessionStatus) error
	// Close marks the session closed and stamps ended_at, only if the stored
	// status still matches from.
	Close(ctx context.Context, id uuid.UUID, from SessionStatus, endedAt time.Time) error
	Touch(ctx context.Context, id uuid.UUID, lastMessageAt time.Time, autoCloseTaskID *uuid.UUID) error
	SetKnowledge(ctx context.Context, id uuid.UUID, knowledge string) error
	ClearAutoCloseTask(ctx context.Context, id uuid.UUID) error
}
