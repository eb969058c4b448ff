package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// MessageRole represents the sender of a message
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// MessageStatus tracks assistant message delivery
type MessageStatus string

const (
	MessageStreaming MessageStatus = "streaming"
	MessageComplete  MessageStatus = "complete"
	MessageError     MessageStatus = "error"
)

// Message represents a chat message within a session
type Message struct {
	ID          uuid.UUID      `json:"id"`
	SessionID   uuid.UUID      `json:"session_id"`
	ThreadID    uuid.UUID      `json:"thread_id"`
	UserID      *uuid.UUID     `json:"user_id,omitempty"` // Null for assistant messages
	Role        MessageRole    `json:"role"`
	Content     string         `json:"content"`
	Status      MessageStatus  `json:"status"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// SessionStats summarizes a session's transcript at a point in time
type SessionStats struct {
	MessageCount int
	CharCount    int
}

// MessageRepository defines the interface for message storage
type MessageRepository interface {
	Create(ctx context.Context, message *Message) error
	Get(ctx context.Context, id uuid.UUID) (*Message, error)
	// ListBySession returns messages oldest-first. A limit <= 0 returns the
	// full transcript.
	ListBySession(ctx context.Context, sessionID uuid.UUID, limit int) ([]Message, error)
	SessionStats(ctx context.Context, sessionID uuid.UUID) (*SessionStats, error)
	UpdateContent(ctx context.Context, id uuid.UUID, content string) error
	// Finalize stores the final content and metadata and marks the message complete.
	Finalize(ctx context.Context, id uuid.UUID, content string, metadata map[string]any) error
	// MarkError stores a user-safe message; technical detail goes in metadata only.
	MarkError(ctx context.Context, id uuid.UUID, content string, metadata map[string]any) error
}
