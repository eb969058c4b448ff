package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/continuum-chat/continuum/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MessageRepository implements domain.MessageRepository
type MessageRepository struct {
	pool *pgxpool.Pool
}

// NewMessageRepository creates a new message repository
func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

const messageColumns = `id, session_id, thread_id, user_id, role, content, status, metadata, created_at, completed_at`

func (r *MessageRepository) Create(ctx context.Context, message *domain.Message) error {
	query := `
		INSERT INTO messages (` + messageColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	var metadataJSON []byte
	if message.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(message.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	_, err := r.pool.Exec(ctx, query,
		message.ID,
		message.SessionID,
		message.ThreadID,
		message.UserID,
		message.Role,
		message.Content,
		message.Status,
		metadataJSON,
		message.CreatedAt,
		message.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

func (r *MessageRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`
	return r.scanOne(r.pool.QueryRow(ctx, query, id))
}

// ListBySession returns messages oldest-first. With a positive limit the
// newest N are fetched and reversed so a bounded history window still ends
// at the most recent message.
func (r *MessageRepository) ListBySession(ctx context.Context, sessionID uuid.UUID, limit int) ([]domain.Message, error) {
	var rows pgx.Rows
	var err error
	if limit > 0 {
		query := `
			SELECT ` + messageColumns + `
			FROM messages
			WHERE session_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		`
		rows, err = r.pool.Query(ctx, query, sessionID, limit)
	} else {
		query := `
			SELECT ` + messageColumns + `
			FROM messages
			WHERE session_id = $1
			ORDER BY created_at ASC
		`
		rows, err = r.pool.Query(ctx, query, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		m, err := r.scanOne(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *m)
	}

	if limit > 0 {
		for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
			messages[i], messages[j] = messages[j], messages[i]
		}
	}

	return messages, nil
}

func (r *MessageRepository) SessionStats(ctx context.Context, sessionID uuid.UUID) (*domain.SessionStats, error) {
	query := `
		SELECT COUNT(*), COALESCE(SUM(LENGTH(content)), 0)
		FROM messages
		WHERE session_id = $1
	`
	var stats domain.SessionStats
	if err := r.pool.QueryRow(ctx, query, sessionID).Scan(&stats.MessageCount, &stats.CharCount); err != nil {
		return nil, fmt.Errorf("failed to compute session stats: %w", err)
	}
	return &stats, nil
}

func (r *MessageRepository) UpdateContent(ctx context.Context, id uuid.UUID, content string) error {
	query := `UPDATE messages SET content = $1 WHERE id = $2`
	_, err := r.pool.Exec(ctx, query, content, id)
	if err != nil {
		return fmt.Errorf("failed to update message content: %w", err)
	}
	return nil
}

func (r *MessageRepository) Finalize(ctx context.Context, id uuid.UUID, content string, metadata map[string]any) error {
	return r.finish(ctx, id, content, domain.MessageComplete, metadata)
}

func (r *MessageRepository) MarkError(ctx context.Context, id uuid.UUID, content string, metadata map[string]any) error {
	return r.finish(ctx, id, content, domain.MessageError, metadata)
}

func (r *MessageRepository) finish(ctx context.Context, id uuid.UUID, content string, status domain.MessageStatus, metadata map[string]any) error {
	var metadataJSON []byte
	if metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	query := `
		UPDATE messages
		SET content = $1, status = $2, metadata = $3, completed_at = $4
		WHERE id = $5
	`
	_, err := r.pool.Exec(ctx, query, content, status, metadataJSON, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to finalize message: %w", err)
	}
	return nil
}

func (r *MessageRepository) scanOne(row pgx.Row) (*domain.Message, error) {
	var m domain.Message
	var roleStr, statusStr string
	var metadataJSON []byte

	err := row.Scan(
		&m.ID,
		&m.SessionID,
		&m.ThreadID,
		&m.UserID,
		&roleStr,
		&m.Content,
		&statusStr,
		&metadataJSON,
		&m.CreatedAt,
		&m.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	m.Role = domain.MessageRole(roleStr)
	m.Status = domain.MessageStatus(statusStr)
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &m.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message metadata: %w", err)
		}
	}
	return &m, nil
}
