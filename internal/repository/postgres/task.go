package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/continuum-chat/continuum/internal/scheduler"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TaskRepository implements scheduler.Store on a due-time table.
type TaskRepository struct {
	pool *pgxpool.Pool
}

// NewTaskRepository creates a new scheduled-task repository
func NewTaskRepository(pool *pgxpool.Pool) *TaskRepository {
	return &TaskRepository{pool: pool}
}

func (r *TaskRepository) Insert(ctx context.Context, task *scheduler.Task) error {
	query := `
		INSERT INTO scheduled_tasks (id, name, payload, due_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.pool.Exec(ctx, query, task.ID, task.Name, task.Payload, task.DueAt, task.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

func (r *TaskRepository) Delete(ctx context.Context, id uuid.UUID) error {
	query := `DELETE FROM scheduled_tasks WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

// ClaimDue deletes and returns due tasks in one statement. SKIP LOCKED keeps
// concurrent workers from double-claiming a row.
func (r *TaskRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]scheduler.Task, error) {
	query := `
		DELETE FROM scheduled_tasks
		WHERE id IN (
			SELECT id FROM scheduled_tasks
			WHERE due_at <= $1
			ORDER BY due_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, name, payload, due_at, created_at
	`
	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due tasks: %w", err)
	}
	defer rows.Close()

	var tasks []scheduler.Task
	for rows.Next() {
		var t scheduler.Task
		if err := rows.Scan(&t.ID, &t.Name, &t.Payload, &t.DueAt, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}
