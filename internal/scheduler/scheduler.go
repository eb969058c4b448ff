// Package scheduler provides a durable delayed-invocation primitive: tasks
// are rows in a due-time table, claimed by a polling worker and dispatched to
// named handlers. Because the table is the source of truth, pending tasks
// survive process restarts, and cancelling is deleting the row.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrAlreadyStarted is returned when Start is called on a running scheduler.
var ErrAlreadyStarted = errors.New("scheduler already started")

// Task is one pending delayed invocation.
type Task struct {
	ID        uuid.UUID
	Name      string
	Payload   json.RawMessage
	DueAt     time.Time
	CreatedAt time.Time
}

// Store persists pending tasks. ClaimDue must atomically remove and return
// tasks whose due time has passed, so two workers never claim the same row.
type Store interface {
	Insert(ctx context.Context, task *Task) error
	Delete(ctx context.Context, id uuid.UUID) error
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]Task, error)
}

// Handler processes one claimed task. Errors are logged, never retried here;
// handlers that need retry semantics schedule their own follow-up tasks.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Scheduler claims due tasks on a fixed cadence and dispatches them to
// registered handlers.
type Scheduler struct {
	store    Store
	interval time.Duration
	batch    int

	mu       sync.Mutex
	handlers map[string]Handler
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}

	now func() time.Time
}

// New creates a scheduler polling at the given interval.
func New(store Store, interval time.Duration, batch int) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	if batch <= 0 {
		batch = 50
	}
	return &Scheduler{
		store:    store,
		interval: interval,
		batch:    batch,
		handlers: make(map[string]Handler),
		now:      time.Now,
	}
}

// Register binds a handler to a task name. Must be called before Start.
func (s *Scheduler) Register(name string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = h
}

// Schedule inserts a task due after delay and returns its cancellable handle.
func (s *Scheduler) Schedule(ctx context.Context, name string, delay time.Duration, payload any) (uuid.UUID, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to marshal task payload: %w", err)
	}

	now := s.now()
	task := &Task{
		ID:        uuid.New(),
		Name:      name,
		Payload:   raw,
		DueAt:     now.Add(delay),
		CreatedAt: now,
	}
	if err := s.store.Insert(ctx, task); err != nil {
		return uuid.Nil, fmt.Errorf("failed to schedule task %s: %w", name, err)
	}
	return task.ID, nil
}

// Cancel removes a pending task. Cancelling a task that already fired or was
// already cancelled is a no-op.
func (s *Scheduler) Cancel(ctx context.Context, id uuid.UUID) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to cancel task: %w", err)
	}
	return nil
}

// Start launches the polling worker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	s.running = true
	s.stopCh = stopCh
	s.doneCh = doneCh
	s.mu.Unlock()

	go s.run(ctx, stopCh, doneCh)
	return nil
}

// Stop halts the worker and waits for in-flight dispatch to be handed off.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	stopCh := s.stopCh
	doneCh := s.doneCh
	s.running = false
	s.stopCh = nil
	s.doneCh = nil
	s.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (s *Scheduler) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatchDue(ctx)
		}
	}
}

// dispatchDue claims everything past due and runs each task's handler in its
// own goroutine. Handler failures are logged; the claim already consumed the
// row, so retry policy belongs to the handler.
func (s *Scheduler) dispatchDue(ctx context.Context) {
	tasks, err := s.store.ClaimDue(ctx, s.now(), s.batch)
	if err != nil {
		log.Error().Err(err).Msg("failed to claim due tasks")
		return
	}

	for _, task := range tasks {
		task := task
		go s.dispatch(ctx, task)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, task Task) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Str("task", task.Name).
				Str("task_id", task.ID.String()).
				Interface("panic", rec).
				Msg("task handler panicked")
		}
	}()

	s.mu.Lock()
	h, ok := s.handlers[task.Name]
	s.mu.Unlock()
	if !ok {
		log.Error().Str("task", task.Name).Msg("no handler registered for task")
		return
	}

	if err := h(ctx, task.Payload); err != nil {
		log.Error().
			Err(err).
			Str("task", task.Name).
			Str("task_id", task.ID.String()).
			Msg("task handler failed")
	}
}
