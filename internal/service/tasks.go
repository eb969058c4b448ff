package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/continuum-chat/continuum/internal/scheduler"
	"github.com/google/uuid"
)

// Scheduled task names. Handlers are registered at startup; payloads are the
// small JSON structs below.
const (
	TaskSessionAutoClose = "session.autoclose"
	TaskSessionHydrate   = "session.hydrate"
	TaskJobProcess       = "job.process"
	TaskJobPoll          = "job.poll"
	TaskChatRespond      = "chat.respond"
)

// TaskScheduler is the delayed-invocation surface the services consume.
// Implemented by scheduler.Scheduler.
type TaskScheduler interface {
	Schedule(ctx context.Context, name string, delay time.Duration, payload any) (uuid.UUID, error)
	Cancel(ctx context.Context, id uuid.UUID) error
}

type sessionTaskPayload struct {
	SessionID uuid.UUID `json:"session_id"`
}

type jobTaskPayload struct {
	JobID uuid.UUID `json:"job_id"`
}

type respondTaskPayload struct {
	SessionID uuid.UUID `json:"session_id"`
	MessageID uuid.UUID `json:"message_id"`
}

// RegisterTaskHandlers binds the service entry points to their task names.
func RegisterTaskHandlers(s *scheduler.Scheduler, sessions *SessionManager, jobs *JobEngine, chat *ChatService) {
	s.Register(TaskSessionAutoClose, func(ctx context.Context, raw json.RawMessage) error {
		var p sessionTaskPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("bad %s payload: %w", TaskSessionAutoClose, err)
		}
		return sessions.AutoClose(ctx, p.SessionID)
	})
	s.Register(TaskSessionHydrate, func(ctx context.Context, raw json.RawMessage) error {
		var p sessionTaskPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("bad %s payload: %w", TaskSessionHydrate, err)
		}
		return sessions.HydrateSession(ctx, p.SessionID)
	})
	s.Register(TaskJobProcess, func(ctx context.Context, raw json.RawMessage) error {
		var p jobTaskPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("bad %s payload: %w", TaskJobProcess, err)
		}
		return jobs.Process(ctx, p.JobID)
	})
	s.Register(TaskJobPoll, func(ctx context.Context, raw json.RawMessage) error {
		var p jobTaskPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("bad %s payload: %w", TaskJobPoll, err)
		}
		return jobs.Poll(ctx, p.JobID)
	})
	s.Register(TaskChatRespond, func(ctx context.Context, raw json.RawMessage) error {
		var p respondTaskPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("bad %s payload: %w", TaskChatRespond, err)
		}
		return chat.Respond(ctx, p.SessionID, p.MessageID)
	})
}
