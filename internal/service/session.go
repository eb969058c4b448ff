package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/continuum-chat/continuum/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// KnowledgeHydrator is the slice of the knowledge client the session
// lifecycle consumes.
type KnowledgeHydrator interface {
	Hydrate(ctx context.Context, userID uuid.UUID) (string, error)
}

// KnowledgeCache caches hydrated compilations between session creations.
type KnowledgeCache interface {
	Get(ctx context.Context, userID uuid.UUID) (string, bool)
	Set(ctx context.Context, userID uuid.UUID, compilation string) error
	Invalidate(ctx context.Context, userID uuid.UUID) error
}

// IngestEnqueuer enqueues an ingestion job for a just-closed session.
// Implemented by JobEngine; injected after construction to break the
// session-manager/job-engine cycle.
type IngestEnqueuer interface {
	EnqueueIngest(ctx context.Context, session *domain.Session) (uuid.UUID, error)
}

// SessionManager owns the session lifecycle: creation, rotation, snapshots
// and the active/processing/closed state machine.
type SessionManager struct {
	sessions domain.SessionRepository
	threads  domain.ThreadRepository
	personas domain.PersonaRepository
	users    domain.UserRepository
	sched    TaskScheduler

	hydrator KnowledgeHydrator
	cache    KnowledgeCache
	enqueuer IngestEnqueuer

	staleThreshold time.Duration
	now            func() time.Time
}

// NewSessionManager creates a new session lifecycle manager
func NewSessionManager(
	sessions domain.SessionRepository,
	threads domain.ThreadRepository,
	personas domain.PersonaRepository,
	users domain.UserRepository,
	sched TaskScheduler,
	hydrator KnowledgeHydrator,
	cache KnowledgeCache,
	staleThreshold time.Duration,
) *SessionManager {
	return &SessionManager{
		sessions:       sessions,
		threads:        threads,
		personas:       personas,
		users:          users,
		sched:          sched,
		hydrator:       hydrator,
		cache:          cache,
		staleThreshold: staleThreshold,
		now:            time.Now,
	}
}

// SetIngestEnqueuer wires the job engine in after both are constructed.
func (m *SessionManager) SetIngestEnqueuer(e IngestEnqueuer) {
	m.enqueuer = e
}

// GetSession returns a session by id.
func (m *SessionManager) GetSession(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	return m.sessions.Get(ctx, id)
}

// ListSessions returns a thread's sessions, newest first. Threads belonging to
// another user are reported as not found.
func (m *SessionManager) ListSessions(ctx context.Context, userID, threadID uuid.UUID, limit, offset int) ([]domain.Session, error) {
	thread, err := m.threads.Get(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if thread.UserID != userID {
		return nil, domain.ErrNotFound
	}
	return m.sessions.ListByThread(ctx, threadID, limit, offset)
}

// GetOrCreateActive returns the thread's live session, rotating a stale one
// first. A non-stale live session is returned unchanged with no side effects,
// so repeated calls within one logical operation are idempotent.
func (m *SessionManager) GetOrCreateActive(ctx context.Context, thread *domain.Thread) (*domain.Session, error) {
	now := m.now()

	live, err := m.sessions.GetLiveByThread(ctx, thread.ID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	var inherited *string
	if live != nil {
		stale := live.Status == domain.SessionActive && now.Sub(live.LastMessageAt) > m.staleThreshold
		if !stale {
			return live, nil
		}

		if err := m.closeSession(ctx, live, now); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				// Someone else rotated it first; take whatever is live now.
				if refreshed, rerr := m.sessions.GetLiveByThread(ctx, thread.ID); rerr == nil {
					return refreshed, nil
				}
			} else {
				return nil, err
			}
		}
		inherited = live.CachedUserKnowledge
	}

	return m.createSession(ctx, thread, inherited, true)
}

// Touch realizes the debounced idle timer: the previous auto-close task is
// cancelled and a fresh one is scheduled from this message, so only the last
// message of a burst owns the live timer.
func (m *SessionManager) Touch(ctx context.Context, session *domain.Session) error {
	if session.AutoCloseTaskID != nil {
		if err := m.sched.Cancel(ctx, *session.AutoCloseTaskID); err != nil {
			log.Warn().Err(err).Str("session_id", session.ID.String()).Msg("failed to cancel auto-close task")
		}
	}

	taskID, err := m.sched.Schedule(ctx, TaskSessionAutoClose, m.staleThreshold, sessionTaskPayload{SessionID: session.ID})
	if err != nil {
		return err
	}

	now := m.now()
	if err := m.sessions.Touch(ctx, session.ID, now, &taskID); err != nil {
		return err
	}
	session.LastMessageAt = now
	session.AutoCloseTaskID = &taskID
	return nil
}

// AutoClose is the scheduler-invoked idle closure. It no-ops when the session
// is gone or already closed: a timer may legitimately fire after a stale
// rotation already closed its session.
func (m *SessionManager) AutoClose(ctx context.Context, sessionID uuid.UUID) error {
	session, err := m.sessions.Get(ctx, sessionID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if session.Status == domain.SessionClosed {
		return nil
	}

	if err := m.closeSession(ctx, session, m.now()); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil
		}
		return err
	}
	return nil
}

// ForceClose closes a session on user request and enqueues its ingestion.
func (m *SessionManager) ForceClose(ctx context.Context, userID, sessionID uuid.UUID) (*domain.Session, error) {
	session, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.UserID != userID {
		return nil, domain.ErrNotFound
	}
	if session.Status == domain.SessionClosed {
		return session, nil
	}

	if err := m.closeSession(ctx, session, m.now()); err != nil {
		return nil, err
	}
	return m.sessions.Get(ctx, sessionID)
}

// CreateDraft materializes the next session after ingestion finished. If the
// user already started a new exchange while ingestion ran, the existing live
// session is patched with the new knowledge instead of duplicated.
func (m *SessionManager) CreateDraft(ctx context.Context, userID, threadID uuid.UUID, knowledge *string) error {
	live, err := m.sessions.GetLiveByThread(ctx, threadID)
	if err == nil {
		if knowledge != nil {
			return m.sessions.SetKnowledge(ctx, live.ID, *knowledge)
		}
		return nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	thread, err := m.threads.Get(ctx, threadID)
	if errors.Is(err, domain.ErrNotFound) {
		// Thread deleted while the job ran; nothing to materialize.
		return nil
	}
	if err != nil {
		return err
	}

	_, err = m.createSession(ctx, thread, knowledge, knowledge == nil)
	return err
}

// HydrateSession overwrites the session's knowledge snapshot with a freshly
// compiled value. Best effort: the session is usable before this completes.
func (m *SessionManager) HydrateSession(ctx context.Context, sessionID uuid.UUID) error {
	session, err := m.sessions.Get(ctx, sessionID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if session.Status == domain.SessionClosed {
		return nil
	}

	if m.cache != nil {
		if compilation, ok := m.cache.Get(ctx, session.UserID); ok {
			if compilation == "" {
				return nil
			}
			return m.sessions.SetKnowledge(ctx, session.ID, compilation)
		}
	}

	compilation, err := m.hydrator.Hydrate(ctx, session.UserID)
	if err != nil {
		return err
	}
	if compilation == "" {
		return nil
	}

	if err := m.sessions.SetKnowledge(ctx, session.ID, compilation); err != nil {
		return err
	}
	if m.cache != nil {
		if err := m.cache.Set(ctx, session.UserID, compilation); err != nil {
			log.Warn().Err(err).Msg("failed to cache hydrated knowledge")
		}
	}
	return nil
}

// BeginTurn flips the session into processing for the duration of one LLM turn.
func (m *SessionManager) BeginTurn(ctx context.Context, session *domain.Session) error {
	if !domain.CanTransition(session.Status, domain.SessionProcessing) {
		return &domain.TransitionError{From: session.Status, To: domain.SessionProcessing}
	}
	return m.sessions.Transition(ctx, session.ID, domain.SessionActive, domain.SessionProcessing)
}

// EndTurn returns the session to active after an LLM turn.
func (m *SessionManager) EndTurn(ctx context.Context, sessionID uuid.UUID) error {
	return m.sessions.Transition(ctx, sessionID, domain.SessionProcessing, domain.SessionActive)
}

// closeSession validates the transition, cancels the pending idle timer,
// closes the row and enqueues ingestion. Enqueue failures are logged, not
// propagated: closure must not be undone by a queue hiccup.
func (m *SessionManager) closeSession(ctx context.Context, session *domain.Session, now time.Time) error {
	if !domain.CanTransition(session.Status, domain.SessionClosed) {
		return &domain.TransitionError{From: session.Status, To: domain.SessionClosed}
	}

	if session.AutoCloseTaskID != nil {
		if err := m.sched.Cancel(ctx, *session.AutoCloseTaskID); err != nil {
			log.Warn().Err(err).Str("session_id", session.ID.String()).Msg("failed to cancel auto-close task")
		}
	}

	if err := m.sessions.Close(ctx, session.ID, session.Status, now); err != nil {
		return err
	}
	session.Status = domain.SessionClosed
	session.EndedAt = &now

	if m.enqueuer == nil {
		log.Error().Str("session_id", session.ID.String()).Msg("no ingest enqueuer wired; transcript will not be compiled")
		return nil
	}
	if _, err := m.enqueuer.EnqueueIngest(ctx, session); err != nil {
		log.Error().Err(err).Str("session_id", session.ID.String()).Msg("failed to enqueue ingestion")
	}
	return nil
}

func (m *SessionManager) createSession(ctx context.Context, thread *domain.Thread, knowledge *string, hydrate bool) (*domain.Session, error) {
	prompt, err := m.buildSystemPrompt(ctx, thread)
	if err != nil {
		return nil, err
	}

	now := m.now()
	session := &domain.Session{
		ID:                  uuid.New(),
		UserID:              thread.UserID,
		ThreadID:            thread.ID,
		Status:              domain.SessionActive,
		CachedSystemPrompt:  prompt,
		CachedUserKnowledge: knowledge,
		StartedAt:           now,
		LastMessageAt:       now,
	}

	if err := m.sessions.Create(ctx, session); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// Lost the creation race. Use the winner, patching in knowledge
			// if we were carrying a fresher compilation.
			existing, gerr := m.sessions.GetLiveByThread(ctx, thread.ID)
			if gerr != nil {
				return nil, gerr
			}
			if knowledge != nil {
				if serr := m.sessions.SetKnowledge(ctx, existing.ID, *knowledge); serr != nil {
					return nil, serr
				}
				existing.CachedUserKnowledge = knowledge
			}
			return existing, nil
		}
		return nil, err
	}

	if hydrate {
		if _, err := m.sched.Schedule(ctx, TaskSessionHydrate, 0, sessionTaskPayload{SessionID: session.ID}); err != nil {
			log.Warn().Err(err).Str("session_id", session.ID.String()).Msg("failed to schedule hydration")
		}
	}

	log.Info().
		Str("session_id", session.ID.String()).
		Str("thread_id", thread.ID.String()).
		Msg("created session")
	return session, nil
}

// buildSystemPrompt snapshots persona instructions, the language directive
// and the user's global instructions, in that order: later text reads as
// emphasis to the model.
func (m *SessionManager) buildSystemPrompt(ctx context.Context, thread *domain.Thread) (string, error) {
	persona, err := m.personas.Get(ctx, thread.PersonaID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(persona.Instructions)
	if persona.Language != "" {
		b.WriteString("\n\nAlways respond in ")
		b.WriteString(persona.Language)
		b.WriteString(".")
	}

	user, err := m.users.GetByID(ctx, thread.UserID)
	if err != nil {
		return "", err
	}
	if user.CustomInstructions != "" {
		b.WriteString("\n\n")
		b.WriteString(user.CustomInstructions)
	}

	return b.String(), nil
}
