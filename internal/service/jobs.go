package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/continuum-chat/continuum/internal/domain"
	"github.com/continuum-chat/continuum/internal/knowledge"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// KnowledgeIngestor is the slice of the knowledge client the job engine
// consumes.
type KnowledgeIngestor interface {
	Ingest(ctx context.Context, req knowledge.IngestRequest) (*knowledge.IngestResponse, error)
	IngestStatus(ctx context.Context, jobID string) (*knowledge.IngestStatusResponse, error)
	Correction(ctx context.Context, userID uuid.UUID, text string) error
}

// DraftCreator materializes the follow-up session once ingestion settles.
// Implemented by SessionManager.
type DraftCreator interface {
	CreateDraft(ctx context.Context, userID, threadID uuid.UUID, knowledge *string) error
}

// Retry delays indexed by attempt number: an immediate first attempt, then
// progressively longer waits. Attempts beyond the table reuse the last entry.
var retryBackoff = []time.Duration{
	0,
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
}

// Poll delays indexed by poll attempt. Polling is cheap, so the cadence grows
// linearly rather than exponentially.
var pollDelays = []time.Duration{
	15 * time.Second,
	30 * time.Second,
	time.Minute,
}

// JobEngine runs background knowledge jobs: transcript ingestion and graph
// corrections, with retry, remote polling and the fallback-draft guarantee.
type JobEngine struct {
	jobs      domain.JobRepository
	sessions  domain.SessionRepository
	messages  domain.MessageRepository
	ingestor  KnowledgeIngestor
	cache     KnowledgeCache
	sched     TaskScheduler
	drafts    DraftCreator

	maxAttempts     int
	maxPollAttempts int
	now             func() time.Time
}

// NewJobEngine creates a new background job engine
func NewJobEngine(
	jobs domain.JobRepository,
	sessions domain.SessionRepository,
	messages domain.MessageRepository,
	ingestor KnowledgeIngestor,
	cache KnowledgeCache,
	sched TaskScheduler,
	drafts DraftCreator,
	maxAttempts, maxPollAttempts int,
) *JobEngine {
	return &JobEngine{
		jobs:            jobs,
		sessions:        sessions,
		messages:        messages,
		ingestor:        ingestor,
		cache:           cache,
		sched:           sched,
		drafts:          drafts,
		maxAttempts:     maxAttempts,
		maxPollAttempts: maxPollAttempts,
		now:             time.Now,
	}
}

// GetJob returns a job by id.
func (e *JobEngine) GetJob(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	return e.jobs.Get(ctx, id)
}

// ListJobs returns a user's jobs, newest first.
func (e *JobEngine) ListJobs(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Job, error) {
	return e.jobs.ListByUser(ctx, userID, limit, offset)
}

// EnqueueIngest records an ingestion job for a closed session and schedules
// its first processing attempt immediately.
func (e *JobEngine) EnqueueIngest(ctx context.Context, session *domain.Session) (uuid.UUID, error) {
	stats, err := e.messages.SessionStats(ctx, session.ID)
	if err != nil {
		// Stats are informational; an empty snapshot must not block ingestion.
		log.Warn().Err(err).Str("session_id", session.ID.String()).Msg("failed to compute session stats")
		stats = &domain.SessionStats{}
	}

	job, err := domain.NewIngestJob(session.UserID, domain.IngestPayload{
		SessionID:    session.ID,
		ThreadID:     session.ThreadID,
		MessageCount: stats.MessageCount,
		CharCount:    stats.CharCount,
	}, e.maxAttempts)
	if err != nil {
		return uuid.Nil, err
	}

	if err := e.jobs.Create(ctx, job); err != nil {
		return uuid.Nil, err
	}
	if _, err := e.sched.Schedule(ctx, TaskJobProcess, 0, jobTaskPayload{JobID: job.ID}); err != nil {
		return uuid.Nil, err
	}

	log.Info().
		Str("job_id", job.ID.String()).
		Str("session_id", session.ID.String()).
		Int("message_count", stats.MessageCount).
		Msg("enqueued ingest job")
	return job.ID, nil
}

// EnqueueCorrection records a graph-correction job and schedules it.
func (e *JobEngine) EnqueueCorrection(ctx context.Context, userID uuid.UUID, text string) (uuid.UUID, error) {
	job, err := domain.NewCorrectionJob(userID, domain.CorrectionPayload{Text: text}, e.maxAttempts)
	if err != nil {
		return uuid.Nil, err
	}

	if err := e.jobs.Create(ctx, job); err != nil {
		return uuid.Nil, err
	}
	if _, err := e.sched.Schedule(ctx, TaskJobProcess, 0, jobTaskPayload{JobID: job.ID}); err != nil {
		return uuid.Nil, err
	}
	return job.ID, nil
}

// Retry resets a failed job and schedules it immediately. Returns
// domain.ErrConflict if the job is not in a failed state.
func (e *JobEngine) Retry(ctx context.Context, jobID uuid.UUID) error {
	if err := e.jobs.ResetForRetry(ctx, jobID); err != nil {
		return err
	}
	if _, err := e.sched.Schedule(ctx, TaskJobProcess, 0, jobTaskPayload{JobID: jobID}); err != nil {
		return err
	}
	log.Info().Str("job_id", jobID.String()).Msg("retrying job")
	return nil
}

// Process runs one attempt of a job. Terminal jobs are skipped, so a stale or
// duplicate task invocation is harmless. Handler errors are absorbed into the
// job's retry state rather than propagated.
func (e *JobEngine) Process(ctx context.Context, jobID uuid.UUID) error {
	job, err := e.jobs.Get(ctx, jobID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}

	if err := e.jobs.SetProcessing(ctx, job.ID); err != nil {
		return err
	}

	finished, err := e.dispatch(ctx, job)
	if err != nil {
		e.recordFailure(ctx, job, err)
		return nil
	}
	if finished {
		e.complete(ctx, job)
	}
	return nil
}

// Poll checks a long-running remote ingest job. Transport and parse failures
// are treated as "still processing": the remote job may well be fine, so the
// next poll gets to decide.
func (e *JobEngine) Poll(ctx context.Context, jobID uuid.UUID) error {
	job, err := e.jobs.Get(ctx, jobID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}

	if job.RemoteJobID == nil {
		// Never left the submission phase; run processing again.
		_, err := e.sched.Schedule(ctx, TaskJobProcess, 0, jobTaskPayload{JobID: job.ID})
		return err
	}

	status, err := e.ingestor.IngestStatus(ctx, *job.RemoteJobID)
	if errors.Is(err, knowledge.ErrUnknownJob) {
		// The service lost the job (restart, eviction). Resubmit from scratch.
		log.Warn().Str("job_id", job.ID.String()).Str("remote_job_id", *job.RemoteJobID).Msg("remote job unknown, resubmitting")
		_, err := e.sched.Schedule(ctx, TaskJobProcess, 0, jobTaskPayload{JobID: job.ID})
		return err
	}
	if err != nil {
		log.Warn().Err(err).Str("job_id", job.ID.String()).Msg("poll failed, will poll again")
		e.scheduleNextPoll(ctx, job)
		return nil
	}

	switch status.Status {
	case knowledge.StatusCompleted:
		e.finishIngest(ctx, job, status.UserKnowledgeCompilation)
	case knowledge.StatusFailed:
		msg := status.Error
		if msg == "" {
			msg = "remote ingestion failed"
		}
		// Remote failures are not local attempts; the counter stays put.
		e.fail(ctx, job, job.Attempts, msg)
	default:
		e.scheduleNextPoll(ctx, job)
	}
	return nil
}

func (e *JobEngine) dispatch(ctx context.Context, job *domain.Job) (bool, error) {
	switch job.Type {
	case domain.JobIngest:
		return e.processIngest(ctx, job)
	case domain.JobCorrection:
		return e.processCorrection(ctx, job)
	default:
		return false, fmt.Errorf("unknown job type %q", job.Type)
	}
}

func (e *JobEngine) processIngest(ctx context.Context, job *domain.Job) (bool, error) {
	payload, err := job.IngestPayload()
	if err != nil {
		return false, err
	}

	session, err := e.sessions.Get(ctx, payload.SessionID)
	if errors.Is(err, domain.ErrNotFound) {
		// Session gone; nothing to compile, but the thread still needs its
		// follow-up session.
		e.createDraft(ctx, job.UserID, payload.ThreadID, nil)
		return true, nil
	}
	if err != nil {
		return false, err
	}

	msgs, err := e.messages.ListBySession(ctx, session.ID, 0)
	if err != nil {
		return false, err
	}
	if len(msgs) == 0 {
		e.createDraft(ctx, job.UserID, payload.ThreadID, session.CachedUserKnowledge)
		return true, nil
	}

	transcript := make([]knowledge.TranscriptMessage, 0, len(msgs))
	for _, m := range msgs {
		transcript = append(transcript, knowledge.TranscriptMessage{
			Role:      string(m.Role),
			Content:   m.Content,
			Timestamp: m.CreatedAt,
		})
	}

	resp, err := e.ingestor.Ingest(ctx, knowledge.IngestRequest{
		JobID:     job.ID.String(),
		UserID:    job.UserID,
		SessionID: session.ID,
		Messages:  transcript,
		Metadata: knowledge.IngestMetadata{
			SessionStartedAt: session.StartedAt,
			SessionEndedAt:   session.EndedAt,
			MessageCount:     len(msgs),
		},
	})
	if err != nil {
		return false, err
	}

	switch resp.Status {
	case knowledge.StatusProcessing:
		remoteID := resp.JobID
		if remoteID == "" {
			remoteID = job.ID.String()
		}
		if err := e.jobs.UpdatePolling(ctx, job.ID, remoteID, 0); err != nil {
			return false, err
		}
		if _, err := e.sched.Schedule(ctx, TaskJobPoll, pollDelay(0), jobTaskPayload{JobID: job.ID}); err != nil {
			return false, err
		}
		return false, nil
	case knowledge.StatusSkipped:
		// Too little material to compile; carry the previous knowledge forward.
		e.createDraft(ctx, job.UserID, payload.ThreadID, session.CachedUserKnowledge)
		return true, nil
	default:
		// Completed within the round trip.
		e.draftWithCompilation(ctx, job, resp.UserKnowledgeCompilation)
		return true, nil
	}
}

func (e *JobEngine) processCorrection(ctx context.Context, job *domain.Job) (bool, error) {
	payload, err := job.CorrectionPayload()
	if err != nil {
		return false, err
	}
	if err := e.ingestor.Correction(ctx, job.UserID, payload.Text); err != nil {
		return false, err
	}
	return true, nil
}

// recordFailure increments the attempt counter and either schedules the next
// retry from the backoff table or marks the job permanently failed.
func (e *JobEngine) recordFailure(ctx context.Context, job *domain.Job, cause error) {
	attempts := job.Attempts + 1
	if !knowledge.IsRetryable(cause) || attempts >= job.MaxAttempts {
		e.fail(ctx, job, attempts, cause.Error())
		return
	}

	delay := backoffDelay(attempts)
	nextRetry := e.now().Add(delay)
	if err := e.jobs.RecordFailure(ctx, job.ID, attempts, cause.Error(), nextRetry); err != nil {
		log.Error().Err(err).Str("job_id", job.ID.String()).Msg("failed to record job failure")
		return
	}
	if _, err := e.sched.Schedule(ctx, TaskJobProcess, delay, jobTaskPayload{JobID: job.ID}); err != nil {
		log.Error().Err(err).Str("job_id", job.ID.String()).Msg("failed to schedule retry")
		return
	}

	log.Warn().
		Err(cause).
		Str("job_id", job.ID.String()).
		Int("attempts", attempts).
		Dur("retry_in", delay).
		Msg("job attempt failed")
}

// fail marks the job permanently failed, persisting the attempt count the
// failure was charged against. Ingest jobs still get their fallback draft: the
// thread must never be left without a follow-up session.
func (e *JobEngine) fail(ctx context.Context, job *domain.Job, attempts int, msg string) {
	if err := e.jobs.Fail(ctx, job.ID, attempts, msg); err != nil {
		log.Error().Err(err).Str("job_id", job.ID.String()).Msg("failed to mark job failed")
	}
	log.Error().Str("job_id", job.ID.String()).Str("type", string(job.Type)).Str("error", msg).Msg("job failed permanently")

	if job.Type != domain.JobIngest {
		return
	}
	payload, err := job.IngestPayload()
	if err != nil {
		log.Error().Err(err).Str("job_id", job.ID.String()).Msg("cannot decode payload for fallback draft")
		return
	}
	var inherited *string
	if session, serr := e.sessions.Get(ctx, payload.SessionID); serr == nil {
		inherited = session.CachedUserKnowledge
	}
	e.createDraft(ctx, job.UserID, payload.ThreadID, inherited)
}

func (e *JobEngine) complete(ctx context.Context, job *domain.Job) {
	if err := e.jobs.Complete(ctx, job.ID); err != nil {
		log.Error().Err(err).Str("job_id", job.ID.String()).Msg("failed to mark job completed")
		return
	}
	e.invalidateCache(ctx, job.UserID)
	log.Info().Str("job_id", job.ID.String()).Str("type", string(job.Type)).Msg("job completed")
}

// finishIngest completes a polled ingest job with its compiled knowledge.
func (e *JobEngine) finishIngest(ctx context.Context, job *domain.Job, compilation string) {
	e.draftWithCompilation(ctx, job, compilation)
	e.complete(ctx, job)
}

func (e *JobEngine) draftWithCompilation(ctx context.Context, job *domain.Job, compilation string) {
	payload, err := job.IngestPayload()
	if err != nil {
		log.Error().Err(err).Str("job_id", job.ID.String()).Msg("cannot decode payload for draft")
		return
	}
	var knowledgePtr *string
	if compilation != "" {
		knowledgePtr = &compilation
	} else if session, serr := e.sessions.Get(ctx, payload.SessionID); serr == nil {
		knowledgePtr = session.CachedUserKnowledge
	}
	e.createDraft(ctx, job.UserID, payload.ThreadID, knowledgePtr)
}

func (e *JobEngine) scheduleNextPoll(ctx context.Context, job *domain.Job) {
	polls := job.PollAttempts + 1
	if polls >= e.maxPollAttempts {
		e.fail(ctx, job, job.Attempts, fmt.Sprintf("remote ingestion did not finish after %d polls", polls))
		return
	}

	remoteID := ""
	if job.RemoteJobID != nil {
		remoteID = *job.RemoteJobID
	}
	if err := e.jobs.UpdatePolling(ctx, job.ID, remoteID, polls); err != nil {
		log.Error().Err(err).Str("job_id", job.ID.String()).Msg("failed to record poll attempt")
		return
	}
	if _, err := e.sched.Schedule(ctx, TaskJobPoll, pollDelay(polls), jobTaskPayload{JobID: job.ID}); err != nil {
		log.Error().Err(err).Str("job_id", job.ID.String()).Msg("failed to schedule poll")
	}
}

func (e *JobEngine) createDraft(ctx context.Context, userID, threadID uuid.UUID, knowledge *string) {
	if err := e.drafts.CreateDraft(ctx, userID, threadID, knowledge); err != nil {
		log.Error().Err(err).Str("thread_id", threadID.String()).Msg("failed to create draft session")
	}
}

func (e *JobEngine) invalidateCache(ctx context.Context, userID uuid.UUID) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Invalidate(ctx, userID); err != nil {
		log.Warn().Err(err).Str("user_id", userID.String()).Msg("failed to invalidate knowledge cache")
	}
}

func backoffDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(retryBackoff) {
		return retryBackoff[len(retryBackoff)-1]
	}
	return retryBackoff[attempt]
}

func pollDelay(poll int) time.Duration {
	if poll < 0 {
		poll = 0
	}
	if poll >= len(pollDelays) {
		return pollDelays[len(pollDelays)-1]
	}
	return pollDelays[poll]
}
