package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/continuum-chat/continuum/internal/domain"
	"github.com/continuum-chat/continuum/internal/knowledge"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type jobEngineMocks struct {
	jobs     *mockJobRepo
	sessions *mockSessionRepo
	messages *mockMessageRepo
	ingestor *mockKnowledge
	cache    *mockCache
	sched    *mockScheduler
	drafts   *mockDraftCreator
}

func newTestJobEngine(now time.Time) (*JobEngine, *jobEngineMocks) {
	m := &jobEngineMocks{
		jobs:     new(mockJobRepo),
		sessions: new(mockSessionRepo),
		messages: new(mockMessageRepo),
		ingestor: new(mockKnowledge),
		cache:    new(mockCache),
		sched:    new(mockScheduler),
		drafts:   new(mockDraftCreator),
	}
	engine := NewJobEngine(m.jobs, m.sessions, m.messages, m.ingestor, m.cache, m.sched, m.drafts, 5, 40)
	engine.now = func() time.Time { return now }
	return engine, m
}

func ingestJobFixture(t *testing.T, sessionID, threadID uuid.UUID) *domain.Job {
	t.Helper()
	job, err := domain.NewIngestJob(uuid.New(), domain.IngestPayload{
		SessionID: sessionID,
		ThreadID:  threadID,
	}, 5)
	require.NoError(t, err)
	return job
}

func closedSessionFixture(knowledge *string) *domain.Session {
	endedAt := time.Now()
	return &domain.Session{
		ID:                  uuid.New(),
		UserID:              uuid.New(),
		ThreadID:            uuid.New(),
		Status:              domain.SessionClosed,
		CachedUserKnowledge: knowledge,
		StartedAt:           endedAt.Add(-time.Hour),
		EndedAt:             &endedAt,
	}
}

func transcriptFixture(sessionID uuid.UUID, n int) []domain.Message {
	msgs := make([]domain.Message, 0, n)
	for i := 0; i < n; i++ {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		msgs = append(msgs, domain.Message{
			ID:        uuid.New(),
			SessionID: sessionID,
			Role:      role,
			Content:   "message content",
			Status:    domain.MessageComplete,
			CreatedAt: time.Now(),
		})
	}
	return msgs
}

func TestEnqueueIngest_SnapshotsStatsAndSchedules(t *testing.T) {
	engine, m := newTestJobEngine(time.Now())
	session := closedSessionFixture(nil)

	m.messages.On("SessionStats", mock.Anything, session.ID).
		Return(&domain.SessionStats{MessageCount: 4, CharCount: 128}, nil)

	var created *domain.Job
	m.jobs.On("Create", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		created = args.Get(1).(*domain.Job)
	}).Return(nil)
	m.sched.On("Schedule", mock.Anything, TaskJobProcess, time.Duration(0), mock.Anything).Return(uuid.New(), nil)

	jobID, err := engine.EnqueueIngest(context.Background(), session)

	require.NoError(t, err)
	require.NotNil(t, created)
	assert.Equal(t, created.ID, jobID)
	assert.Equal(t, domain.JobIngest, created.Type)
	assert.Equal(t, domain.JobPending, created.Status)

	payload, err := created.IngestPayload()
	require.NoError(t, err)
	assert.Equal(t, session.ID, payload.SessionID)
	assert.Equal(t, 4, payload.MessageCount)
	assert.Equal(t, 128, payload.CharCount)
}

func TestProcess_TerminalJobIsNoop(t *testing.T) {
	engine, m := newTestJobEngine(time.Now())
	job := ingestJobFixture(t, uuid.New(), uuid.New())
	job.Status = domain.JobCompleted

	m.jobs.On("Get", mock.Anything, job.ID).Return(job, nil)

	require.NoError(t, engine.Process(context.Background(), job.ID))
	m.jobs.AssertNotCalled(t, "SetProcessing", mock.Anything, mock.Anything)
	m.ingestor.AssertNotCalled(t, "Ingest", mock.Anything, mock.Anything)
}

func TestProcess_MissingSessionStillProducesDraft(t *testing.T) {
	engine, m := newTestJobEngine(time.Now())
	threadID := uuid.New()
	job := ingestJobFixture(t, uuid.New(), threadID)

	m.jobs.On("Get", mock.Anything, job.ID).Return(job, nil)
	m.jobs.On("SetProcessing", mock.Anything, job.ID).Return(nil)
	m.sessions.On("Get", mock.Anything, mock.Anything).Return(nil, domain.ErrNotFound)
	m.drafts.On("CreateDraft", mock.Anything, job.UserID, threadID, (*string)(nil)).Return(nil)
	m.jobs.On("Complete", mock.Anything, job.ID).Return(nil)
	m.cache.On("Invalidate", mock.Anything, job.UserID).Return(nil)

	require.NoError(t, engine.Process(context.Background(), job.ID))
	m.drafts.AssertExpectations(t)
	m.jobs.AssertCalled(t, "Complete", mock.Anything, job.ID)
}

func TestProcess_EmptyTranscriptCarriesKnowledgeForward(t *testing.T) {
	engine, m := newTestJobEngine(time.Now())
	prior := "speaks three languages"
	session := closedSessionFixture(&prior)
	job := ingestJobFixture(t, session.ID, session.ThreadID)

	m.jobs.On("Get", mock.Anything, job.ID).Return(job, nil)
	m.jobs.On("SetProcessing", mock.Anything, job.ID).Return(nil)
	m.sessions.On("Get", mock.Anything, session.ID).Return(session, nil)
	m.messages.On("ListBySession", mock.Anything, session.ID, 0).Return([]domain.Message{}, nil)
	m.drafts.On("CreateDraft", mock.Anything, job.UserID, session.ThreadID, &prior).Return(nil)
	m.jobs.On("Complete", mock.Anything, job.ID).Return(nil)
	m.cache.On("Invalidate", mock.Anything, job.UserID).Return(nil)

	require.NoError(t, engine.Process(context.Background(), job.ID))
	m.ingestor.AssertNotCalled(t, "Ingest", mock.Anything, mock.Anything)
	m.drafts.AssertExpectations(t)
}

func TestProcess_SynchronousCompletionDraftsWithNewKnowledge(t *testing.T) {
	engine, m := newTestJobEngine(time.Now())
	session := closedSessionFixture(nil)
	job := ingestJobFixture(t, session.ID, session.ThreadID)

	m.jobs.On("Get", mock.Anything, job.ID).Return(job, nil)
	m.jobs.On("SetProcessing", mock.Anything, job.ID).Return(nil)
	m.sessions.On("Get", mock.Anything, session.ID).Return(session, nil)
	m.messages.On("ListBySession", mock.Anything, session.ID, 0).Return(transcriptFixture(session.ID, 4), nil)
	m.ingestor.On("Ingest", mock.Anything, mock.Anything).Return(&knowledge.IngestResponse{
		Status:                   knowledge.StatusCompleted,
		UserKnowledgeCompilation: "enjoys hiking",
	}, nil)

	compiled := "enjoys hiking"
	m.drafts.On("CreateDraft", mock.Anything, job.UserID, session.ThreadID, &compiled).Return(nil)
	m.jobs.On("Complete", mock.Anything, job.ID).Return(nil)
	m.cache.On("Invalidate", mock.Anything, job.UserID).Return(nil)

	require.NoError(t, engine.Process(context.Background(), job.ID))
	m.drafts.AssertExpectations(t)
	m.cache.AssertExpectations(t)
}

func TestProcess_SkippedResponseKeepsPriorKnowledge(t *testing.T) {
	engine, m := newTestJobEngine(time.Now())
	prior := "plays the cello"
	session := closedSessionFixture(&prior)
	job := ingestJobFixture(t, session.ID, session.ThreadID)

	m.jobs.On("Get", mock.Anything, job.ID).Return(job, nil)
	m.jobs.On("SetProcessing", mock.Anything, job.ID).Return(nil)
	m.sessions.On("Get", mock.Anything, session.ID).Return(session, nil)
	m.messages.On("ListBySession", mock.Anything, session.ID, 0).Return(transcriptFixture(session.ID, 2), nil)
	m.ingestor.On("Ingest", mock.Anything, mock.Anything).Return(&knowledge.IngestResponse{Status: knowledge.StatusSkipped}, nil)
	m.drafts.On("CreateDraft", mock.Anything, job.UserID, session.ThreadID, &prior).Return(nil)
	m.jobs.On("Complete", mock.Anything, job.ID).Return(nil)
	m.cache.On("Invalidate", mock.Anything, job.UserID).Return(nil)

	require.NoError(t, engine.Process(context.Background(), job.ID))
	m.drafts.AssertExpectations(t)
}

func TestProcess_AcceptedJobSwitchesToPolling(t *testing.T) {
	engine, m := newTestJobEngine(time.Now())
	session := closedSessionFixture(nil)
	job := ingestJobFixture(t, session.ID, session.ThreadID)

	m.jobs.On("Get", mock.Anything, job.ID).Return(job, nil)
	m.jobs.On("SetProcessing", mock.Anything, job.ID).Return(nil)
	m.sessions.On("Get", mock.Anything, session.ID).Return(session, nil)
	m.messages.On("ListBySession", mock.Anything, session.ID, 0).Return(transcriptFixture(session.ID, 6), nil)
	m.ingestor.On("Ingest", mock.Anything, mock.Anything).Return(&knowledge.IngestResponse{
		JobID:  "remote-42",
		Status: knowledge.StatusProcessing,
	}, nil)
	m.jobs.On("UpdatePolling", mock.Anything, job.ID, "remote-42", 0).Return(nil)
	m.sched.On("Schedule", mock.Anything, TaskJobPoll, 15*time.Second, jobTaskPayload{JobID: job.ID}).Return(uuid.New(), nil)

	require.NoError(t, engine.Process(context.Background(), job.ID))
	m.jobs.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
	m.drafts.AssertNotCalled(t, "CreateDraft", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	m.sched.AssertExpectations(t)
}

func TestProcess_RetryableFailureSchedulesBackoff(t *testing.T) {
	now := time.Now()
	engine, m := newTestJobEngine(now)
	session := closedSessionFixture(nil)
	job := ingestJobFixture(t, session.ID, session.ThreadID)

	m.jobs.On("Get", mock.Anything, job.ID).Return(job, nil)
	m.jobs.On("SetProcessing", mock.Anything, job.ID).Return(nil)
	m.sessions.On("Get", mock.Anything, session.ID).Return(session, nil)
	m.messages.On("ListBySession", mock.Anything, session.ID, 0).Return(transcriptFixture(session.ID, 2), nil)
	m.ingestor.On("Ingest", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused"))

	m.jobs.On("RecordFailure", mock.Anything, job.ID, 1, "connection refused", now.Add(time.Minute)).Return(nil)
	m.sched.On("Schedule", mock.Anything, TaskJobProcess, time.Minute, jobTaskPayload{JobID: job.ID}).Return(uuid.New(), nil)

	require.NoError(t, engine.Process(context.Background(), job.ID))
	m.jobs.AssertExpectations(t)
	m.jobs.AssertNotCalled(t, "Fail", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProcess_FinalAttemptFailsWithFallbackDraft(t *testing.T) {
	engine, m := newTestJobEngine(time.Now())
	prior := "allergic to peanuts"
	session := closedSessionFixture(&prior)
	job := ingestJobFixture(t, session.ID, session.ThreadID)
	job.Attempts = 4 // next failure is the fifth and last

	m.jobs.On("Get", mock.Anything, job.ID).Return(job, nil)
	m.jobs.On("SetProcessing", mock.Anything, job.ID).Return(nil)
	m.sessions.On("Get", mock.Anything, session.ID).Return(session, nil)
	m.messages.On("ListBySession", mock.Anything, session.ID, 0).Return(transcriptFixture(session.ID, 2), nil)
	m.ingestor.On("Ingest", mock.Anything, mock.Anything).Return(nil, errors.New("service unavailable"))

	// The fifth failure is charged before the job turns terminal, so the stored
	// row ends at attempts == maxAttempts.
	m.jobs.On("Fail", mock.Anything, job.ID, 5, "service unavailable").Return(nil)
	m.drafts.On("CreateDraft", mock.Anything, job.UserID, session.ThreadID, &prior).Return(nil)

	require.NoError(t, engine.Process(context.Background(), job.ID))
	m.jobs.AssertExpectations(t)
	m.drafts.AssertExpectations(t)
	m.jobs.AssertNotCalled(t, "RecordFailure", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProcess_NonRetryableErrorFailsImmediately(t *testing.T) {
	engine, m := newTestJobEngine(time.Now())
	session := closedSessionFixture(nil)
	job := ingestJobFixture(t, session.ID, session.ThreadID)

	m.jobs.On("Get", mock.Anything, job.ID).Return(job, nil)
	m.jobs.On("SetProcessing", mock.Anything, job.ID).Return(nil)
	m.sessions.On("Get", mock.Anything, session.ID).Return(session, nil)
	m.messages.On("ListBySession", mock.Anything, session.ID, 0).Return(transcriptFixture(session.ID, 2), nil)
	m.ingestor.On("Ingest", mock.Anything, mock.Anything).Return(nil, knowledge.ErrMissingSecret)

	m.jobs.On("Fail", mock.Anything, job.ID, 1, mock.Anything).Return(nil)
	m.drafts.On("CreateDraft", mock.Anything, job.UserID, session.ThreadID, (*string)(nil)).Return(nil)

	require.NoError(t, engine.Process(context.Background(), job.ID))
	m.jobs.AssertNotCalled(t, "RecordFailure", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	m.sched.AssertNotCalled(t, "Schedule", mock.Anything, TaskJobProcess, mock.Anything, mock.Anything)
}

func TestProcess_CorrectionRunsSynchronously(t *testing.T) {
	engine, m := newTestJobEngine(time.Now())
	job, err := domain.NewCorrectionJob(uuid.New(), domain.CorrectionPayload{Text: "My sister's name is June, not Jane"}, 5)
	require.NoError(t, err)

	m.jobs.On("Get", mock.Anything, job.ID).Return(job, nil)
	m.jobs.On("SetProcessing", mock.Anything, job.ID).Return(nil)
	m.ingestor.On("Correction", mock.Anything, job.UserID, "My sister's name is June, not Jane").Return(nil)
	m.jobs.On("Complete", mock.Anything, job.ID).Return(nil)
	m.cache.On("Invalidate", mock.Anything, job.UserID).Return(nil)

	require.NoError(t, engine.Process(context.Background(), job.ID))
	m.ingestor.AssertExpectations(t)
	m.drafts.AssertNotCalled(t, "CreateDraft", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestBackoffDelays_AreMonotonicAndClamped(t *testing.T) {
	prev := time.Duration(-1)
	for attempt := 0; attempt < 10; attempt++ {
		delay := backoffDelay(attempt)
		assert.GreaterOrEqual(t, delay, prev, "attempt %d", attempt)
		prev = delay
	}
	assert.Equal(t, time.Hour, backoffDelay(100))

	prev = time.Duration(-1)
	for poll := 0; poll < 10; poll++ {
		delay := pollDelay(poll)
		assert.GreaterOrEqual(t, delay, prev, "poll %d", poll)
		prev = delay
	}
	assert.Equal(t, time.Minute, pollDelay(100))
}

func TestPoll_CompletedJobDraftsWithCompiledKnowledge(t *testing.T) {
	engine, m := newTestJobEngine(time.Now())
	session := closedSessionFixture(nil)
	job := ingestJobFixture(t, session.ID, session.ThreadID)
	remote := "remote-7"
	job.Status = domain.JobProcessing
	job.RemoteJobID = &remote

	m.jobs.On("Get", mock.Anything, job.ID).Return(job, nil)
	m.ingestor.On("IngestStatus", mock.Anything, remote).Return(&knowledge.IngestStatusResponse{
		Status:                   knowledge.StatusCompleted,
		UserKnowledgeCompilation: "K",
	}, nil)

	compiled := "K"
	m.drafts.On("CreateDraft", mock.Anything, job.UserID, session.ThreadID, &compiled).Return(nil)
	m.jobs.On("Complete", mock.Anything, job.ID).Return(nil)
	m.cache.On("Invalidate", mock.Anything, job.UserID).Return(nil)

	require.NoError(t, engine.Poll(context.Background(), job.ID))
	m.drafts.AssertExpectations(t)
}

func TestPoll_StillProcessingSchedulesNextPoll(t *testing.T) {
	engine, m := newTestJobEngine(time.Now())
	job := ingestJobFixture(t, uuid.New(), uuid.New())
	remote := "remote-7"
	job.Status = domain.JobProcessing
	job.RemoteJobID = &remote
	job.PollAttempts = 1

	m.jobs.On("Get", mock.Anything, job.ID).Return(job, nil)
	m.ingestor.On("IngestStatus", mock.Anything, remote).Return(&knowledge.IngestStatusResponse{
		Status: knowledge.StatusProcessing,
	}, nil)
	m.jobs.On("UpdatePolling", mock.Anything, job.ID, remote, 2).Return(nil)
	m.sched.On("Schedule", mock.Anything, TaskJobPoll, time.Minute, jobTaskPayload{JobID: job.ID}).Return(uuid.New(), nil)

	require.NoError(t, engine.Poll(context.Background(), job.ID))
	m.sched.AssertExpectations(t)
}

func TestPoll_TransportErrorCountsAsStillProcessing(t *testing.T) {
	engine, m := newTestJobEngine(time.Now())
	job := ingestJobFixture(t, uuid.New(), uuid.New())
	remote := "remote-7"
	job.Status = domain.JobProcessing
	job.RemoteJobID = &remote

	m.jobs.On("Get", mock.Anything, job.ID).Return(job, nil)
	m.ingestor.On("IngestStatus", mock.Anything, remote).Return(nil, errors.New("timeout"))
	m.jobs.On("UpdatePolling", mock.Anything, job.ID, remote, 1).Return(nil)
	m.sched.On("Schedule", mock.Anything, TaskJobPoll, 30*time.Second, mock.Anything).Return(uuid.New(), nil)

	require.NoError(t, engine.Poll(context.Background(), job.ID))
	m.jobs.AssertNotCalled(t, "Fail", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestPoll_UnknownRemoteJobResubmits(t *testing.T) {
	engine, m := newTestJobEngine(time.Now())
	job := ingestJobFixture(t, uuid.New(), uuid.New())
	remote := "remote-7"
	job.Status = domain.JobProcessing
	job.RemoteJobID = &remote

	m.jobs.On("Get", mock.Anything, job.ID).Return(job, nil)
	m.ingestor.On("IngestStatus", mock.Anything, remote).Return(nil, knowledge.ErrUnknownJob)
	m.sched.On("Schedule", mock.Anything, TaskJobProcess, time.Duration(0), jobTaskPayload{JobID: job.ID}).Return(uuid.New(), nil)

	require.NoError(t, engine.Poll(context.Background(), job.ID))
	m.sched.AssertExpectations(t)
}

func TestPoll_ExhaustionFailsWithFallbackDraft(t *testing.T) {
	engine, m := newTestJobEngine(time.Now())
	prior := "has two cats"
	session := closedSessionFixture(&prior)
	job := ingestJobFixture(t, session.ID, session.ThreadID)
	remote := "remote-7"
	job.Status = domain.JobProcessing
	job.RemoteJobID = &remote
	job.PollAttempts = 39

	m.jobs.On("Get", mock.Anything, job.ID).Return(job, nil)
	m.ingestor.On("IngestStatus", mock.Anything, remote).Return(&knowledge.IngestStatusResponse{
		Status: knowledge.StatusProcessing,
	}, nil)
	m.jobs.On("Fail", mock.Anything, job.ID, job.Attempts, mock.Anything).Return(nil)
	m.sessions.On("Get", mock.Anything, session.ID).Return(session, nil)
	m.drafts.On("CreateDraft", mock.Anything, job.UserID, session.ThreadID, &prior).Return(nil)

	require.NoError(t, engine.Poll(context.Background(), job.ID))
	m.drafts.AssertExpectations(t)
	m.jobs.AssertNotCalled(t, "UpdatePolling", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestPoll_RemoteFailureFailsJob(t *testing.T) {
	engine, m := newTestJobEngine(time.Now())
	session := closedSessionFixture(nil)
	job := ingestJobFixture(t, session.ID, session.ThreadID)
	remote := "remote-7"
	job.Status = domain.JobProcessing
	job.RemoteJobID = &remote

	m.jobs.On("Get", mock.Anything, job.ID).Return(job, nil)
	m.ingestor.On("IngestStatus", mock.Anything, remote).Return(&knowledge.IngestStatusResponse{
		Status: knowledge.StatusFailed,
		Error:  "extraction crashed",
	}, nil)
	m.jobs.On("Fail", mock.Anything, job.ID, job.Attempts, "extraction crashed").Return(nil)
	m.sessions.On("Get", mock.Anything, session.ID).Return(session, nil)
	m.drafts.On("CreateDraft", mock.Anything, job.UserID, session.ThreadID, (*string)(nil)).Return(nil)

	require.NoError(t, engine.Poll(context.Background(), job.ID))
	m.drafts.AssertExpectations(t)
}

func TestRetry_RequiresFailedState(t *testing.T) {
	engine, m := newTestJobEngine(time.Now())
	jobID := uuid.New()
	m.jobs.On("ResetForRetry", mock.Anything, jobID).Return(domain.ErrConflict)

	err := engine.Retry(context.Background(), jobID)

	assert.ErrorIs(t, err, domain.ErrConflict)
	m.sched.AssertNotCalled(t, "Schedule", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRetry_SchedulesImmediateAttempt(t *testing.T) {
	engine, m := newTestJobEngine(time.Now())
	jobID := uuid.New()
	m.jobs.On("ResetForRetry", mock.Anything, jobID).Return(nil)
	m.sched.On("Schedule", mock.Anything, TaskJobProcess, time.Duration(0), jobTaskPayload{JobID: jobID}).Return(uuid.New(), nil)

	require.NoError(t, engine.Retry(context.Background(), jobID))
	m.sched.AssertExpectations(t)
}
