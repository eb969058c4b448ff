package service

import (
	"context"
	"io"
	"time"

	"github.com/continuum-chat/continuum/internal/domain"
	"github.com/continuum-chat/continuum/internal/knowledge"
	"github.com/continuum-chat/continuum/internal/llm"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

type mockSessionRepo struct {
	mock.Mock
}

func (m *mockSessionRepo) Create(ctx context.Context, session *domain.Session) error {
	args := m.Called(ctx, session)
	return args.Error(0)
}

func (m *mockSessionRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Session), args.Error(1)
}

func (m *mockSessionRepo) GetLiveByThread(ctx context.Context, threadID uuid.UUID) (*domain.Session, error) {
	args := m.Called(ctx, threadID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Session), args.Error(1)
}

func (m *mockSessionRepo) ListByThread(ctx context.Context, threadID uuid.UUID, limit, offset int) ([]domain.Session, error) {
	args := m.Called(ctx, threadID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Session), args.Error(1)
}

func (m *mockSessionRepo) Transition(ctx context.Context, id uuid.UUID, from, to domain.SessionStatus) error {
	args := m.Called(ctx, id, from, to)
	return args.Error(0)
}

func (m *mockSessionRepo) Close(ctx context.Context, id uuid.UUID, from domain.SessionStatus, endedAt time.Time) error {
	args := m.Called(ctx, id, from, endedAt)
	return args.Error(0)
}

func (m *mockSessionRepo) Touch(ctx context.Context, id uuid.UUID, lastMessageAt time.Time, autoCloseTaskID *uuid.UUID) error {
	args := m.Called(ctx, id, lastMessageAt, autoCloseTaskID)
	return args.Error(0)
}

func (m *mockSessionRepo) SetKnowledge(ctx context.Context, id uuid.UUID, knowledge string) error {
	args := m.Called(ctx, id, knowledge)
	return args.Error(0)
}

func (m *mockSessionRepo) ClearAutoCloseTask(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

type mockThreadRepo struct {
	mock.Mock
}

func (m *mockThreadRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Thread, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Thread), args.Error(1)
}

func (m *mockThreadRepo) TouchUpdatedAt(ctx context.Context, id uuid.UUID, at time.Time) error {
	args := m.Called(ctx, id, at)
	return args.Error(0)
}

type mockPersonaRepo struct {
	mock.Mock
}

func (m *mockPersonaRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Persona, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Persona), args.Error(1)
}

type mockUserRepo struct {
	mock.Mock
}

func (m *mockUserRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.User), args.Error(1)
}

type mockMessageRepo struct {
	mock.Mock
}

func (m *mockMessageRepo) Create(ctx context.Context, message *domain.Message) error {
	args := m.Called(ctx, message)
	return args.Error(0)
}

func (m *mockMessageRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Message, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Message), args.Error(1)
}

func (m *mockMessageRepo) ListBySession(ctx context.Context, sessionID uuid.UUID, limit int) ([]domain.Message, error) {
	args := m.Called(ctx, sessionID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Message), args.Error(1)
}

func (m *mockMessageRepo) SessionStats(ctx context.Context, sessionID uuid.UUID) (*domain.SessionStats, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.SessionStats), args.Error(1)
}

func (m *mockMessageRepo) UpdateContent(ctx context.Context, id uuid.UUID, content string) error {
	args := m.Called(ctx, id, content)
	return args.Error(0)
}

func (m *mockMessageRepo) Finalize(ctx context.Context, id uuid.UUID, content string, metadata map[string]any) error {
	args := m.Called(ctx, id, content, metadata)
	return args.Error(0)
}

func (m *mockMessageRepo) MarkError(ctx context.Context, id uuid.UUID, content string, metadata map[string]any) error {
	args := m.Called(ctx, id, content, metadata)
	return args.Error(0)
}

type mockJobRepo struct {
	mock.Mock
}

func (m *mockJobRepo) Create(ctx context.Context, job *domain.Job) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}

func (m *mockJobRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Job), args.Error(1)
}

func (m *mockJobRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Job, error) {
	args := m.Called(ctx, userID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Job), args.Error(1)
}

func (m *mockJobRepo) SetProcessing(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *mockJobRepo) Complete(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *mockJobRepo) Fail(ctx context.Context, id uuid.UUID, attempts int, lastError string) error {
	args := m.Called(ctx, id, attempts, lastError)
	return args.Error(0)
}

func (m *mockJobRepo) RecordFailure(ctx context.Context, id uuid.UUID, attempts int, lastError string, nextRetryAt time.Time) error {
	args := m.Called(ctx, id, attempts, lastError, nextRetryAt)
	return args.Error(0)
}

func (m *mockJobRepo) UpdatePolling(ctx context.Context, id uuid.UUID, remoteJobID string, pollAttempts int) error {
	args := m.Called(ctx, id, remoteJobID, pollAttempts)
	return args.Error(0)
}

func (m *mockJobRepo) ResetForRetry(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

type mockScheduler struct {
	mock.Mock
}

func (m *mockScheduler) Schedule(ctx context.Context, name string, delay time.Duration, payload any) (uuid.UUID, error) {
	args := m.Called(ctx, name, delay, payload)
	return args.Get(0).(uuid.UUID), args.Error(1)
}

func (m *mockScheduler) Cancel(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

type mockKnowledge struct {
	mock.Mock
}

func (m *mockKnowledge) Hydrate(ctx context.Context, userID uuid.UUID) (string, error) {
	args := m.Called(ctx, userID)
	return args.String(0), args.Error(1)
}

func (m *mockKnowledge) Ingest(ctx context.Context, req knowledge.IngestRequest) (*knowledge.IngestResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*knowledge.IngestResponse), args.Error(1)
}

func (m *mockKnowledge) IngestStatus(ctx context.Context, jobID string) (*knowledge.IngestStatusResponse, error) {
	args := m.Called(ctx, jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*knowledge.IngestStatusResponse), args.Error(1)
}

func (m *mockKnowledge) Correction(ctx context.Context, userID uuid.UUID, text string) error {
	args := m.Called(ctx, userID, text)
	return args.Error(0)
}

type mockCache struct {
	mock.Mock
}

func (m *mockCache) Get(ctx context.Context, userID uuid.UUID) (string, bool) {
	args := m.Called(ctx, userID)
	return args.String(0), args.Bool(1)
}

func (m *mockCache) Set(ctx context.Context, userID uuid.UUID, compilation string) error {
	args := m.Called(ctx, userID, compilation)
	return args.Error(0)
}

func (m *mockCache) Invalidate(ctx context.Context, userID uuid.UUID) error {
	args := m.Called(ctx, userID)
	return args.Error(0)
}

type mockDraftCreator struct {
	mock.Mock
}

func (m *mockDraftCreator) CreateDraft(ctx context.Context, userID, threadID uuid.UUID, knowledge *string) error {
	args := m.Called(ctx, userID, threadID, knowledge)
	return args.Error(0)
}

type mockIngestEnqueuer struct {
	mock.Mock
}

func (m *mockIngestEnqueuer) EnqueueIngest(ctx context.Context, session *domain.Session) (uuid.UUID, error) {
	args := m.Called(ctx, session)
	return args.Get(0).(uuid.UUID), args.Error(1)
}

// fakeStream replays a scripted sequence of chunks, then an optional error,
// then EOF.
type fakeStream struct {
	chunks []llm.Chunk
	err    error
	pos    int
	closed bool
}

func (s *fakeStream) Recv() (*llm.Chunk, error) {
	if s.pos < len(s.chunks) {
		chunk := s.chunks[s.pos]
		s.pos++
		return &chunk, nil
	}
	if s.err != nil {
		return nil, s.err
	}
	return nil, io.EOF
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

type mockStreamer struct {
	mock.Mock
}

func (m *mockStreamer) Model() string {
	return "test-model"
}

func (m *mockStreamer) ChatStream(ctx context.Context, messages []llm.Message) (ChunkStream, error) {
	args := m.Called(ctx, messages)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(ChunkStream), args.Error(1)
}
