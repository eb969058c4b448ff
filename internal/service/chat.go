package service

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/continuum-chat/continuum/internal/domain"
	"github.com/continuum-chat/continuum/internal/llm"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Shown to the user when a turn produced nothing usable. Technical detail
// stays in message metadata; it never reaches the chat transcript.
const responseErrorText = "I'm having trouble responding right now. Please try again in a moment."

// ChunkStream is the reader side of one streamed completion.
type ChunkStream interface {
	Recv() (*llm.Chunk, error)
	Close() error
}

// LLMStreamer opens streamed completions. Implemented by llmStreamer around
// llm.Client.
type LLMStreamer interface {
	Model() string
	ChatStream(ctx context.Context, messages []llm.Message) (ChunkStream, error)
}

type llmStreamer struct {
	client *llm.Client
}

// NewLLMStreamer adapts an llm.Client to the LLMStreamer interface.
func NewLLMStreamer(client *llm.Client) LLMStreamer {
	return llmStreamer{client: client}
}

func (s llmStreamer) Model() string { return s.client.Model() }

func (s llmStreamer) ChatStream(ctx context.Context, messages []llm.Message) (ChunkStream, error) {
	stream, err := s.client.ChatStream(ctx, messages)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// ChatService accepts user messages and generates assistant responses by
// aggregating the model's stream into progressively updated message rows.
type ChatService struct {
	manager  *SessionManager
	sessions domain.SessionRepository
	threads  domain.ThreadRepository
	messages domain.MessageRepository
	llm      LLMStreamer
	sched    TaskScheduler

	historyLimit  int
	writeInterval time.Duration
	now           func() time.Time
}

// NewChatService creates a new chat service
func NewChatService(
	manager *SessionManager,
	sessions domain.SessionRepository,
	threads domain.ThreadRepository,
	messages domain.MessageRepository,
	streamer LLMStreamer,
	sched TaskScheduler,
	historyLimit int,
	writeInterval time.Duration,
) *ChatService {
	return &ChatService{
		manager:       manager,
		sessions:      sessions,
		threads:       threads,
		messages:      messages,
		llm:           streamer,
		sched:         sched,
		historyLimit:  historyLimit,
		writeInterval: writeInterval,
		now:           time.Now,
	}
}

// SendResult is what the API returns for an accepted message: the session it
// landed in, the stored user message and the assistant placeholder the client
// should watch.
type SendResult struct {
	Session     *domain.Session
	UserMessage *domain.Message
	Placeholder *domain.Message
}

// SendMessage stores a user message in the thread's live session and schedules
// response generation. The response itself is produced asynchronously; clients
// observe it through the placeholder message.
func (c *ChatService) SendMessage(ctx context.Context, userID, threadID uuid.UUID, content string) (*SendResult, error) {
	thread, err := c.threads.Get(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if thread.UserID != userID {
		return nil, domain.ErrNotFound
	}

	session, err := c.manager.GetOrCreateActive(ctx, thread)
	if err != nil {
		return nil, err
	}
	if err := c.manager.Touch(ctx, session); err != nil {
		return nil, err
	}

	now := c.now()
	userMsg := &domain.Message{
		ID:          uuid.New(),
		SessionID:   session.ID,
		ThreadID:    thread.ID,
		UserID:      &userID,
		Role:        domain.RoleUser,
		Content:     content,
		Status:      domain.MessageComplete,
		CreatedAt:   now,
		CompletedAt: &now,
	}
	if err := c.messages.Create(ctx, userMsg); err != nil {
		return nil, err
	}

	placeholder := &domain.Message{
		ID:        uuid.New(),
		SessionID: session.ID,
		ThreadID:  thread.ID,
		Role:      domain.RoleAssistant,
		Status:    domain.MessageStreaming,
		CreatedAt: now,
	}
	if err := c.messages.Create(ctx, placeholder); err != nil {
		return nil, err
	}

	if err := c.threads.TouchUpdatedAt(ctx, thread.ID, now); err != nil {
		log.Warn().Err(err).Str("thread_id", thread.ID.String()).Msg("failed to touch thread")
	}

	if _, err := c.sched.Schedule(ctx, TaskChatRespond, 0, respondTaskPayload{
		SessionID: session.ID,
		MessageID: placeholder.ID,
	}); err != nil {
		return nil, err
	}

	return &SendResult{Session: session, UserMessage: userMsg, Placeholder: placeholder}, nil
}

// ListMessages returns a session's messages, oldest first.
func (c *ChatService) ListMessages(ctx context.Context, userID, sessionID uuid.UUID, limit int) ([]domain.Message, error) {
	session, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.UserID != userID {
		return nil, domain.ErrNotFound
	}
	return c.messages.ListBySession(ctx, sessionID, limit)
}

// Respond generates one assistant turn: it streams the completion, writing
// partial content at a throttled cadence, and finalizes the placeholder with
// full content plus metadata in one atomic write. Errors never surface raw to
// the user; the placeholder gets a generic message and the detail lands in
// metadata.
func (c *ChatService) Respond(ctx context.Context, sessionID, messageID uuid.UUID) error {
	session, err := c.sessions.Get(ctx, sessionID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := c.manager.BeginTurn(ctx, session); err != nil {
		// The turn still runs off the immutable snapshot; the state flag is
		// advisory for concurrent closers.
		log.Warn().Err(err).Str("session_id", session.ID.String()).Msg("could not mark session processing")
	} else {
		defer func() {
			if err := c.manager.EndTurn(ctx, session.ID); err != nil {
				log.Warn().Err(err).Str("session_id", session.ID.String()).Msg("could not return session to active")
			}
		}()
	}

	history, err := c.messages.ListBySession(ctx, sessionID, c.historyLimit)
	if err != nil {
		return err
	}

	start := c.now()
	stream, err := c.llm.ChatStream(ctx, c.buildMessages(session, history, messageID))
	if err != nil {
		c.finishError(ctx, messageID, "", err, start)
		return nil
	}
	defer stream.Close()

	var (
		content      strings.Builder
		flushedLen   int
		lastWrite    time.Time
		finishReason string
		usage        *llm.Usage
	)

	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			c.finishError(ctx, messageID, content.String(), err, start)
			return nil
		}

		if chunk.Content != "" {
			content.WriteString(chunk.Content)
		}
		if chunk.FinishReason != "" {
			finishReason = chunk.FinishReason
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}

		if content.Len() > flushedLen && c.now().Sub(lastWrite) >= c.writeInterval {
			if err := c.messages.UpdateContent(ctx, messageID, content.String()); err != nil {
				log.Warn().Err(err).Str("message_id", messageID.String()).Msg("partial write failed")
			} else {
				flushedLen = content.Len()
				lastWrite = c.now()
			}
		}
	}

	if finishReason == "" {
		finishReason = "stop"
	}
	metadata := c.baseMetadata(start)
	metadata["finish_reason"] = finishReason
	if usage != nil {
		metadata["prompt_tokens"] = usage.PromptTokens
		metadata["completion_tokens"] = usage.CompletionTokens
		metadata["total_tokens"] = usage.TotalTokens
	}

	if err := c.messages.Finalize(ctx, messageID, content.String(), metadata); err != nil {
		log.Error().Err(err).Str("message_id", messageID.String()).Msg("failed to finalize response")
		return err
	}

	log.Info().
		Str("session_id", sessionID.String()).
		Str("message_id", messageID.String()).
		Int("chars", content.Len()).
		Str("finish_reason", finishReason).
		Msg("response generated")
	return nil
}

// buildMessages assembles the completion request: the session's frozen system
// prompt, the knowledge block when present, then history oldest first. The
// placeholder itself and any unfinished assistant messages are excluded.
func (c *ChatService) buildMessages(session *domain.Session, history []domain.Message, placeholderID uuid.UUID) []llm.Message {
	out := make([]llm.Message, 0, len(history)+2)
	out = append(out, llm.Message{Role: "system", Content: session.CachedSystemPrompt})

	if session.CachedUserKnowledge != nil && *session.CachedUserKnowledge != "" {
		out = append(out, llm.Message{
			Role:    "system",
			Content: "Long-term knowledge about this user:\n\n" + *session.CachedUserKnowledge,
		})
	}

	for _, m := range history {
		if m.ID == placeholderID {
			continue
		}
		if m.Role == domain.RoleAssistant && m.Status != domain.MessageComplete {
			continue
		}
		if m.Content == "" {
			continue
		}
		out = append(out, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	return out
}

// finishError records a failed turn. Partial content already streamed is kept;
// a turn with no content at all gets the generic error text instead.
func (c *ChatService) finishError(ctx context.Context, messageID uuid.UUID, partial string, cause error, start time.Time) {
	metadata := c.baseMetadata(start)
	metadata["finish_reason"] = "error"
	metadata["error"] = cause.Error()

	var upstream *llm.UpstreamError
	if errors.As(cause, &upstream) {
		metadata["error_category"] = "upstream"
		if upstream.Code != "" {
			metadata["error_code"] = upstream.Code
		}
	} else {
		metadata["error_category"] = "stream"
	}

	log.Error().Err(cause).Str("message_id", messageID.String()).Msg("response generation failed")

	if partial != "" {
		if err := c.messages.Finalize(ctx, messageID, partial, metadata); err != nil {
			log.Error().Err(err).Str("message_id", messageID.String()).Msg("failed to finalize partial response")
		}
		return
	}
	if err := c.messages.MarkError(ctx, messageID, responseErrorText, metadata); err != nil {
		log.Error().Err(err).Str("message_id", messageID.String()).Msg("failed to mark response errored")
	}
}

func (c *ChatService) baseMetadata(start time.Time) map[string]any {
	return map[string]any{
		"model":      c.llm.Model(),
		"latency_ms": c.now().Sub(start).Milliseconds(),
	}
}
