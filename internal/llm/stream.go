package llm

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

const (
	dataPrefix   = "data: "
	doneSentinel = "[DONE]"

	// SSE lines can carry a whole completion's worth of text in one chunk.
	maxLineSize = 1024 * 1024
)

// UpstreamError means the model provider itself rejected or aborted the
// request, as opposed to a failure in our own stream plumbing.
type UpstreamError struct {
	Status  int
	Code    string
	Message string
}

func (e *UpstreamError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("llm backend error (code %s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("llm backend error (status %d): %s", e.Status, e.Message)
}

// Chunk is one visible increment of the streamed completion. Reasoning deltas
// are parsed but never surfaced: they are dropped before a chunk is returned.
type Chunk struct {
	Content      string
	FinishReason string
	Usage        *Usage
}

type chunkError struct {
	Code    any    `json:"code"`
	Message string `json:"message"`
}

type chunkPayload struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			Reasoning        string `json:"reasoning"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage      `json:"usage"`
	Error *chunkError `json:"error"`
}

// Stream reads server-sent chunks off a chat-completions response body.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func newStream(body io.ReadCloser) *Stream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	return &Stream{body: body, scanner: scanner}
}

// Recv returns the next chunk, io.EOF at end of stream, or an error. Lines
// that are not data lines, and data lines that fail to parse, are skipped:
// SSE keep-alives and comments are expected, not malformed input. The one
// exception is a payload carrying an explicit error field, which aborts the
// stream with an UpstreamError.
func (s *Stream) Recv() (*Chunk, error) {
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if !strings.HasPrefix(line, dataPrefix) {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, dataPrefix))
		if data == doneSentinel {
			return nil, io.EOF
		}

		var payload chunkPayload
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			continue
		}

		if payload.Error != nil {
			code := ""
			if payload.Error.Code != nil {
				code = fmt.Sprintf("%v", payload.Error.Code)
			}
			return nil, &UpstreamError{Code: code, Message: payload.Error.Message}
		}

		chunk := &Chunk{Usage: payload.Usage}
		if len(payload.Choices) > 0 {
			choice := payload.Choices[0]
			chunk.Content = choice.Delta.Content
			if choice.FinishReason != nil {
				chunk.FinishReason = *choice.FinishReason
			}
		}
		return chunk, nil
	}

	if err := s.scanner.Err(); err != nil {
		return nil, fmt.Errorf("stream read failed: %w", err)
	}
	return nil, io.EOF
}

// Close releases the underlying response body.
func (s *Stream) Close() error {
	return s.body.Close()
}
