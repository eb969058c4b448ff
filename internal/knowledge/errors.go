package knowledge

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingSecret means the shared secret is not configured. This is a
	// deployment problem: the operation fails fast and is never retried.
	ErrMissingSecret = errors.New("knowledge service secret is not configured")

	// ErrUnknownJob is returned when the service no longer knows a job id
	// (404 from the status endpoint). The caller should re-submit.
	ErrUnknownJob = errors.New("knowledge service does not know this job")
)

// Semantic failure codes the service returns with a 200 response.
const (
	CodeContentBlocked = "content_blocked"
)

// APIError is a failure reported by the knowledge service, either a non-2xx
// HTTP status or a semantic failure code in a success response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("knowledge service error (code %s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("knowledge service returned status %d: %s", e.Status, e.Message)
}

// IsRetryable classifies an error for the job engine's backoff loop.
// Configuration errors and content-blocked responses are permanent; transport
// failures and other upstream errors are worth retrying.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrMissingSecret) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == CodeContentBlocked {
		return false
	}
	return true
}
