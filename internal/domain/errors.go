package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a conditional write lost a race: the
	// stored state no longer matches what the caller observed.
	ErrConflict = errors.New("conflict")
)

// TransitionError reports an illegal session status transition. These are
// surfaced as hard errors rather than ignored so lifecycle bugs fail loudly.
type TransitionError struct {
	From SessionStatus
	To   SessionStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal session transition %s -> %s", e.From, e.To)
}
