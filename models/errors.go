package models

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error kinds. Wrapped errors keep the kind reachable through errors.Is.
var (
	// ErrValidation signals a malformed vertex; it is never inserted.
	ErrValidation = errors.New("validation error")

	// ErrMissingParent is soft: the vertex is buffered until its parents arrive.
	ErrMissingParent = errors.New("missing parent")

	// ErrDropped signals a buffered vertex evicted before its parents arrived.
	ErrDropped = errors.New("dropped")

	// ErrQuorumNotReached signals a round with too few respondents. The round is retried.
	ErrQuorumNotReached = errors.New("quorum not reached")

	// ErrConflictResolution signals that two members of one conflict set reached Final.
	ErrConflictResolution = errors.New("conflict resolution violated")

	// ErrTimeout is returned by the waiting helpers; the vertex keeps its status.
	ErrTimeout = errors.New("timeout")

	// ErrNotFound signals an unknown vertex id.
	ErrNotFound = errors.New("vertex not found")

	// ErrNotRunning signals a submission while the engine is not Running.
	ErrNotRunning = errors.New("engine not running")
)

// VertexError ties an error kind to the vertex it concerns.
type VertexError struct {
	Kind   error
	ID     VertexID
	Reason string
}

func (e *VertexError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: vertex %s", e.Kind, e.ID.Short())
	}
	return fmt.Sprintf("%s: vertex %s: %s", e.Kind, e.ID.Short(), e.Reason)
}

func (e *VertexError) Is(target error) bool {
	return e.Kind == target
}

func (e *VertexError) Unwrap() error {
	return e.Kind
}

// NewVertexError builds a VertexError with a formatted reason.
func NewVertexError(kind error, id VertexID, format string, args ...interface{}) error {
	return &VertexError{Kind: kind, ID: id, Reason: fmt.Sprintf(format, args...)}
}
