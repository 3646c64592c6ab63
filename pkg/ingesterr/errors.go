package ingesterr

import (
	"errors"
	"fmt"
)

// ErrInvalidRequest marks a malformed or empty ingestion trigger. It is
// surfaced as a 400 and never reaches the queue.
var ErrInvalidRequest = errors.New("invalid request")

// ErrNotFound is returned by repositories when a lookup has no match.
var ErrNotFound = errors.New("not found")

// ExternalServiceError wraps a failed or timed-out imaging server call.
type ExternalServiceError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *ExternalServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("external service %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("external service %s: %v", e.Op, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// ResolutionError is returned when every tenant or patient fallback failed.
type ResolutionError struct {
	Kind string // organization, lab, patient
	Err  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Kind, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// PersistenceError wraps a failed study upsert.
type PersistenceError struct {
	ExternalStudyID string
	Err             error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist study %s: %v", e.ExternalStudyID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// DownstreamHandoffError wraps a failed archival enqueue. It is logged only.
type DownstreamHandoffError struct {
	ExternalStudyID string
	Err             error
}

func (e *DownstreamHandoffError) Error() string {
	return fmt.Sprintf("archival handoff for %s: %v", e.ExternalStudyID, e.Err)
}

func (e *DownstreamHandoffError) Unwrap() error { return e.Err }

// IsExternal reports whether err came from the imaging server.
func IsExternal(err error) bool {
	var ext *ExternalServiceError
	return errors.As(err, &ext)
}

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
