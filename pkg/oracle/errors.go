package oracle

import "fmt"

// Kind classifies an oracle call failure.
type Kind string

const (
	// KindTimeout means the remote call did not complete within the bound.
	// Distinct from KindUnavailable so callers can decide whether a short
	// backoff-and-retry is worthwhile.
	KindTimeout Kind = "timeout"
	// KindUnavailable means the connection was refused or reset, typically a
	// remote process that is down or still warming up.
	KindUnavailable Kind = "unavailable"
	// KindRemote means the remote answered with a non-success status or a
	// payload that does not match the documented schema.
	KindRemote Kind = "remote"
)

// Error is the failure taxonomy shared by the region-extraction and grading
// endpoints. The response body is preserved for diagnostics.
type Error struct {
	Kind     Kind
	Endpoint string
	Status   int
	Body     string
	cause    error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindRemote:
		return fmt.Sprintf("oracle %s: remote error (status %d): %s", e.Endpoint, e.Status, e.Body)
	default:
		return fmt.Sprintf("oracle %s: %s: %v", e.Endpoint, e.Kind, e.cause)
	}
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Retryable reports whether an external retry trigger may reasonably re-run
// the pipeline after this failure. All oracle failures are transient from the
// pipeline's point of view; the record itself is left retry-safe.
func (e *Error) Retryable() bool {
	return true
}
