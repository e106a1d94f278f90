// internal/errs/errs.go
package errs

import (
	"errors"
	"fmt"
)

// ErrElementNotFound indicates a selector matched nothing on the surface.
// It is treated as transient unless it recurs past the poller's threshold.
var ErrElementNotFound = errors.New("element not found")

// TransientError wraps a retryable failure from the UI surface (timeouts,
// stale DOM references, malformed reads). Components absorb these at their
// boundary and surface them only as health signals.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient ui failure during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError for the given operation.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is retryable. ErrElementNotFound counts as
// transient; the recurrence threshold is enforced by the caller, not here.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te) || errors.Is(err, ErrElementNotFound)
}

// AuthError is fatal for the session that produced it. The orchestrator marks
// the identity failed and never restarts it.
type AuthError struct {
	IdentityID string
	Attempts   int
	Err        error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for identity %s after %d attempts: %v", e.IdentityID, e.Attempts, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// InterestUpdateError means the surface never reflected the requested interest
// tags within the verification budget. Reported, but the session continues.
type InterestUpdateError struct {
	IdentityID string
	Tags       []string
	Err        error
}

func (e *InterestUpdateError) Error() string {
	return fmt.Sprintf("interest update not verified for identity %s (tags %v): %v", e.IdentityID, e.Tags, e.Err)
}

func (e *InterestUpdateError) Unwrap() error { return e.Err }

// ReplyDispatchError reports an exhausted reply attempt. The owning
// conversation transitions to STUCK when this is returned.
type ReplyDispatchError struct {
	ConversationID string
	Attempts       int
	Err            error
}

func (e *ReplyDispatchError) Error() string {
	return fmt.Sprintf("reply dispatch failed for conversation %s after %d attempts: %v", e.ConversationID, e.Attempts, e.Err)
}

func (e *ReplyDispatchError) Unwrap() error { return e.Err }

// EvidenceWriteError is best-effort territory: logged, retried once, never
// allowed to block conversation progress.
type EvidenceWriteError struct {
	Path string
	Err  error
}

func (e *EvidenceWriteError) Error() string {
	return fmt.Sprintf("evidence write to %s failed: %v", e.Path, e.Err)
}

func (e *EvidenceWriteError) Unwrap() error { return e.Err }
