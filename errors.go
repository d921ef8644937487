package taskcrew

import (
	"errors"
	"fmt"
)

var (
	// Store errors.
	ErrNoStore         = errors.New("taskcrew: no store configured")
	ErrStoreClosed     = errors.New("taskcrew: store closed")
	ErrMigrationFailed = errors.New("taskcrew: migration failed")

	// Not found errors.
	ErrUnitNotFound = errors.New("taskcrew: work unit not found")

	// Conflict errors.
	ErrUnitAlreadyExists = errors.New("taskcrew: work unit already exists")
	ErrClaimConflict     = errors.New("taskcrew: claim conflict")

	// State errors.
	ErrInvalidState  = errors.New("taskcrew: invalid state transition")
	ErrTerminalState = errors.New("taskcrew: work unit is in a terminal state")

	// Registry errors.
	ErrUnknownWorkerType     = errors.New("taskcrew: unknown worker type")
	ErrDuplicateRegistration = errors.New("taskcrew: worker type already registered")
	ErrInvalidWorkerType     = errors.New("taskcrew: invalid worker type")

	// Execution errors.
	ErrHandlerPanic = errors.New("taskcrew: handler panicked")
	ErrInvalidInput = errors.New("taskcrew: invalid input")

	// Backend errors.
	ErrBackendUnavailable = errors.New("taskcrew: fast backend unavailable")
)

// HandlerPanicError reports a panic recovered from a handler. It matches
// ErrHandlerPanic under errors.Is and is retryable.
type HandlerPanicError struct {
	Value any
	Stack string
}

func (e *HandlerPanicError) Error() string {
	return fmt.Sprintf("taskcrew: handler panicked: %v", e.Value)
}

// Is reports whether target is ErrHandlerPanic.
func (e *HandlerPanicError) Is(target error) bool { return target == ErrHandlerPanic }

type nonRetryableError struct {
	err error
}

func (e nonRetryableError) Error() string { return e.err.Error() }
func (e nonRetryableError) Unwrap() error { return e.err }

// NonRetryable marks err as a permanent failure. The dispatcher fails the
// unit immediately regardless of remaining attempts.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return nonRetryableError{err: err}
}

// IsRetryable reports whether a handler failure may be retried. Unknown
// worker types and errors wrapped with NonRetryable are permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var nr nonRetryableError
	if errors.As(err, &nr) {
		return false
	}
	return !errors.Is(err, ErrUnknownWorkerType)
}
