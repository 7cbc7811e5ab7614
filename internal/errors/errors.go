// Package errors provides error code definitions for the Roamlog sync core.
package errors

import "fmt"

// ErrorCode represents a unique error code carried across the sync core.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Persistence errors: fatal to the call, never to the process.
	ErrDatabase   ErrorCode = "DATABASE_ERROR"
	ErrMigration  ErrorCode = "MIGRATION_FAILED"
	ErrConstraint ErrorCode = "CONSTRAINT_VIOLATION"

	// Sync errors
	ErrSyncNotConfigured ErrorCode = "SYNC_NOT_CONFIGURED"
	ErrSyncInProgress    ErrorCode = "SYNC_IN_PROGRESS"
	ErrSyncFailed        ErrorCode = "SYNC_FAILED"
	ErrSyncTimeout       ErrorCode = "SYNC_TIMEOUT"

	// Remote errors: transient ones are retried with backoff, permanent
	// ones are terminal and surfaced.
	ErrRemoteNetwork    ErrorCode = "REMOTE_NETWORK"
	ErrRemoteAuth       ErrorCode = "REMOTE_AUTH_EXPIRED"
	ErrRemoteValidation ErrorCode = "REMOTE_VALIDATION"
	ErrRemoteServer     ErrorCode = "REMOTE_SERVER"

	// Conflict handling
	ErrConflictDetected ErrorCode = "SYNC_CONFLICT"
	ErrUnknownStrategy  ErrorCode = "UNKNOWN_STRATEGY"
	ErrConflictPending  ErrorCode = "CONFLICT_PENDING"

	// Queue errors
	ErrDependencyCycle ErrorCode = "DEPENDENCY_CYCLE"
	ErrSerialization   ErrorCode = "SERIALIZATION_ERROR"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error is of a specific code. Wrapped AppErrors are
// walked until a code matches or the chain ends.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		if appErr, ok := err.(*AppError); ok {
			if appErr.Code == code {
				return true
			}
			err = appErr.Err
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
