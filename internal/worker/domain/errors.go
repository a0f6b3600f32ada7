package domain

import "errors"

var (
	// ErrBulkOperationNotFound is returned when the bulk operation record is missing
	ErrBulkOperationNotFound = errors.New("bulk operation not found")

	// ErrBulkOperationFinished is returned when the record is no longer PENDING or RUNNING
	ErrBulkOperationFinished = errors.New("bulk operation already finished")

	// ErrEntityNotFound is returned when an item targets an entity the organization does not own
	ErrEntityNotFound = errors.New("entity not found")

	// ErrInvalidItem is returned when an item does not match its operation's shape
	ErrInvalidItem = errors.New("invalid item")

	// ErrJobCanceled is returned when a cancel request stops a running operation
	ErrJobCanceled = errors.New("canceled")

	// ErrAllItemsFailed is returned when no item of an operation could be applied
	ErrAllItemsFailed = errors.New("all items failed")
)

// RetryableError wraps transient errors that should consume another attempt.
// Failures not wrapped in it fail the job without further attempts.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err is, or wraps, a RetryableError
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// IsItemError reports whether err only affects a single item
func IsItemError(err error) bool {
	return errors.Is(err, ErrInvalidItem) || errors.Is(err, ErrEntityNotFound)
}
