package queue

import "errors"

var (
	// ErrJobNotFound is returned when the job hash does not exist
	ErrJobNotFound = errors.New("job not found")

	// ErrLockMismatch is returned when a worker finishes or renews a job it no longer owns
	ErrLockMismatch = errors.New("job lock is missing or owned by another worker")

	// ErrJobNotCancelable is returned when canceling a job that already finished
	ErrJobNotCancelable = errors.New("job already finished")

	// ErrJobNotFailed is returned when retrying a job that is not in the failed set
	ErrJobNotFailed = errors.New("job is not in failed state")

	// ErrInvalidJobID is returned when a custom job id would clash with the queue's own keys
	ErrInvalidJobID = errors.New("invalid job id")

	// ErrInvalidPayload is returned when a payload does not pass validation
	ErrInvalidPayload = errors.New("invalid bulk operation payload")
)

// UnrecoverableError marks a failure that must not consume further attempts
type UnrecoverableError struct {
	Err error
}

func (e *UnrecoverableError) Error() string {
	return "unrecoverable error: " + e.Err.Error()
}

func (e *UnrecoverableError) Unwrap() error {
	return e.Err
}

// Unrecoverable wraps err so MoveToFailed sends the job straight to the failed set
func Unrecoverable(err error) error {
	return &UnrecoverableError{Err: err}
}

// IsUnrecoverable reports whether err carries an UnrecoverableError
func IsUnrecoverable(err error) bool {
	var u *UnrecoverableError
	return errors.As(err, &u)
}
