package domain

import "errors"

var (
	// ErrReportNotFound is returned when a report record does not exist
	ErrReportNotFound = errors.New("report not found")

	// ErrReportClaimed is returned when another worker holds a live claim on
	// the report
	ErrReportClaimed = errors.New("report claimed by another worker")

	// ErrReportTerminal is returned when a queued job references a report
	// that already completed or failed
	ErrReportTerminal = errors.New("report already in a terminal state")

	// ErrInvalidMessage is returned when a queue message cannot be parsed
	ErrInvalidMessage = errors.New("invalid queue message")

	// ErrMaxRetriesExceeded is returned when a pipeline stage has used up its
	// attempt budget
	ErrMaxRetriesExceeded = errors.New("max stage attempts exceeded")
)

// RetryableError wraps transient errors that should trigger a requeue
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
