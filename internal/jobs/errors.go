package jobs

import "errors"

var (
	// ErrMalformedPayload is returned when a recognized kind carries a
	// payload that fails its structural guard. Skip, ack, no retry.
	ErrMalformedPayload = errors.New("malformed job payload")

	// ErrUnknownKind is returned for job tags outside the closed set.
	// Logged as a warning and acknowledged.
	ErrUnknownKind = errors.New("unknown job type")
)

// RetryableError wraps transient handler failures that should trigger a
// requeue instead of an acknowledgment.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error.
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
