package jobs

import "errors"

var (
	// ErrJobNotFound is returned by stores for unknown or trimmed jobs.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobNotActive is returned when a transition is attempted on a job
	// that is not currently claimed.
	ErrJobNotActive = errors.New("job is not active")
	// ErrQueueClosed is returned by Enqueue after Close.
	ErrQueueClosed = errors.New("queue closed")
)

type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }

func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks err as non-retryable: the queue fails the job on the current
// attempt instead of scheduling a retry.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err, or anything it wraps, was marked with Fatal or
// is an invalid payload.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe) || errors.Is(err, ErrInvalidPayload)
}
