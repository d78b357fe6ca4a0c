package events

import (
	"errors"
	"fmt"
	"time"
)

// Kind denotes which lifecycle transition an Event records.
type Kind string

// Supported lifecycle kinds.
const (
	KindStarted   Kind = "started"
	KindProgress  Kind = "progress"
	KindCompleted Kind = "completed"
	KindRetrying  Kind = "retrying"
	KindFailed    Kind = "failed"
)

// Event captures one job lifecycle transition.
type Event struct {
	// JobID identifies the job that transitioned.
	JobID string
	// Queue is the job family (publish, scrape, notify).
	Queue string
	// Type is the job subtype within the family.
	Type string
	// Kind is the transition that occurred.
	Kind Kind
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Attempt is the 1-based attempt number the event belongs to.
	Attempt int
	// MaxAttempts is the attempt budget of the job.
	MaxAttempts int
	// Progress is the reported percentage for progress events.
	Progress int
	// Dur is the handler runtime for completed, retrying and failed events.
	Dur time.Duration
	// RetryIn is the backoff applied before the next attempt.
	RetryIn time.Duration
	// Err carries the failure text for retrying and failed events.
	Err string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindStarted, KindCompleted:
	case KindProgress:
		if e.Progress < 0 || e.Progress > 100 {
			return fmt.Errorf("progress %d out of range", e.Progress)
		}
	case KindRetrying, KindFailed:
		if e.Err == "" {
			return fmt.Errorf("%s event requires error text", e.Kind)
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the event ends the job's lifecycle.
func (e Event) Terminal() bool {
	return e.Kind == KindCompleted || e.Kind == KindFailed
}
