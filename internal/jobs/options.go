package jobs

import "time"

// FamilyDefaults are the enqueue defaults applied to every job of a family.
type FamilyDefaults struct {
	Priority    int
	MaxAttempts int
	Backoff     time.Duration
}

// DefaultFamilies returns the stock defaults per family.
func DefaultFamilies() map[QueueName]FamilyDefaults {
	return map[QueueName]FamilyDefaults{
		QueuePublish: {Priority: 1, MaxAttempts: 3, Backoff: 5 * time.Second},
		QueueScrape:  {Priority: 5, MaxAttempts: 3, Backoff: 10 * time.Second},
		QueueNotify:  {Priority: 5, MaxAttempts: 5, Backoff: 2 * time.Second},
	}
}

type enqueueOptions struct {
	priority    int
	delay       time.Duration
	maxAttempts int
	backoff     time.Duration
}

// Option customizes a single Enqueue call.
type Option func(*enqueueOptions)

// WithPriority sets the job priority. Lower values are claimed first.
func WithPriority(priority int) Option {
	return func(o *enqueueOptions) {
		o.priority = priority
	}
}

// WithDelay keeps the job ineligible until now+d.
func WithDelay(d time.Duration) Option {
	return func(o *enqueueOptions) {
		if d > 0 {
			o.delay = d
		}
	}
}

// WithMaxAttempts bounds the number of attempts, including the first.
func WithMaxAttempts(n int) Option {
	return func(o *enqueueOptions) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithBackoff sets the base delay of the exponential retry schedule.
func WithBackoff(d time.Duration) Option {
	return func(o *enqueueOptions) {
		if d >= 0 {
			o.backoff = d
		}
	}
}

// Backoff returns the delay before the next attempt once attemptsMade
// attempts have run: base * 2^(attemptsMade-1).
func Backoff(base time.Duration, attemptsMade int) time.Duration {
	if base <= 0 {
		return 0
	}
	shift := attemptsMade - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 20 {
		shift = 20
	}
	return base * time.Duration(1<<shift)
}
