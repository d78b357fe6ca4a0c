// Package system provides the wall clock and sleeper used in production.
package system

import (
	"context"
	"fmt"
	"time"
)

// Clock reads time.Now in UTC and sleeps on real timers.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Sleep blocks for d or until ctx ends. Non-positive durations return at once.
func (Clock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sleep interrupted: %w", ctx.Err())
	}
}
