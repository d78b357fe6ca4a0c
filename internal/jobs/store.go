package jobs

import (
	"context"
	"encoding/json"
	"time"
)

// LeaseExpiredReason is recorded on jobs recovered from an expired lease.
const LeaseExpiredReason = "lease expired before the attempt finished"

// Store is the shared backing store of the queue. All job state changes go
// through these primitives; implementations must make Claim exclusive so a
// job is held by at most one consumer.
type Store interface {
	// Add persists a new pending job and assigns its FIFO sequence number.
	Add(ctx context.Context, job Job) (Job, error)
	// Claim moves the most urgent eligible job of (queue, typ) to active and
	// leases it until leaseUntil. Eligible means RunAt <= now; ordering is by
	// Priority then Seq. Active jobs of (queue, typ) whose lease ended at or
	// before now are first recovered with RecoverExpired. The boolean is
	// false when nothing is eligible.
	Claim(ctx context.Context, queue QueueName, typ Type, now, leaseUntil time.Time) (Job, bool, error)
	// ExtendLease moves the lease deadline of an active job to until. It is
	// a no-op for jobs that no longer hold a lease.
	ExtendLease(ctx context.Context, id string, until time.Time) error
	// UpdateProgress raises the progress of an active job; lower values are
	// ignored.
	UpdateProgress(ctx context.Context, id string, progress int) error
	// Complete stores the result, releases the lease and keeps at most keep
	// completed jobs per queue (keep <= 0 keeps all).
	Complete(ctx context.Context, id string, result json.RawMessage, attemptsMade int, now time.Time, keep int) error
	// Retry releases the lease and returns the job to the pending set,
	// eligible at runAt.
	Retry(ctx context.Context, id string, attemptsMade int, reason string, runAt time.Time) error
	// Fail releases the lease, marks the job failed and keeps at most keep
	// failed jobs per queue.
	Fail(ctx context.Context, id string, attemptsMade int, reason string, now time.Time, keep int) error
	// Get returns a snapshot of the job or ErrJobNotFound.
	Get(ctx context.Context, id string) (Job, error)
}

// RecoverExpired rewrites a job whose lease expired and returns its new
// status. A job that was running loses that attempt: it becomes waiting
// again while attempts remain and failed once they are spent. A job whose
// claim never reached its record is requeued without charging an attempt.
func RecoverExpired(job *Job, now time.Time) Status {
	if job.Status == StatusActive {
		job.AttemptsMade++
		job.FailedReason = LeaseExpiredReason
		if job.AttemptsMade >= job.MaxAttempts {
			finished := now
			job.Status = StatusFailed
			job.FinishedAt = &finished
			return StatusFailed
		}
	}
	job.Status = StatusWaiting
	job.RunAt = now
	return StatusWaiting
}
