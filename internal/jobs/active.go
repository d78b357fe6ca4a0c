package jobs

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// ProgressReporter persists progress for a running job.
type ProgressReporter interface {
	ReportProgress(ctx context.Context, job Job, percent int) error
}

// ActiveJob is the handle a Handler receives for the job it is running.
type ActiveJob struct {
	Job

	reporter ProgressReporter
	logger   *zap.Logger

	mu   sync.Mutex
	last int
}

// NewActiveJob wraps job for a handler. reporter may be nil.
func NewActiveJob(job Job, reporter ProgressReporter, logger *zap.Logger) *ActiveJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ActiveJob{
		Job:      job,
		reporter: reporter,
		logger:   logger,
		last:     job.Progress,
	}
}

// UpdateProgress reports percent (clamped to 0..100). Progress never moves
// backwards; a lower value than the last one is ignored with a warning.
func (a *ActiveJob) UpdateProgress(ctx context.Context, percent int) {
	percent = min(max(percent, 0), 100)

	a.mu.Lock()
	if percent < a.last {
		last := a.last
		a.mu.Unlock()
		a.logger.Warn("ignoring decreasing job progress",
			zap.String("job_id", a.ID),
			zap.Int("progress", percent),
			zap.Int("last_progress", last),
		)
		return
	}
	a.last = percent
	a.mu.Unlock()

	if a.reporter == nil {
		return
	}
	if err := a.reporter.ReportProgress(ctx, a.Job, percent); err != nil {
		a.logger.Warn("report job progress failed", zap.String("job_id", a.ID), zap.Error(err))
	}
}

// LastProgress returns the last accepted progress value.
func (a *ActiveJob) LastProgress() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}
