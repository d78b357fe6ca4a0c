package notify

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/multipublish/internal/domain"
	"github.com/JakeFAU/multipublish/internal/jobs"
)

// Queue priorities for notification jobs. Lower runs first.
const (
	SeverePriority = 1
	NormalPriority = 5
)

// Enqueuer is the producer side of the job queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue jobs.QueueName, payload jobs.Payload, opts ...jobs.Option) (jobs.Job, error)
}

// Dispatcher enqueues notifications for asynchronous delivery.
type Dispatcher struct {
	queue  Enqueuer
	clock  domain.Clock
	logger *zap.Logger
}

// NewDispatcher builds a Dispatcher.
func NewDispatcher(queue Enqueuer, clock domain.Clock, logger *zap.Logger) (*Dispatcher, error) {
	if queue == nil || clock == nil {
		return nil, errors.New("queue and clock are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{queue: queue, clock: clock, logger: logger.Named("notify")}, nil
}

// Send stamps n with the current time unless it already carries one and
// enqueues it. Severe types jump ahead of routine ones. It returns the job id.
func (d *Dispatcher) Send(ctx context.Context, n domain.Notification) (string, error) {
	if n.Timestamp.IsZero() {
		n.Timestamp = d.clock.Now()
	}
	payload := jobs.SendNotification{Notification: n}
	if err := payload.Validate(); err != nil {
		return "", err
	}
	priority := NormalPriority
	if n.Type.Severe() {
		priority = SeverePriority
	}
	job, err := d.queue.Enqueue(ctx, jobs.QueueNotify, payload, jobs.WithPriority(priority))
	if err != nil {
		return "", fmt.Errorf("enqueue notification: %w", err)
	}
	d.logger.Debug("notification queued",
		zap.String("job_id", job.ID),
		zap.String("type", string(n.Type)),
		zap.String("user_id", n.UserID),
		zap.Int("priority", priority),
	)
	return job.ID, nil
}
