package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/multipublish/internal/domain"
	"github.com/JakeFAU/multipublish/internal/jobs"
	"github.com/JakeFAU/multipublish/internal/metrics"
)

// Channel delivers a notification through one medium.
type Channel interface {
	Name() string
	Send(ctx context.Context, n domain.Notification) (string, error)
}

// Progress receives job progress updates. *jobs.ActiveJob implements it.
type Progress interface {
	UpdateProgress(ctx context.Context, percent int)
}

// Channels groups the delivery channels. Record and Realtime are attempted
// for every notification, Email only for severe ones. A nil channel is
// reported as skipped.
type Channels struct {
	Record   Channel
	Realtime Channel
	Email    Channel
}

// Delivery is the outcome of one channel attempt.
type Delivery struct {
	Channel string `json:"channel"`
	Success bool   `json:"success"`
	Skipped bool   `json:"skipped,omitempty"`
	ID      string `json:"id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Result is returned from a notification job.
type Result struct {
	NotificationID string     `json:"notificationId,omitempty"`
	Deliveries     []Delivery `json:"deliveries"`
	Failures       int        `json:"failures"`
}

// Processor is the consumer of notification jobs.
type Processor struct {
	channels Channels
	logger   *zap.Logger
}

// NewProcessor builds a Processor.
func NewProcessor(channels Channels, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{channels: channels, logger: logger.Named("notify")}
}

// Handle implements jobs.Handler.
func (p *Processor) Handle(ctx context.Context, job *jobs.ActiveJob) (any, error) {
	payload, ok := job.Payload.(jobs.SendNotification)
	if !ok {
		return nil, jobs.Fatal(fmt.Errorf("%w: expected notification payload, got %T", jobs.ErrInvalidPayload, job.Payload))
	}
	if err := payload.Validate(); err != nil {
		return nil, jobs.Fatal(err)
	}
	return p.Process(ctx, payload.Notification, job), nil
}

// Process delivers n through every applicable channel. Channel failures are
// tallied in the result and never returned.
func (p *Processor) Process(ctx context.Context, n domain.Notification, progress Progress) Result {
	report(ctx, progress, 10)

	var res Result
	record := p.deliver(ctx, p.channels.Record, "record", n)
	res.NotificationID = record.ID
	res.Deliveries = append(res.Deliveries, record)
	report(ctx, progress, 30)

	res.Deliveries = append(res.Deliveries, p.deliver(ctx, p.channels.Realtime, "realtime", n))
	report(ctx, progress, 50)

	if n.Type.Severe() {
		res.Deliveries = append(res.Deliveries, p.deliver(ctx, p.channels.Email, "email", n))
	}
	report(ctx, progress, 70)

	for _, d := range res.Deliveries {
		if !d.Success && !d.Skipped {
			res.Failures++
		}
	}
	report(ctx, progress, 90)

	if res.Failures > 0 {
		p.logger.Warn("notification delivered with channel failures",
			zap.String("type", string(n.Type)),
			zap.String("user_id", n.UserID),
			zap.Int("failures", res.Failures),
		)
	}
	report(ctx, progress, 100)
	return res
}

func (p *Processor) deliver(ctx context.Context, ch Channel, fallback string, n domain.Notification) Delivery {
	if ch == nil {
		return Delivery{Channel: fallback, Skipped: true}
	}
	name := ch.Name()
	id, err := p.safeSend(ctx, ch, n)
	metrics.ObserveNotification(name, err == nil)
	if err != nil {
		p.logger.Warn("notification channel failed",
			zap.String("channel", name),
			zap.String("type", string(n.Type)),
			zap.Error(err),
		)
		return Delivery{Channel: name, Error: err.Error()}
	}
	return Delivery{Channel: name, Success: true, ID: id}
}

func (p *Processor) safeSend(ctx context.Context, ch Channel, n domain.Notification) (id string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("channel panic: %v", r)
		}
	}()
	return ch.Send(ctx, n)
}

func report(ctx context.Context, progress Progress, percent int) {
	if progress != nil {
		progress.UpdateProgress(ctx, percent)
	}
}
