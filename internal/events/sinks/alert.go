package sinks

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/multipublish/internal/domain"
	"github.com/JakeFAU/multipublish/internal/events"
)

// Notifier raises a notification. notify.Dispatcher satisfies it.
type Notifier interface {
	Send(ctx context.Context, n domain.Notification) (string, error)
}

// AlertSink turns permanently failed publish and scrape jobs into
// system_alert notifications. Failures of the notify queue itself are only
// logged so a broken channel cannot feed itself.
type AlertSink struct {
	notifier Notifier
	logger   *zap.Logger
}

// NewAlertSink builds an AlertSink.
func NewAlertSink(notifier Notifier, logger *zap.Logger) *AlertSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AlertSink{notifier: notifier, logger: logger}
}

// Consume raises one alert per failed event in the batch.
func (s *AlertSink) Consume(ctx context.Context, batch []events.Event) error {
	for _, evt := range batch {
		if evt.Kind != events.KindFailed {
			continue
		}
		if evt.Queue == "notify" || s.notifier == nil {
			s.logger.Error("job failed permanently",
				zap.String("job_id", evt.JobID),
				zap.String("queue", evt.Queue),
				zap.String("job_type", evt.Type),
				zap.String("error", evt.Err),
			)
			continue
		}
		alert := domain.Notification{
			Type:    domain.NotifySystemAlert,
			Title:   fmt.Sprintf("%s job failed", evt.Type),
			Message: fmt.Sprintf("job %s failed after %d/%d attempts: %s", evt.JobID, evt.Attempt, evt.MaxAttempts, evt.Err),
			Metadata: map[string]string{
				"jobId":    evt.JobID,
				"queue":    evt.Queue,
				"jobType":  evt.Type,
				"attempts": strconv.Itoa(evt.Attempt),
			},
			Timestamp: evt.TS,
		}
		if _, err := s.notifier.Send(ctx, alert); err != nil {
			s.logger.Warn("raise system alert failed", zap.String("job_id", evt.JobID), zap.Error(err))
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *AlertSink) Close(context.Context) error {
	return nil
}
