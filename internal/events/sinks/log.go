package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/multipublish/internal/events"
)

// LogSink writes each job event as a debug line. Progress events are noisy
// and only logged when the logger is at debug level.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_id", evt.JobID),
			zap.String("queue", evt.Queue),
			zap.String("job_type", evt.Type),
			zap.String("kind", string(evt.Kind)),
			zap.Int("attempt", evt.Attempt),
			zap.Int("max_attempts", evt.MaxAttempts),
		}
		switch evt.Kind {
		case events.KindProgress:
			fields = append(fields, zap.Int("progress", evt.Progress))
		case events.KindRetrying:
			fields = append(fields, zap.Duration("retry_in", evt.RetryIn), zap.String("error", evt.Err))
		case events.KindFailed:
			fields = append(fields, zap.Duration("dur", evt.Dur), zap.String("error", evt.Err))
		case events.KindCompleted:
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		s.logger.Debug("job event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
