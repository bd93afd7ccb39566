package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-job-server/internal/events"
)

// LogSink writes each lifecycle event as a structured log line.
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

// Consume logs every event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_id", evt.JobID),
			zap.Int64("queue_id", evt.QueueID),
			zap.String("operation", evt.Operation),
			zap.String("stage", string(evt.Stage)),
			zap.Time("ts", evt.TS),
		}
		switch evt.Stage {
		case events.StageJobDone, events.StageJobError:
			fields = append(fields, zap.Int("slot", evt.Slot), zap.Int("code", evt.Code), zap.Duration("dur", evt.Dur))
		case events.StageWebhookDelivered, events.StageWebhookExhausted:
			fields = append(fields, zap.Int("attempts", evt.Attempts), zap.Duration("dur", evt.Dur))
		case events.StageJobStart:
			fields = append(fields, zap.Int("slot", evt.Slot))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if evt.Stage == events.StageJobError || evt.Stage == events.StageWebhookExhausted {
			s.logger.Warn("job lifecycle", fields...)
			continue
		}
		s.logger.Info("job lifecycle", fields...)
	}
	return nil
}

// Close implements events.Sink; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
