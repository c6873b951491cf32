package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/learning-bits-crawler/internal/progress"
)

// LogSink writes every event as a debug log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wraps logger. A nil logger discards output.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.logger.Debug("page activity",
			zap.String("job_id", evt.JobID),
			zap.String("stage", string(evt.Stage)),
			zap.String("domain", evt.Domain),
			zap.String("url", evt.URL),
			zap.Int("depth", evt.Depth),
			zap.String("status_class", string(evt.StatusClass)),
			zap.Int("bytes", evt.Bytes),
			zap.Int("bits_created", evt.BitsCreated),
			zap.Bool("headless", evt.Headless),
			zap.Duration("latency", evt.Latency),
			zap.String("note", evt.Note),
		)
	}
	return nil
}

// Close is a no-op.
func (s *LogSink) Close(context.Context) error {
	return nil
}
