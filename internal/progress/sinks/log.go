package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/collectord/internal/progress"
)

// LogSink writes each event as a structured log line. Failures log at warn,
// everything else at debug.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wraps logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("collector_id", evt.CollectorID),
			zap.String("run_id", evt.RunID),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.ItemID != "" {
			fields = append(fields,
				zap.String("item_id", evt.ItemID),
				zap.String("url", evt.URL),
				zap.Int("attempts", evt.Attempts),
				zap.Bool("from_cache", evt.FromCache),
			)
		}
		if evt.Kind != "" {
			fields = append(fields, zap.String("kind", evt.Kind))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if evt.Stage == progress.StageItemFailed {
			s.logger.Warn("progress event", fields...)
			continue
		}
		s.logger.Debug("progress event", fields...)
	}
	return nil
}

// Close is a no-op.
func (s *LogSink) Close(context.Context) error {
	return nil
}
