package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/crawl-swarm/internal/progress"
)

// LogSink emits structured logs for debugging progress streams. Progress
// events log at debug; everything else at info, failures at warn.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("events")}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("type", string(evt.Type)),
			zap.Time("ts", evt.TS),
		}
		if evt.WorkerID != "" {
			fields = append(fields, zap.String("worker_id", evt.WorkerID))
		}
		if evt.TargetID != "" {
			fields = append(fields, zap.String("target_id", evt.TargetID.String()))
		}
		switch evt.Type {
		case progress.EventProgress:
			fields = append(fields, zap.Int("percent", evt.Percent), zap.Int("items_found", evt.ItemsFound))
		case progress.EventTaskRetry:
			fields = append(fields, zap.Int("attempt", evt.Attempt), zap.String("error_kind", string(evt.ErrorKind)))
		case progress.EventTaskFailed:
			fields = append(fields, zap.String("error_kind", string(evt.ErrorKind)))
		case progress.EventSwarmState:
			fields = append(fields, zap.String("state", evt.State))
		}
		if evt.Outcome != nil {
			fields = append(fields,
				zap.Int("items_found", evt.Outcome.ItemsFound),
				zap.Int("attempts", evt.Outcome.Attempts),
				zap.Int64("duration_ms", evt.Outcome.DurationMs),
			)
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if ce := s.logger.Check(levelFor(evt.Type), "swarm event"); ce != nil {
			ce.Write(fields...)
		}
	}
	return nil
}

func levelFor(t progress.EventType) zapcore.Level {
	switch t {
	case progress.EventProgress:
		return zapcore.DebugLevel
	case progress.EventTaskFailed, progress.EventWorkerCrashed:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
