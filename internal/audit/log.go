package audit

import (
	"context"
	"log/slog"
)

// LogSink writes each event as a structured log line.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a sink logging through logger, or slog.Default when nil.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(ctx context.Context, ev Event) error {
	s.logger.InfoContext(ctx, "idempotency audit",
		"module", "audit",
		"event_id", ev.ID,
		"key", ev.Key,
		"action", string(ev.Action),
		"timestamp", ev.Timestamp,
		"metadata", ev.Metadata,
	)
	return nil
}
