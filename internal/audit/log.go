package audit

import "go.uber.org/zap"

// LogWriter records decision events to the structured log. It backs the
// audit trail when no database path is configured.
type LogWriter struct {
	logger *zap.Logger
}

func NewLogWriter(logger *zap.Logger) *LogWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(event *DecisionEvent) {
	w.logger.Info("decision",
		zap.String("session_id", event.SessionID),
		zap.Time("ts", event.Timestamp),
		zap.String("category", event.Category),
		zap.String("action", TruncateAction(event.Action, ActionPreviewLength)),
		zap.String("decision", event.Decision),
		zap.String("reason", event.Reason),
		zap.Float32("latency_ms", event.LatencyMs),
	)
}

func (w *LogWriter) Close() {}
