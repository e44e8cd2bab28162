package notifier

import (
	"context"

	logx "github.com/DengZY123/social-poster/pkg/logx"
)

// LogSink writes events to the structured log. Useful on hosts without an
// NSQ deployment, and as the default sink in development.
type LogSink struct {
	log logx.Logger
}

func NewLogSink(log logx.Logger) *LogSink {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogSink{log: log}
}

func (s *LogSink) Emit(_ context.Context, eventType string, body []byte) error {
	s.log.Info("event", logx.String("type", eventType), logx.String("body", string(body)))
	return nil
}

func (s *LogSink) Close() error { return nil }
