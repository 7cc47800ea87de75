package notifier

import (
	"context"

	logx "renewd/pkg/logx"
)

// LogTransport writes reminders to the log instead of sending them.
type LogTransport struct {
	log logx.Logger
}

func NewLogTransport(log logx.Logger) *LogTransport {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogTransport{log: log}
}

func (t *LogTransport) Name() string { return "log" }

func (t *LogTransport) Deliver(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.log.Info("reminder",
		logx.String("target", m.Target),
		logx.String("title", m.Title),
		logx.String("body", m.Body),
		logx.Any("data", m.Metadata),
	)
	return nil
}
