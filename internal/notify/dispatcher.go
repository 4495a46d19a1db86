package notify

import (
	"context"
	"log/slog"
)

// LogDispatcher writes notifications to the structured log instead of an
// email provider. It is the default until an outbound mail integration is
// configured; the dispatch log still guarantees at-most-once per code.
type LogDispatcher struct {
	logger *slog.Logger
}

func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Send(_ context.Context, msg Message) error {
	recipients := make([]string, 0, len(msg.To))
	for _, r := range msg.To {
		recipients = append(recipients, r.Email)
	}
	d.logger.Info("notification",
		"kind", msg.Kind,
		"code", msg.CodeID,
		"to", recipients,
		"attachment", msg.Attachment,
	)
	return nil
}
