package messaging

import (
	"context"

	logx "autopilot/pkg/logx"
)

type logMessenger struct{ log logx.Logger }

func NewLog(log logx.Logger) Messenger { return logMessenger{log: log} }

func (l logMessenger) CreateThread(_ context.Context, t Thread) error {
	l.log.Info("thread created",
		logx.String("mandate_path", t.MandatePath),
		logx.String("thread_key", t.Key),
		logx.String("title", t.Title),
	)
	return nil
}

func (l logMessenger) Publish(_ context.Context, m Message) error {
	// Debug only: log records forwarded here must not feed back into the forwarder.
	l.log.Debug("message",
		logx.String("channel", m.Channel),
		logx.String("kind", m.Kind),
		logx.String("thread_key", m.ThreadKey),
		logx.String("text", m.Text),
	)
	return nil
}

func (logMessenger) Close() error { return nil }
