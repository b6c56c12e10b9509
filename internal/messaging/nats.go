package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "autopilot/pkg/logx"

	"github.com/nats-io/nats.go"
)

// natsMessenger publishes threads on "<prefix>.threads.<mandate>" and messages
// on "<prefix>.<kind>.<channel>".
type natsMessenger struct {
	nc     *nats.Conn
	prefix string
	log    logx.Logger
}

func openNATS(cfg NATSConfig, log logx.Logger) (Messenger, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		url = nats.DefaultURL
	}
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = "autopilot"
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Debug("nats disconnected", logx.Err(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", logx.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	prefix := strings.Trim(strings.TrimSpace(cfg.SubjectPrefix), ".")
	if prefix == "" {
		prefix = "autopilot"
	}
	log.Info("nats connected", logx.String("url", nc.ConnectedUrl()), logx.String("prefix", prefix))
	return &natsMessenger{nc: nc, prefix: prefix, log: log}, nil
}

func (n *natsMessenger) publish(ctx context.Context, subject string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := n.nc.Publish(subject, data); err != nil {
		return err
	}
	// Flush so a broken connection surfaces to the caller instead of buffering silently.
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	return n.nc.FlushWithContext(ctx)
}

func (n *natsMessenger) CreateThread(ctx context.Context, t Thread) error {
	if t.Key == "" {
		return errors.New("thread key required")
	}
	return n.publish(ctx, n.prefix+".threads."+subjectToken(t.MandatePath), t)
}

func (n *natsMessenger) Publish(ctx context.Context, m Message) error {
	kind := m.Kind
	if kind == "" {
		kind = "message"
	}
	if m.At.IsZero() {
		m.At = time.Now().UTC()
	}
	return n.publish(ctx, n.prefix+"."+subjectToken(kind)+"."+subjectToken(m.Channel), m)
}

func (n *natsMessenger) Close() error {
	if n.nc == nil {
		return nil
	}
	return n.nc.Drain()
}
