// Package messaging is the realtime messaging collaborator: conversation
// threads keyed by thread key, and publish on per-tenant channels.
//
// Backends:
//   - "log": writes through the logger (default)
//   - "memory": records in-process, used by tests
//   - "nats": publishes JSON on NATS subjects
//   - "telegram": one forum topic per thread in a configured chat
package messaging

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "autopilot/pkg/logx"
)

var ErrClosed = errors.New("messenger closed")

// Thread is a conversation opened for one trigger instant of a task.
type Thread struct {
	MandatePath string `json:"mandate_path"`
	Key         string `json:"thread_key"`
	Title       string `json:"title"`
	TaskID      string `json:"task_id,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
}

// Message is published on a channel; Channel is a mandate path or an ops channel name.
type Message struct {
	Channel   string    `json:"channel"`
	ThreadKey string    `json:"thread_key,omitempty"`
	Kind      string    `json:"kind"`
	Text      string    `json:"text"`
	Data      any       `json:"data,omitempty"`
	At        time.Time `json:"at"`
}

const (
	KindChecklist = "checklist"
	KindDispatch  = "dispatch"
	KindLog       = "log"
	KindTask      = "task"
)

type Messenger interface {
	CreateThread(ctx context.Context, t Thread) error
	Publish(ctx context.Context, m Message) error
	Close() error
}

type NATSConfig struct {
	URL           string
	SubjectPrefix string
	Name          string
}

type TelegramConfig struct {
	Token  string
	ChatID int64
}

type Config struct {
	Driver   string
	NATS     NATSConfig
	Telegram TelegramConfig
}

// Open builds the configured backend.
func Open(cfg Config, log logx.Logger) (Messenger, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "messaging"))
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "log":
		return NewLog(log), nil
	case "memory":
		return NewMemory(), nil
	case "nats":
		return openNATS(cfg.NATS, log)
	case "telegram":
		return openTelegram(cfg.Telegram, log)
	default:
		return nil, errors.New("unknown messaging driver: " + cfg.Driver)
	}
}

// Forwarder sends formatted log records to an ops channel.
type Forwarder struct {
	M       Messenger
	Channel string
}

func (f Forwarder) Forward(ctx context.Context, text string) error {
	if f.M == nil {
		return nil
	}
	return f.M.Publish(ctx, Message{Channel: f.Channel, Kind: KindLog, Text: text, At: time.Now().UTC()})
}

// subjectToken turns a mandate path into NATS-safe dot-separated tokens.
func subjectToken(s string) string {
	parts := strings.Split(strings.Trim(s, "/"), "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		var b strings.Builder
		for _, r := range p {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
				b.WriteRune(r)
			default:
				b.WriteByte('_')
			}
		}
		if b.Len() > 0 {
			out = append(out, b.String())
		}
	}
	if len(out) == 0 {
		return "_"
	}
	return strings.Join(out, ".")
}
