package messaging

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"sync"

	logx "autopilot/pkg/logx"

	tele "gopkg.in/telebot.v4"
)

const telegramTextLimit = 4000

// telegramMessenger opens one forum topic per thread key inside a single chat
// and routes messages carrying that key into the topic.
type telegramMessenger struct {
	bot  *tele.Bot
	chat *tele.Chat
	log  logx.Logger

	mu     sync.Mutex
	topics map[string]int // thread key -> telegram thread id
}

func openTelegram(cfg TelegramConfig, log logx.Logger) (Messenger, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	return &telegramMessenger{
		bot:    b,
		chat:   &tele.Chat{ID: cfg.ChatID},
		log:    log,
		topics: map[string]int{},
	}, nil
}

func (t *telegramMessenger) CreateThread(ctx context.Context, th Thread) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name := th.Title
	if name == "" {
		name = th.Key
	}
	// Topic names are capped at 128 characters.
	if r := []rune(name); len(r) > 128 {
		name = string(r[:128])
	}
	topic, err := t.bot.CreateTopic(t.chat, &tele.Topic{Name: name})
	if err != nil {
		return fmt.Errorf("telegram create topic: %w", err)
	}
	t.mu.Lock()
	t.topics[th.Key] = topic.ThreadID
	t.mu.Unlock()
	return nil
}

func (t *telegramMessenger) Publish(ctx context.Context, m Message) error {
	t.mu.Lock()
	threadID := t.topics[m.ThreadKey]
	t.mu.Unlock()

	text := m.Text
	if m.Channel != "" {
		text = "<b>" + html.EscapeString(m.Channel) + "</b>\n" + html.EscapeString(text)
	} else {
		text = html.EscapeString(text)
	}
	for _, chunk := range splitText(text, telegramTextLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := t.bot.Send(t.chat, chunk, &tele.SendOptions{
			ParseMode:             tele.ModeHTML,
			DisableWebPagePreview: true,
			ThreadID:              threadID,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *telegramMessenger) Close() error { return nil }

// splitText cuts s into chunks of at most limit runes, preferring newline boundaries.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start+limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
