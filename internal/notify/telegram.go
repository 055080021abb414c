package notify

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

// TelegramConfig addresses one chat (optionally a forum thread).
type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	// URL overrides the Bot API endpoint (tests, local bot API servers).
	URL     string
	Timeout time.Duration
}

// Telegram sends plain text messages through the Bot API. It never polls
// for updates.
type Telegram struct {
	bot  *tele.Bot
	chat *tele.Chat
	opts *tele.SendOptions
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.URL,
		Offline: true,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{
		bot:  b,
		chat: &tele.Chat{ID: cfg.ChatID},
		opts: &tele.SendOptions{DisableWebPagePreview: true, ThreadID: cfg.ThreadID},
	}, nil
}

func (t *Telegram) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	text = truncate(text, maxMessageLen)
	if text == "" {
		return nil
	}
	_, err := t.bot.Send(t.chat, text, t.opts)
	return err
}

// Deliver implements logx.Sink.
func (t *Telegram) Deliver(ctx context.Context, text string) error { return t.Send(ctx, text) }

// maxMessageLen is the Bot API limit for a text message.
const maxMessageLen = 4096

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
