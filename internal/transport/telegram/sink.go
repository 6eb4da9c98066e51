// Package telegram forwards operator log lines to a Telegram chat.
package telegram

import (
	"context"
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"
)

const textLimit = 4096

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int    // forum topic, 0 for the main thread
	APIURL   string // empty means api.telegram.org
}

// Sink implements logx.Sink. It only sends; it never polls for updates.
type Sink struct {
	bot  *tele.Bot
	chat *tele.Chat
	opt  *tele.SendOptions
}

func New(cfg Config) (*Sink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		URL:   cfg.APIURL,
		Token: cfg.Token,
		// Offline skips the getMe round trip at start-up.
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &Sink{
		bot:  b,
		chat: &tele.Chat{ID: cfg.ChatID},
		opt:  &tele.SendOptions{ThreadID: cfg.ThreadID, DisableWebPagePreview: true},
	}, nil
}

func (s *Sink) SendLog(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r := []rune(text); len(r) > textLimit {
		text = string(r[:textLimit-1]) + "…"
	}
	_, err := s.bot.Send(s.chat, text, s.opt)
	return err
}
