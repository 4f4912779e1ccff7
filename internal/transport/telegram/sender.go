// Package telegram sends notifications through the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "stockwatch/internal/transport"
	logx "stockwatch/pkg/logx"
)

const Channel = "telegram"

type Config struct {
	Token   string
	ChatIDs []int64
	// ThreadID posts into a forum topic when > 0.
	ThreadID int
	// Offline skips the getMe handshake. Tests use it with a local API URL.
	Offline bool
	URL     string
}

// Sender is send-only: it never polls for updates.
type Sender struct {
	cfg Config
	bot *tele.Bot
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.URL,
		Offline: cfg.Offline,
		Client:  &http.Client{Timeout: 15 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &Sender{cfg: cfg, bot: b, log: log.With(logx.String("comp", "telegram"))}, nil
}

func (s *Sender) Channel() string { return Channel }

// Targets lists the configured chats.
func (s *Sender) Targets() []kit.ChatTarget {
	out := make([]kit.ChatTarget, 0, len(s.cfg.ChatIDs))
	for _, id := range s.cfg.ChatIDs {
		out = append(out, kit.ChatTarget{ChatID: id, ThreadID: s.cfg.ThreadID})
	}
	return out
}

func (s *Sender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	if err := ctx.Err(); err != nil {
		return kit.MessageRef{}, err
	}
	sendOpt := &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
		ThreadID:              to.ThreadID,
	}
	msg, err := s.bot.Send(&tele.Chat{ID: to.ChatID}, text, sendOpt)
	if err != nil {
		return kit.MessageRef{}, err
	}
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}, nil
}
