package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	tele "gopkg.in/telebot.v4"

	"xhsagent/internal/config"
)

// Telegram delivers notifications to one Telegram chat.
type Telegram struct {
	bot  *tele.Bot
	chat tele.ChatID
}

func NewTelegram(cfg config.TelegramConfig) (*Telegram, error) {
	if cfg.Token == "" || cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram: token and chat_id are required")
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Client:  &http.Client{Timeout: 15 * time.Second},
		Offline: true, // send-only, no getMe handshake or polling
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &Telegram{bot: bot, chat: tele.ChatID(cfg.ChatID)}, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Send(ctx context.Context, msg Message) error {
	_, err := t.bot.Send(t.chat, msg.Body)
	return err
}
