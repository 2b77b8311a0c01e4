package notifier

import (
	"context"
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"
)

// TelegramSender posts messages with the Bot API. It never polls for
// updates.
type TelegramSender struct {
	bot *tele.Bot
}

func NewTelegramSender(token string) (*TelegramSender, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: token, Offline: true})
	if err != nil {
		return nil, err
	}
	return &TelegramSender{bot: b}, nil
}

// Send ignores ctx beyond an early check; telebot calls are not
// cancellable.
func (t *TelegramSender) Send(ctx context.Context, to Target, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	opts := &tele.SendOptions{DisableWebPagePreview: true}
	if to.ThreadID > 0 {
		opts.ThreadID = to.ThreadID
	}
	_, err := t.bot.Send(&tele.Chat{ID: to.ChatID}, text, opts)
	return err
}
