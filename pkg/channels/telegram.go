package channels

import (
	"context"
	"fmt"
	"strconv"

	"github.com/mymmrac/telego"

	"github.com/sablebot/sable/pkg/bus"
	"github.com/sablebot/sable/pkg/events"
	"github.com/sablebot/sable/pkg/logger"
)

// TelegramChannel bridges Telegram chats via long polling.
type TelegramChannel struct {
	bus   *bus.Bus
	token string

	bot    *telego.Bot
	cancel context.CancelFunc
}

// NewTelegramChannel creates the Telegram channel. The token is validated
// at Start.
func NewTelegramChannel(b *bus.Bus, token string) *TelegramChannel {
	return &TelegramChannel{bus: b, token: token}
}

func (t *TelegramChannel) Name() string { return "telegram" }

// Start begins long polling for updates.
func (t *TelegramChannel) Start(ctx context.Context) error {
	if t.token == "" {
		return fmt.Errorf("telegram token not configured")
	}

	bot, err := telego.NewBot(t.token, telego.WithDiscardLogger())
	if err != nil {
		return fmt.Errorf("telegram bot: %w", err)
	}
	t.bot = bot

	pollCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	updates, err := bot.UpdatesViaLongPolling(pollCtx, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("telegram long polling: %w", err)
	}

	go func() {
		for update := range updates {
			msg := update.Message
			if msg == nil || msg.Text == "" {
				continue
			}
			senderID := ""
			if msg.From != nil {
				senderID = strconv.FormatInt(msg.From.ID, 10)
			}
			chatID := strconv.FormatInt(msg.Chat.ID, 10)
			t.bus.PublishFrom("telegram", events.UserInput,
				events.InputPayload("telegram", senderID, chatID, msg.Text))
		}
		logger.DebugC("telegram", "Update stream closed")
	}()
	return nil
}

// Deliver sends the reply to the originating Telegram chat.
func (t *TelegramChannel) Deliver(chatID, content string) error {
	if t.bot == nil {
		return fmt.Errorf("telegram channel not started")
	}
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", chatID, err)
	}
	_, err = t.bot.SendMessage(context.Background(), &telego.SendMessageParams{
		ChatID: telego.ChatID{ID: id},
		Text:   content,
	})
	return err
}

// Stop ends long polling.
func (t *TelegramChannel) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	return nil
}

var _ Channel = (*TelegramChannel)(nil)
