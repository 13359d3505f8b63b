package channels

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/sablebot/sable/pkg/bus"
	"github.com/sablebot/sable/pkg/events"
)

// DiscordChannel bridges Discord guild and DM messages.
type DiscordChannel struct {
	bus     *bus.Bus
	token   string
	session *discordgo.Session
}

// NewDiscordChannel creates the Discord channel. The token is validated at
// Start, when the gateway connection is opened.
func NewDiscordChannel(b *bus.Bus, token string) *DiscordChannel {
	return &DiscordChannel{bus: b, token: token}
}

func (d *DiscordChannel) Name() string { return "discord" }

// Start opens the Discord gateway session.
func (d *DiscordChannel) Start(_ context.Context) error {
	if d.token == "" {
		return fmt.Errorf("discord token not configured")
	}

	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent
	session.AddHandler(d.onMessage)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord gateway: %w", err)
	}
	d.session = session
	return nil
}

func (d *DiscordChannel) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == s.State.User.ID || m.Author.Bot {
		return
	}
	if m.Content == "" {
		return
	}
	d.bus.PublishFrom("discord", events.UserInput,
		events.InputPayload("discord", m.Author.ID, m.ChannelID, m.Content))
}

// Deliver sends the reply to the originating Discord channel.
func (d *DiscordChannel) Deliver(chatID, content string) error {
	if d.session == nil {
		return fmt.Errorf("discord channel not started")
	}
	_, err := d.session.ChannelMessageSend(chatID, content)
	return err
}

// Stop closes the gateway session.
func (d *DiscordChannel) Stop() error {
	if d.session == nil {
		return nil
	}
	return d.session.Close()
}

var _ Channel = (*DiscordChannel)(nil)
