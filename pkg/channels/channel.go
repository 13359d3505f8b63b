// Package channels connects the runtime to the outside world. Each channel
// turns inbound messages into user.input events and delivers agent.reply
// events addressed to it.
package channels

import "context"

// Channel is one interface surface (CLI, Discord, Telegram).
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Deliver(chatID, content string) error
}
