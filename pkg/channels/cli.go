package channels

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"

	"github.com/sablebot/sable/pkg/bus"
	"github.com/sablebot/sable/pkg/events"
	"github.com/sablebot/sable/pkg/logger"
)

// CLIChannel is a readline REPL on the controlling terminal.
type CLIChannel struct {
	bus *bus.Bus
	rl  *readline.Instance
}

// NewCLIChannel creates the CLI channel.
func NewCLIChannel(b *bus.Bus) *CLIChannel {
	return &CLIChannel{bus: b}
}

func (c *CLIChannel) Name() string { return "cli" }

// Start opens the readline loop in a background goroutine. EOF or an
// interrupt on an empty line ends the loop without touching the rest of
// the runtime.
func (c *CLIChannel) Start(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline init: %w", err)
	}
	c.rl = rl

	go c.readLoop(ctx)
	return nil
}

func (c *CLIChannel) readLoop(ctx context.Context) {
	for {
		line, err := c.rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				return
			}
			continue
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			logger.WarnCF("cli", "Read error", map[string]interface{}{"error": err.Error()})
			return
		}
		if ctx.Err() != nil {
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		c.bus.PublishFrom("cli", events.UserInput, events.InputPayload("cli", "user", "local", line))
	}
}

// Deliver prints the reply above the prompt.
func (c *CLIChannel) Deliver(_, content string) error {
	if c.rl == nil {
		return fmt.Errorf("cli channel not started")
	}
	fmt.Fprintf(c.rl.Stdout(), "\n%s\n", content)
	c.rl.Refresh()
	return nil
}

// Stop closes the readline instance, unblocking the read loop.
func (c *CLIChannel) Stop() error {
	if c.rl == nil {
		return nil
	}
	return c.rl.Close()
}

var _ Channel = (*CLIChannel)(nil)
