package channels

import (
	"context"
	"sync"

	"github.com/sablebot/sable/pkg/bus"
	"github.com/sablebot/sable/pkg/events"
	"github.com/sablebot/sable/pkg/logger"
)

// Manager owns the registered channels and routes agent replies to the
// channel that originated the conversation.
type Manager struct {
	bus *bus.Bus

	mu       sync.RWMutex
	channels map[string]Channel
	started  map[string]bool

	sub *bus.Subscription
}

// NewManager creates an empty channel manager.
func NewManager(b *bus.Bus) *Manager {
	return &Manager{
		bus:      b,
		channels: make(map[string]Channel),
		started:  make(map[string]bool),
	}
}

// Register adds a channel. Channels registered after Start are not started
// retroactively.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

// Start starts every registered channel and begins routing replies. A
// channel that fails to start is logged and skipped so one bad token does
// not take down the others.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, ch := range m.channels {
		if err := ch.Start(ctx); err != nil {
			logger.ErrorCF("channels", "Channel failed to start", map[string]interface{}{
				"channel": name,
				"error":   err.Error(),
			})
			continue
		}
		m.started[name] = true
		logger.InfoCF("channels", "Channel started", map[string]interface{}{"channel": name})
	}

	m.sub = m.bus.Subscribe(events.AgentReply, m.routeReply)
}

// Stop detaches from the bus and stops the started channels.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.bus.Unsubscribe(m.sub)
	for name := range m.started {
		if err := m.channels[name].Stop(); err != nil {
			logger.WarnCF("channels", "Channel stop", map[string]interface{}{
				"channel": name,
				"error":   err.Error(),
			})
		}
		delete(m.started, name)
	}
}

// Status reports which channels are running.
func (m *Manager) Status() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]bool, len(m.channels))
	for name := range m.channels {
		status[name] = m.started[name]
	}
	return status
}

// routeReply delivers one agent.reply to the originating channel. Replies
// for unknown channels (cron prompts, tests) are dropped silently; the
// audit log already has them.
func (m *Manager) routeReply(e events.Event) {
	name := e.Payload.GetString(events.KeyChannel)
	chatID := e.Payload.GetString(events.KeyChatID)
	content := e.Payload.GetString(events.KeyContent)

	m.mu.RLock()
	ch := m.channels[name]
	running := m.started[name]
	m.mu.RUnlock()

	if ch == nil || !running {
		return
	}
	if err := ch.Deliver(chatID, content); err != nil {
		logger.WarnCF("channels", "Delivery failed", map[string]interface{}{
			"channel": name,
			"chat_id": chatID,
			"error":   err.Error(),
		})
	}
}
