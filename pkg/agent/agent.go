// Package agent connects user input to the configured LLM provider. Each
// input event becomes a task whose body runs the provider/tool loop, so
// agent work is prioritized, cancellable, and audited like any other task.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/sablebot/sable/pkg/bus"
	"github.com/sablebot/sable/pkg/events"
	"github.com/sablebot/sable/pkg/logger"
	"github.com/sablebot/sable/pkg/providers"
	"github.com/sablebot/sable/pkg/task"
	"github.com/sablebot/sable/pkg/tools"
)

// maxToolIters bounds the provider/tool loop for one input.
const maxToolIters = 8

// maxHistoryTurns caps retained conversation turns per session.
const maxHistoryTurns = 40

// Agent subscribes to user input and replies through the event bus.
type Agent struct {
	bus      *bus.Bus
	tasks    *task.Manager
	provider providers.LLMProvider
	model    string
	registry *tools.Registry
	name     string

	mu      sync.Mutex
	history map[string][]providers.Message // keyed by channel:chat_id

	sub *bus.Subscription
}

// New creates an agent. Call Start to begin consuming input.
func New(b *bus.Bus, tm *task.Manager, provider providers.LLMProvider, model string, registry *tools.Registry, name string) *Agent {
	return &Agent{
		bus:      b,
		tasks:    tm,
		provider: provider,
		model:    model,
		registry: registry,
		name:     name,
		history:  make(map[string][]providers.Message),
	}
}

// Start subscribes to user input events.
func (a *Agent) Start() {
	a.sub = a.bus.Subscribe(events.UserInput, a.handleInput)
	logger.InfoC("agent", "Agent listening for input")
}

// Stop unsubscribes from the bus. In-flight conversations finish under the
// task manager's lifecycle, not the agent's.
func (a *Agent) Stop() {
	a.bus.Unsubscribe(a.sub)
}

// handleInput turns one input event into a conversation task.
func (a *Agent) handleInput(e events.Event) {
	channel := e.Payload.GetString(events.KeyChannel)
	senderID := e.Payload.GetString(events.KeySenderID)
	chatID := e.Payload.GetString(events.KeyChatID)
	content := e.Payload.GetString(events.KeyContent)
	if content == "" {
		return
	}

	// Scheduled prompts yield to interactive traffic.
	priority := task.PriorityNormal
	if channel == "cron" {
		priority = task.PriorityLow
	}

	t, err := a.tasks.Create("chat:"+channel, truncate(content, 80), priority, map[string]string{
		"channel":   channel,
		"sender_id": senderID,
		"chat_id":   chatID,
	})
	if err != nil {
		logger.WarnCF("agent", "Input dropped", map[string]interface{}{
			"channel": channel,
			"error":   err.Error(),
		})
		return
	}

	err = a.tasks.Execute(t.ID, func(ctx context.Context, _ task.Task) (interface{}, error) {
		reply, err := a.converse(ctx, channel, chatID, senderID, content)
		if err != nil {
			return nil, err
		}
		a.bus.PublishFrom("agent", events.AgentReply, events.ReplyPayload(channel, chatID, reply))
		return reply, nil
	})
	if err != nil {
		logger.WarnCF("agent", "Conversation task rejected", map[string]interface{}{
			"task_id": t.ID,
			"error":   err.Error(),
		})
	}
}

// converse runs the provider/tool loop until the model answers without
// requesting tools, or the iteration bound is hit.
func (a *Agent) converse(ctx context.Context, channel, chatID, senderID, content string) (string, error) {
	session := channel + ":" + chatID

	msgs := []providers.Message{{Role: "system", Content: a.systemPrompt(channel, senderID)}}
	msgs = append(msgs, a.sessionHistory(session)...)
	msgs = append(msgs, providers.Message{Role: "user", Content: content})

	defs := a.registry.Definitions()

	for iter := 0; iter < maxToolIters; iter++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		resp, err := a.provider.Chat(ctx, msgs, defs, a.model, nil)
		if err != nil {
			return "", err
		}

		if len(resp.ToolCalls) == 0 {
			a.remember(session, content, resp.Content)
			return resp.Content, nil
		}

		msgs = append(msgs, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, tc := range resp.ToolCalls {
			msgs = append(msgs, providers.Message{
				Role:       "tool",
				ToolCallID: tc.ID,
				Content:    a.runTool(ctx, tc),
			})
		}
	}
	return "", fmt.Errorf("tool loop exceeded %d iterations", maxToolIters)
}

// runTool executes one requested tool call. Failures are reported back to
// the model as the tool result instead of aborting the conversation.
func (a *Agent) runTool(ctx context.Context, tc providers.ToolCall) string {
	var args map[string]interface{}
	if tc.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			return fmt.Sprintf("error: invalid tool arguments: %v", err)
		}
	}

	logger.DebugCF("agent", "Tool call", map[string]interface{}{"tool": tc.Function.Name})
	result, err := a.registry.Execute(ctx, tc.Function.Name, args)
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	return result
}

func (a *Agent) systemPrompt(channel, senderID string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s, a personal automation agent running continuously on the user's machine.\n", a.name)
	fmt.Fprintf(&sb, "The current message arrived via the %s channel", channel)
	if senderID != "" {
		fmt.Fprintf(&sb, " from %s", senderID)
	}
	sb.WriteString(".\nUse the available tools when a request needs files or commands. Keep replies concise.")
	return sb.String()
}

func (a *Agent) sessionHistory(session string) []providers.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]providers.Message(nil), a.history[session]...)
}

// remember appends the exchange to the session, dropping the oldest turns
// past the retention cap.
func (a *Agent) remember(session, input, reply string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	h := append(a.history[session],
		providers.Message{Role: "user", Content: input},
		providers.Message{Role: "assistant", Content: reply},
	)
	if len(h) > maxHistoryTurns {
		h = h[len(h)-maxHistoryTurns:]
	}
	a.history[session] = h
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
