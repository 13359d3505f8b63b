// Package events defines the typed event contracts for the entire sable
// runtime. Every event flowing through the bus MUST use one of these types
// or an explicit Custom type — no ad-hoc stringly-typed events.
package events

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type classifies events for routing and filtering. The core set below is
// closed; collaborators extend it through Custom, which carries an opaque
// tag under the "custom." namespace.
type Type string

const (
	// Task lifecycle events
	TaskCreated   Type = "task.created"
	TaskStarted   Type = "task.started"
	TaskCompleted Type = "task.completed"
	TaskFailed    Type = "task.failed"
	TaskCancelled Type = "task.cancelled"

	// Engine lifecycle events
	EngineStarted Type = "engine.started"
	EngineStopped Type = "engine.stopped"

	// System events
	SystemError  Type = "system.error"
	SystemHealth Type = "system.health"

	// Interface events
	UserInput  Type = "user.input"
	AgentReply Type = "agent.reply"

	// Cron context events
	CronJobTriggered Type = "cron.job.triggered"
	CronJobFailed    Type = "cron.job.failed"
)

const customPrefix = "custom."

// Custom builds a collaborator-defined event type carrying an opaque tag.
func Custom(tag string) Type {
	return Type(customPrefix + tag)
}

// IsCustom reports whether the type is collaborator-defined.
func (t Type) IsCustom() bool {
	return strings.HasPrefix(string(t), customPrefix)
}

// String implements fmt.Stringer.
func (t Type) String() string { return string(t) }

// Payload is an opaque key-value mapping interpreted only by handlers.
type Payload map[string]interface{}

// Get returns a payload value, or nil if absent. Safe on nil payloads.
func (p Payload) Get(key string) interface{} {
	if p == nil {
		return nil
	}
	return p[key]
}

// GetString returns a payload value as a string, or "" if absent or not
// a string.
func (p Payload) GetString(key string) string {
	s, _ := p.Get(key).(string)
	return s
}

// Event is the universal envelope for all runtime events. Immutable once
// published: publishers must not retain and mutate the payload.
type Event struct {
	// ID is a fresh identifier generated at publish time.
	ID string `json:"id"`

	// Type identifies the event (e.g. "task.created").
	Type Type `json:"type"`

	// Source identifies who emitted the event.
	Source string `json:"source,omitempty"`

	// Payload is the event-specific data.
	Payload Payload `json:"payload,omitempty"`

	// Timestamp is when the event was created. time.Now carries Go's
	// monotonic clock reading, so within one process events order by it.
	Timestamp time.Time `json:"timestamp"`
}

// New creates a timestamped event with a fresh ID.
func New(t Type, source string, payload Payload) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Source:    source,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// ---------------------------------------------------------------------------
// Payload constructors for core events
// ---------------------------------------------------------------------------

// Well-known payload keys.
const (
	KeyTaskID    = "task_id"
	KeyTaskName  = "task_name"
	KeyStatus    = "status"
	KeyPriority  = "priority"
	KeyError     = "error"
	KeyComponent = "component"
	KeyChannel   = "channel"
	KeySenderID  = "sender_id"
	KeyChatID    = "chat_id"
	KeyContent   = "content"
	KeyJobName   = "job_name"
	KeySchedule  = "schedule"
)

// TaskPayload builds the payload for task lifecycle events.
func TaskPayload(taskID, name, status, priority string) Payload {
	return Payload{
		KeyTaskID:   taskID,
		KeyTaskName: name,
		KeyStatus:   status,
		KeyPriority: priority,
	}
}

// TaskFailurePayload builds the payload for task.failed events.
func TaskFailurePayload(taskID, name, priority, errMsg string) Payload {
	p := TaskPayload(taskID, name, "failed", priority)
	p[KeyError] = errMsg
	return p
}

// ErrorPayload builds the payload for system.error events.
func ErrorPayload(component, errMsg string) Payload {
	return Payload{
		KeyComponent: component,
		KeyError:     errMsg,
	}
}

// InputPayload builds the payload for user.input events.
func InputPayload(channel, senderID, chatID, content string) Payload {
	return Payload{
		KeyChannel:  channel,
		KeySenderID: senderID,
		KeyChatID:   chatID,
		KeyContent:  content,
	}
}

// ReplyPayload builds the payload for agent.reply events.
func ReplyPayload(channel, chatID, content string) Payload {
	return Payload{
		KeyChannel: channel,
		KeyChatID:  chatID,
		KeyContent: content,
	}
}

// CronPayload builds the payload for cron.job.* events.
func CronPayload(jobName, schedule string) Payload {
	return Payload{
		KeyJobName:  jobName,
		KeySchedule: schedule,
	}
}
