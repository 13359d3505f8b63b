// Package task implements the priority-based task manager: it accepts task
// definitions, schedules caller-supplied bodies for asynchronous execution,
// tracks status transitions, and exposes cooperative cancellation. Lifecycle
// transitions are announced on the event bus so other components can react
// without being coupled to the executor.
package task

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Priority orders tasks waiting for an execution slot. Urgent is highest.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

var priorityNames = map[Priority]string{
	PriorityLow:    "low",
	PriorityNormal: "normal",
	PriorityHigh:   "high",
	PriorityUrgent: "urgent",
}

// String implements fmt.Stringer.
func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority converts a config string to a Priority. Unknown values
// fall back to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "urgent":
		return PriorityUrgent
	default:
		return PriorityNormal
	}
}

// Status is the lifecycle state of a task. The only legal paths are
// pending → running → (completed | failed), and pending → cancelled for
// tasks cancelled before they start. Terminal states are final.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Task is a trackable unit of asynchronous work. Values returned by the
// Manager are snapshots; mutating them has no effect on the tracked task.
type Task struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Priority    Priority          `json:"priority"`
	Status      Status            `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`

	// Result is set iff Status == completed.
	Result interface{} `json:"result,omitempty"`
	// Error is set iff Status == failed.
	Error string `json:"error,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// Func is a caller-supplied asynchronous unit of work. It receives a
// snapshot of its Task and a context that is cancelled when the task is
// cancelled; bodies that ignore the context run to completion.
type Func func(ctx context.Context, t Task) (interface{}, error)

// ErrNotFound is returned for operations on unknown task IDs.
var ErrNotFound = errors.New("task not found")

// ErrStopped is returned when the manager no longer accepts work.
var ErrStopped = errors.New("task manager stopped")

// ErrCancelled is returned from Await for cancelled tasks.
var ErrCancelled = errors.New("task cancelled")

// InvalidStateError reports an operation that is illegal in the task's
// current status, e.g. executing an already-running task.
type InvalidStateError struct {
	TaskID string
	Status Status
	Op     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s task %s: status is %s", e.Op, e.TaskID, e.Status)
}

// Filter selects tasks in List. Zero values match everything.
type Filter struct {
	Status   Status
	Priority *Priority
}

func (f Filter) matches(t *Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Priority != nil && t.Priority != *f.Priority {
		return false
	}
	return true
}
