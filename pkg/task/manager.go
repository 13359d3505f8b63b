package task

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sablebot/sable/pkg/bus"
	"github.com/sablebot/sable/pkg/events"
	"github.com/sablebot/sable/pkg/logger"
)

// record is the manager's bookkeeping for one task. It never leaves the
// package; callers only see Task snapshots.
type record struct {
	task Task
	fn   Func
	seq  uint64

	scheduled       bool // Execute has been accepted
	queued          bool // waiting in the priority queue
	cancelRequested bool

	cancel context.CancelFunc // non-nil while running
	done   chan struct{}      // closed on reaching a terminal status
}

// Manager schedules and tracks tasks. The task table is encapsulated state
// owned by the instance and guarded by a mutex; multiple managers can
// coexist (each with its own bus).
//
// When limit > 0, at most limit tasks are running at once and the rest
// wait in a priority queue (urgent > high > normal > low, FIFO within a
// priority). limit == 0 means unbounded concurrency.
type Manager struct {
	mu      sync.Mutex
	bus     *bus.Bus
	tasks   map[string]*record
	queue   waitQueue
	limit   int
	running int
	nextSeq uint64
	stopped bool
}

// NewManager creates a task manager that announces lifecycle transitions
// on b.
func NewManager(b *bus.Bus, limit int) *Manager {
	return &Manager{
		bus:   b,
		tasks: make(map[string]*record),
		limit: limit,
	}
}

// Create allocates a task in pending state and publishes task.created.
// Execution does not begin until Execute is called.
func (m *Manager) Create(name, description string, priority Priority, metadata map[string]string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return Task{}, ErrStopped
	}

	m.nextSeq++
	rec := &record{
		task: Task{
			ID:          uuid.NewString(),
			Name:        name,
			Description: description,
			Priority:    priority,
			Status:      StatusPending,
			CreatedAt:   time.Now(),
			Metadata:    copyMeta(metadata),
		},
		seq:  m.nextSeq,
		done: make(chan struct{}),
	}
	m.tasks[rec.task.ID] = rec

	m.bus.PublishFrom("task", events.TaskCreated,
		events.TaskPayload(rec.task.ID, name, string(StatusPending), priority.String()))
	return m.snapshotLocked(rec), nil
}

// Execute schedules the task's body for asynchronous execution. The error
// return covers synchronous validation only (unknown ID, illegal state);
// body outcomes are reported through status and lifecycle events, never
// through Execute. If all slots are busy the task stays pending in the
// priority queue.
func (m *Manager) Execute(id string, fn Func) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return ErrStopped
	}
	rec, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("execute %s: %w", id, ErrNotFound)
	}
	if rec.scheduled || rec.task.Status != StatusPending {
		return &InvalidStateError{TaskID: id, Status: rec.task.Status, Op: "execute"}
	}

	rec.fn = fn
	rec.scheduled = true

	if m.limit <= 0 || m.running < m.limit {
		m.startLocked(rec)
	} else {
		rec.queued = true
		heap.Push(&m.queue, rec)
	}
	return nil
}

// startLocked transitions pending → running and launches the body.
// Caller holds m.mu.
func (m *Manager) startLocked(rec *record) {
	m.running++
	now := time.Now()
	rec.task.Status = StatusRunning
	rec.task.StartedAt = &now

	ctx, cancel := context.WithCancel(context.Background())
	rec.cancel = cancel

	m.bus.PublishFrom("task", events.TaskStarted,
		events.TaskPayload(rec.task.ID, rec.task.Name, string(StatusRunning), rec.task.Priority.String()))

	snapshot := m.snapshotLocked(rec)
	go m.run(rec, ctx, snapshot)
}

// run executes the body outside the lock. Body errors and panics are
// recovered into FAILED status; they are data, never process-fatal.
func (m *Manager) run(rec *record, ctx context.Context, snapshot Task) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("task", "Task body panicked", map[string]interface{}{
				"task_id": rec.task.ID,
				"panic":   r,
			})
			m.finish(rec, nil, fmt.Errorf("panic: %v", r))
		}
	}()

	result, err := rec.fn(ctx, snapshot)
	m.finish(rec, result, err)
}

// finish applies the terminal transition and dispatches queued tasks into
// the freed slot.
func (m *Manager) finish(rec *record, result interface{}, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.running--
	now := time.Now()
	rec.task.CompletedAt = &now
	rec.cancel = nil

	switch {
	case err == nil:
		rec.task.Status = StatusCompleted
		rec.task.Result = result
		m.bus.PublishFrom("task", events.TaskCompleted,
			events.TaskPayload(rec.task.ID, rec.task.Name, string(StatusCompleted), rec.task.Priority.String()))

	case rec.cancelRequested && errors.Is(err, context.Canceled):
		// The body observed the cancellation signal.
		rec.task.Status = StatusCancelled
		m.bus.PublishFrom("task", events.TaskCancelled,
			events.TaskPayload(rec.task.ID, rec.task.Name, string(StatusCancelled), rec.task.Priority.String()))

	default:
		rec.task.Status = StatusFailed
		rec.task.Error = err.Error()
		m.bus.PublishFrom("task", events.TaskFailed,
			events.TaskFailurePayload(rec.task.ID, rec.task.Name, rec.task.Priority.String(), err.Error()))
	}

	close(rec.done)
	m.dispatchLocked()
}

// dispatchLocked starts queued tasks while slots are free, highest
// priority first. Caller holds m.mu.
func (m *Manager) dispatchLocked() {
	for m.queue.Len() > 0 && (m.limit <= 0 || m.running < m.limit) {
		rec := heap.Pop(&m.queue).(*record)
		rec.queued = false
		if rec.task.Status != StatusPending {
			// Cancelled while waiting.
			continue
		}
		m.startLocked(rec)
	}
}

// Cancel requests cancellation. A pending task transitions directly to
// cancelled and its body never runs. A running task has its context
// cancelled; the body must observe the signal to honor it. The bool
// reports whether a transition or signal happened.
func (m *Manager) Cancel(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.tasks[id]
	if !ok {
		return false, fmt.Errorf("cancel %s: %w", id, ErrNotFound)
	}

	switch rec.task.Status {
	case StatusPending:
		// Left in the heap if queued; dispatchLocked skips non-pending
		// records.
		rec.cancelRequested = true
		now := time.Now()
		rec.task.Status = StatusCancelled
		rec.task.CompletedAt = &now
		m.bus.PublishFrom("task", events.TaskCancelled,
			events.TaskPayload(rec.task.ID, rec.task.Name, string(StatusCancelled), rec.task.Priority.String()))
		close(rec.done)
		return true, nil

	case StatusRunning:
		rec.cancelRequested = true
		if rec.cancel != nil {
			rec.cancel()
		}
		return true, nil

	default:
		return false, nil
	}
}

// Get returns a snapshot of the task.
func (m *Manager) Get(id string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return m.snapshotLocked(rec), nil
}

// List returns snapshots of tasks matching the filter, ordered by
// creation.
func (m *Manager) List(f Filter) []Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	recs := make([]*record, 0, len(m.tasks))
	for _, rec := range m.tasks {
		if f.matches(&rec.task) {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })

	out := make([]Task, len(recs))
	for i, rec := range recs {
		out[i] = m.snapshotLocked(rec)
	}
	return out
}

// Await blocks until the task reaches a terminal status or ctx is done.
// It returns the result for completed tasks, the body's failure for failed
// ones, and ErrCancelled for cancelled ones.
func (m *Manager) Await(ctx context.Context, id string) (interface{}, error) {
	m.mu.Lock()
	rec, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("await %s: %w", id, ErrNotFound)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-rec.done:
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	switch rec.task.Status {
	case StatusCompleted:
		return rec.task.Result, nil
	case StatusFailed:
		return nil, errors.New(rec.task.Error)
	default:
		return nil, ErrCancelled
	}
}

// Counts reports how many tasks are pending (including queued) and
// running, for health reporting.
func (m *Manager) Counts() (pending, running int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range m.tasks {
		switch rec.task.Status {
		case StatusPending:
			pending++
		case StatusRunning:
			running++
		}
	}
	return pending, running
}

// Stop refuses new work, cancels everything still waiting in the queue,
// gives running bodies the grace period to finish, then signals
// cancellation to the stragglers. Bodies that ignore the signal keep
// running; forceful termination of arbitrary work is unsafe.
func (m *Manager) Stop(grace time.Duration) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true

	for m.queue.Len() > 0 {
		rec := heap.Pop(&m.queue).(*record)
		rec.queued = false
		if rec.task.Status != StatusPending {
			continue
		}
		now := time.Now()
		rec.task.Status = StatusCancelled
		rec.task.CompletedAt = &now
		m.bus.PublishFrom("task", events.TaskCancelled,
			events.TaskPayload(rec.task.ID, rec.task.Name, string(StatusCancelled), rec.task.Priority.String()))
		close(rec.done)
	}

	var inflight []*record
	for _, rec := range m.tasks {
		if rec.task.Status == StatusRunning {
			inflight = append(inflight, rec)
		}
	}
	m.mu.Unlock()

	if len(inflight) == 0 {
		return
	}

	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	for _, rec := range inflight {
		select {
		case <-rec.done:
		case <-deadline.C:
			m.cancelStragglers(inflight)
			return
		}
	}
}

func (m *Manager) cancelStragglers(inflight []*record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range inflight {
		if rec.task.Status == StatusRunning && rec.cancel != nil {
			rec.cancelRequested = true
			rec.cancel()
			logger.WarnCF("task", "Cancelled task past shutdown grace", map[string]interface{}{
				"task_id": rec.task.ID,
				"name":    rec.task.Name,
			})
		}
	}
}

// snapshotLocked copies the task for callers. Caller holds m.mu.
func (m *Manager) snapshotLocked(rec *record) Task {
	t := rec.task
	t.Metadata = copyMeta(rec.task.Metadata)
	return t
}

func copyMeta(meta map[string]string) map[string]string {
	if meta == nil {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
