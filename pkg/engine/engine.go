// Package engine implements the lifecycle supervisor: the single component
// that owns process-wide startup, the indefinite run loop with health
// probing, and graceful shutdown. Subordinate failures (task bodies, event
// handlers) are contained at their own boundaries; the engine only treats
// faults in its own supervision as fatal.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sablebot/sable/pkg/bus"
	"github.com/sablebot/sable/pkg/config"
	"github.com/sablebot/sable/pkg/events"
	"github.com/sablebot/sable/pkg/logger"
	"github.com/sablebot/sable/pkg/storage"
	"github.com/sablebot/sable/pkg/task"
)

// State is the engine's lifecycle state. Transitions are monotonic:
// initializing → running → shutting_down → stopped, never backwards.
type State string

const (
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StateShuttingDown State = "shutting_down"
	StateStopped      State = "stopped"
)

// probeType is the internal round-trip used to verify the bus is still
// dispatching.
var probeType = events.Custom("engine.probe")

// probeTimeout bounds one health round-trip.
const probeTimeout = 2 * time.Second

// Engine wires the event bus, task manager, and audit storage together
// and supervises them for the lifetime of the process.
type Engine struct {
	cfg *config.Config

	mu    sync.Mutex
	state State

	bus   *bus.Bus
	tasks *task.Manager
	store *storage.Store

	internalSubs []*bus.Subscription
	probeCh      chan string

	startedAt    time.Time
	stopCh       chan struct{}
	shutdownOnce sync.Once
}

// New creates an engine in the initializing state. Configuration is taken
// as an immutable snapshot; changing it after New has no effect.
func New(cfg *config.Config) *Engine {
	return &Engine{
		cfg:     cfg,
		state:   StateInitializing,
		probeCh: make(chan string, 8),
		stopCh:  make(chan struct{}),
	}
}

// Startup initializes the event bus, task manager, and audit storage,
// wires the default subscriptions, and transitions to running. A failing
// required collaborator is fatal: the error is returned for the process
// entry point to report and exit on, never retried here — retrying a
// broken dependency at startup risks a crash loop.
func (e *Engine) Startup() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateInitializing {
		return fmt.Errorf("startup from state %s", e.state)
	}

	e.bus = bus.New()
	e.tasks = task.NewManager(e.bus, e.cfg.Runtime.MaxConcurrentTasks)

	store, err := storage.Open(e.cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("audit storage unavailable: %w", err)
	}
	e.store = store
	e.store.Attach(e.bus)

	e.wireDefaultSubscriptions()

	e.state = StateRunning
	e.startedAt = time.Now()
	e.bus.PublishFrom("engine", events.EngineStarted, events.Payload{
		"agent": e.cfg.AgentName,
	})
	logger.InfoCF("engine", "Engine started", map[string]interface{}{
		"max_concurrent_tasks": e.cfg.Runtime.MaxConcurrentTasks,
	})
	return nil
}

// wireDefaultSubscriptions installs the engine's own handlers: failure
// logging and the health probe tap. Caller holds e.mu.
func (e *Engine) wireDefaultSubscriptions() {
	e.internalSubs = append(e.internalSubs,
		e.bus.Subscribe(events.TaskFailed, func(ev events.Event) {
			logger.WarnCF("engine", "Task failed", map[string]interface{}{
				"task_id": ev.Payload.GetString(events.KeyTaskID),
				"name":    ev.Payload.GetString(events.KeyTaskName),
				"error":   ev.Payload.GetString(events.KeyError),
			})
		}),
		e.bus.Subscribe(events.SystemError, func(ev events.Event) {
			logger.ErrorCF("engine", "System error", map[string]interface{}{
				"component": ev.Payload.GetString(events.KeyComponent),
				"error":     ev.Payload.GetString(events.KeyError),
			})
		}),
		e.bus.Subscribe(probeType, func(ev events.Event) {
			select {
			case e.probeCh <- ev.ID:
			default:
			}
		}),
	)
}

// Run supervises until Shutdown is invoked (directly or via ctx
// cancellation). Subordinate components recover their own faults; a fault
// in the supervision loop itself is returned as a fatal error, because
// masking it would hide the loss of the 24/7 guarantee.
func (e *Engine) Run(ctx context.Context) (err error) {
	if e.State() != StateRunning {
		return fmt.Errorf("run from state %s", e.State())
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("supervisor fault: %v", r)
			logger.ErrorCF("engine", "Supervisor loop panicked", map[string]interface{}{"panic": r})
			e.Shutdown()
		}
	}()

	ticker := time.NewTicker(e.cfg.Runtime.HealthInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.InfoC("engine", "Context cancelled, shutting down")
			return e.Shutdown()

		case <-e.stopCh:
			return nil

		case <-ticker.C:
			if err := e.healthCheck(); err != nil {
				logger.ErrorCF("engine", "Health check failed fatally", map[string]interface{}{
					"error": err.Error(),
				})
				e.Shutdown()
				return err
			}
		}
	}
}

// healthCheck probes the bus with a round-trip event and the task manager
// with a bounded bookkeeping call. A silent bus is recoverable: its
// internal wiring is rebuilt in place. A stalled task manager means its
// lock is wedged, which no in-place restart can fix — that is fatal.
func (e *Engine) healthCheck() error {
	if e.State() != StateRunning {
		return nil
	}

	if !e.probeBus() {
		// A shutdown that began mid-probe silences the bus legitimately.
		if e.State() != StateRunning {
			return nil
		}
		logger.WarnC("engine", "Bus probe timed out, rewiring internal subscriptions")
		e.rewireBus()
		if !e.probeBus() {
			if e.State() != StateRunning {
				return nil
			}
			return fmt.Errorf("event bus unresponsive after restart")
		}
	}

	type counts struct{ pending, running int }
	countCh := make(chan counts, 1)
	go func() {
		p, r := e.tasks.Counts()
		countCh <- counts{p, r}
	}()

	select {
	case c := <-countCh:
		e.bus.PublishFrom("engine", events.SystemHealth, events.Payload{
			"uptime_seconds": int64(time.Since(e.startedAt).Seconds()),
			"pending_tasks":  c.pending,
			"running_tasks":  c.running,
			"handlers":       e.bus.HandlerCount(),
		})
		return nil
	case <-time.After(probeTimeout):
		return fmt.Errorf("task manager bookkeeping unresponsive")
	}
}

// probeBus publishes a probe event and waits for it to come back through
// a subscribed handler. It gives up early once shutdown completes rather
// than waiting out the full timeout against a closed bus.
func (e *Engine) probeBus() bool {
	sent := e.bus.PublishFrom("engine", probeType, nil)
	deadline := time.After(probeTimeout)
	for {
		select {
		case id := <-e.probeCh:
			if id == sent.ID {
				return true
			}
			// Stale probe from an earlier check; keep draining.
		case <-e.stopCh:
			return false
		case <-deadline:
			return false
		}
	}
}

// rewireBus tears down and reinstalls the engine's internal handlers.
func (e *Engine) rewireBus() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, sub := range e.internalSubs {
		e.bus.Unsubscribe(sub)
	}
	e.internalSubs = nil
	e.wireDefaultSubscriptions()
}

// Shutdown stops intake, gives running tasks the configured grace period,
// cancels stragglers, unwires internal handlers, and transitions to
// stopped. Safe to call more than once: only the first call does work.
func (e *Engine) Shutdown() error {
	e.shutdownOnce.Do(func() {
		e.mu.Lock()
		if e.state != StateRunning {
			e.mu.Unlock()
			return
		}
		e.state = StateShuttingDown
		e.mu.Unlock()

		logger.InfoC("engine", "Shutting down")
		e.tasks.Stop(e.cfg.Runtime.ShutdownGrace.Std())

		// Publish before unwiring so the stop is audited.
		e.bus.PublishFrom("engine", events.EngineStopped, events.Payload{
			"uptime_seconds": int64(time.Since(e.startedAt).Seconds()),
		})

		e.mu.Lock()
		for _, sub := range e.internalSubs {
			e.bus.Unsubscribe(sub)
		}
		e.internalSubs = nil
		e.mu.Unlock()

		e.store.Detach(e.bus)
		e.bus.Close()
		if err := e.store.Close(); err != nil {
			logger.WarnCF("engine", "Closing audit storage", map[string]interface{}{"error": err.Error()})
		}

		e.mu.Lock()
		e.state = StateStopped
		e.mu.Unlock()
		close(e.stopCh)
		logger.InfoC("engine", "Engine stopped")
	})
	return nil
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Bus exposes the event bus to collaborators (channels, cron, gateway).
func (e *Engine) Bus() *bus.Bus { return e.bus }

// Tasks exposes the task manager to collaborators.
func (e *Engine) Tasks() *task.Manager { return e.tasks }

// Store exposes the audit log for read-side collaborators.
func (e *Engine) Store() *storage.Store { return e.store }
