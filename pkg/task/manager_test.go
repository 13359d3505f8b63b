package task

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sablebot/sable/pkg/bus"
	"github.com/sablebot/sable/pkg/events"
)

func newTestManager(t *testing.T, limit int) (*Manager, *bus.Bus) {
	t.Helper()
	b := bus.New()
	t.Cleanup(b.Close)
	return NewManager(b, limit), b
}

// collectEvents subscribes before the action under test and returns a
// channel of observed events of the given types.
func collectEvents(b *bus.Bus, types ...events.Type) <-chan events.Event {
	ch := make(chan events.Event, 64)
	for _, typ := range types {
		b.Subscribe(typ, func(e events.Event) { ch <- e })
	}
	return ch
}

// waitEvent reads from ch until an event of the wanted type appears.
// Completion order across concurrent handlers is unspecified, so other
// event types may arrive interleaved.
func waitEvent(t *testing.T, ch <-chan events.Event, want events.Type) events.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Type == want {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
			return events.Event{}
		}
	}
}

func TestCreateAllocatesPendingTask(t *testing.T) {
	m, b := newTestManager(t, 0)
	ch := collectEvents(b, events.TaskCreated)

	task, err := m.Create("greet", "say hello", PriorityNormal, map[string]string{"channel": "cli"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if task.ID == "" {
		t.Fatal("expected a task ID")
	}
	if task.Status != StatusPending {
		t.Fatalf("expected pending, got %s", task.Status)
	}
	if task.StartedAt != nil || task.CompletedAt != nil {
		t.Fatal("timestamps must be absent before the corresponding transitions")
	}
	if task.Result != nil || task.Error != "" {
		t.Fatal("result and error must be absent in pending state")
	}

	e := waitEvent(t, ch, events.TaskCreated)
	if e.Payload.GetString(events.KeyTaskID) != task.ID {
		t.Fatalf("event names wrong task: %v", e.Payload)
	}
}

func TestExecuteRunsBodyToCompletion(t *testing.T) {
	m, b := newTestManager(t, 0)
	ch := collectEvents(b, events.TaskStarted, events.TaskCompleted)

	created, _ := m.Create("sum", "", PriorityNormal, nil)
	if err := m.Execute(created.ID, func(ctx context.Context, tk Task) (interface{}, error) {
		return 42, nil
	}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	waitEvent(t, ch, events.TaskStarted)
	waitEvent(t, ch, events.TaskCompleted)

	got, err := m.Get(created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.Result != 42 {
		t.Fatalf("expected result 42, got %v", got.Result)
	}
	if got.Error != "" {
		t.Fatalf("error must be absent on completed tasks, got %q", got.Error)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Fatal("expected started/completed timestamps")
	}
}

func TestBodyErrorBecomesFailedStatus(t *testing.T) {
	m, b := newTestManager(t, 0)
	ch := collectEvents(b, events.TaskFailed)

	created, _ := m.Create("explode", "", PriorityNormal, nil)
	if err := m.Execute(created.ID, func(ctx context.Context, tk Task) (interface{}, error) {
		return nil, errors.New("boom")
	}); err != nil {
		t.Fatalf("Execute must not surface body errors, got %v", err)
	}

	e := waitEvent(t, ch, events.TaskFailed)
	if !strings.Contains(e.Payload.GetString(events.KeyError), "boom") {
		t.Fatalf("failure event must carry the cause: %v", e.Payload)
	}

	got, _ := m.Get(created.ID)
	if got.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if !strings.Contains(got.Error, "boom") {
		t.Fatalf("expected error to contain boom, got %q", got.Error)
	}
	if got.Result != nil {
		t.Fatal("result must be absent on failed tasks")
	}
}

func TestBodyPanicIsContained(t *testing.T) {
	m, _ := newTestManager(t, 0)

	created, _ := m.Create("panics", "", PriorityNormal, nil)
	if err := m.Execute(created.ID, func(ctx context.Context, tk Task) (interface{}, error) {
		panic("unrecoverable-looking but contained")
	}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if _, err := m.Await(context.Background(), created.ID); err == nil {
		t.Fatal("expected an error from Await on a panicked task")
	}
	got, _ := m.Get(created.ID)
	if got.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if !strings.Contains(got.Error, "panic") {
		t.Fatalf("expected panic in error, got %q", got.Error)
	}
}

func TestExecuteRejectsIllegalStates(t *testing.T) {
	m, _ := newTestManager(t, 0)

	if err := m.Execute("no-such-id", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	release := make(chan struct{})
	created, _ := m.Create("long", "", PriorityNormal, nil)
	m.Execute(created.ID, func(ctx context.Context, tk Task) (interface{}, error) {
		<-release
		return nil, nil
	})

	// Wait for the running transition.
	waitForStatus(t, m, created.ID, StatusRunning)

	err := m.Execute(created.ID, func(ctx context.Context, tk Task) (interface{}, error) { return nil, nil })
	var ise *InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
	if ise.Status != StatusRunning {
		t.Fatalf("error must name the current status, got %s", ise.Status)
	}

	close(release)
	m.Await(context.Background(), created.ID)

	// Re-executing a terminal task must also fail and not re-run.
	err = m.Execute(created.ID, func(ctx context.Context, tk Task) (interface{}, error) { return nil, nil })
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidStateError on terminal task, got %v", err)
	}
}

func waitForStatus(t *testing.T, m *Manager, id string, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := m.Get(id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached status %s", id, want)
}

func TestCancelPendingPreventsBodyRun(t *testing.T) {
	m, b := newTestManager(t, 1)
	ch := collectEvents(b, events.TaskCancelled)

	// Occupy the single slot.
	release := make(chan struct{})
	blocker, _ := m.Create("blocker", "", PriorityNormal, nil)
	m.Execute(blocker.ID, func(ctx context.Context, tk Task) (interface{}, error) {
		<-release
		return nil, nil
	})

	var ran int32
	queued, _ := m.Create("queued", "", PriorityNormal, nil)
	m.Execute(queued.ID, func(ctx context.Context, tk Task) (interface{}, error) {
		atomic.AddInt32(&ran, 1)
		return nil, nil
	})

	did, err := m.Cancel(queued.ID)
	if err != nil || !did {
		t.Fatalf("Cancel pending: did=%v err=%v", did, err)
	}
	waitEvent(t, ch, events.TaskCancelled)

	close(release)
	m.Await(context.Background(), blocker.ID)
	time.Sleep(20 * time.Millisecond) // give a wrongly-dispatched body time to run

	if atomic.LoadInt32(&ran) != 0 {
		t.Fatal("cancelled pending task's body ran")
	}
	got, _ := m.Get(queued.ID)
	if got.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
}

func TestCancelRunningIsCooperative(t *testing.T) {
	m, _ := newTestManager(t, 0)

	created, _ := m.Create("cooperative", "", PriorityNormal, nil)
	m.Execute(created.ID, func(ctx context.Context, tk Task) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	waitForStatus(t, m, created.ID, StatusRunning)

	did, err := m.Cancel(created.ID)
	if err != nil || !did {
		t.Fatalf("Cancel running: did=%v err=%v", did, err)
	}

	if _, err := m.Await(context.Background(), created.ID); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}

	// Cancelling a terminal task reports no transition.
	did, err = m.Cancel(created.ID)
	if err != nil || did {
		t.Fatalf("expected no-op on terminal task, did=%v err=%v", did, err)
	}
}

func TestUrgentDispatchesBeforeLowUnderLimit(t *testing.T) {
	m, _ := newTestManager(t, 1)

	release := make(chan struct{})
	blocker, _ := m.Create("blocker", "", PriorityNormal, nil)
	m.Execute(blocker.ID, func(ctx context.Context, tk Task) (interface{}, error) {
		<-release
		return nil, nil
	})

	order := make(chan string, 2)
	low, _ := m.Create("low", "", PriorityLow, nil)
	m.Execute(low.ID, func(ctx context.Context, tk Task) (interface{}, error) {
		order <- "low"
		return nil, nil
	})
	urgent, _ := m.Create("urgent", "", PriorityUrgent, nil)
	m.Execute(urgent.ID, func(ctx context.Context, tk Task) (interface{}, error) {
		order <- "urgent"
		return nil, nil
	})

	// Both are waiting; the queued ones must still be pending.
	if got, _ := m.Get(urgent.ID); got.Status != StatusPending {
		t.Fatalf("queued task must stay pending, got %s", got.Status)
	}

	close(release)
	m.Await(context.Background(), urgent.ID)
	m.Await(context.Background(), low.ID)

	if first := <-order; first != "urgent" {
		t.Fatalf("urgent must begin running before low, got %q first", first)
	}
}

func TestFIFOWithinSamePriority(t *testing.T) {
	m, _ := newTestManager(t, 1)

	release := make(chan struct{})
	blocker, _ := m.Create("blocker", "", PriorityNormal, nil)
	m.Execute(blocker.ID, func(ctx context.Context, tk Task) (interface{}, error) {
		<-release
		return nil, nil
	})

	order := make(chan string, 2)
	first, _ := m.Create("first", "", PriorityNormal, nil)
	m.Execute(first.ID, func(ctx context.Context, tk Task) (interface{}, error) {
		order <- "first"
		return nil, nil
	})
	second, _ := m.Create("second", "", PriorityNormal, nil)
	m.Execute(second.ID, func(ctx context.Context, tk Task) (interface{}, error) {
		order <- "second"
		return nil, nil
	})

	close(release)
	m.Await(context.Background(), first.ID)
	m.Await(context.Background(), second.ID)

	if got := <-order; got != "first" {
		t.Fatalf("expected FIFO within a priority, got %q first", got)
	}
}

func TestAwaitReturnsResult(t *testing.T) {
	m, _ := newTestManager(t, 0)

	created, _ := m.Create("answer", "", PriorityHigh, nil)
	m.Execute(created.ID, func(ctx context.Context, tk Task) (interface{}, error) {
		return "42", nil
	})

	res, err := m.Await(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if res != "42" {
		t.Fatalf("expected result 42, got %v", res)
	}
}

func TestListFilters(t *testing.T) {
	m, _ := newTestManager(t, 0)

	a, _ := m.Create("a", "", PriorityLow, nil)
	m.Create("b", "", PriorityUrgent, nil)
	m.Execute(a.ID, func(ctx context.Context, tk Task) (interface{}, error) { return nil, nil })
	m.Await(context.Background(), a.ID)

	if got := len(m.List(Filter{})); got != 2 {
		t.Fatalf("expected 2 tasks, got %d", got)
	}
	if got := len(m.List(Filter{Status: StatusCompleted})); got != 1 {
		t.Fatalf("expected 1 completed task, got %d", got)
	}
	urgent := PriorityUrgent
	if got := len(m.List(Filter{Priority: &urgent})); got != 1 {
		t.Fatalf("expected 1 urgent task, got %d", got)
	}
}

func TestStopCancelsQueuedAndRefusesNewWork(t *testing.T) {
	m, _ := newTestManager(t, 1)

	release := make(chan struct{})
	blocker, _ := m.Create("blocker", "", PriorityNormal, nil)
	m.Execute(blocker.ID, func(ctx context.Context, tk Task) (interface{}, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, ctx.Err()
	})
	queued, _ := m.Create("queued", "", PriorityNormal, nil)
	m.Execute(queued.ID, func(ctx context.Context, tk Task) (interface{}, error) { return nil, nil })

	waitForStatus(t, m, blocker.ID, StatusRunning)
	m.Stop(50 * time.Millisecond)

	if got, _ := m.Get(queued.ID); got.Status != StatusCancelled {
		t.Fatalf("queued task must be cancelled on stop, got %s", got.Status)
	}
	if _, err := m.Create("late", "", PriorityNormal, nil); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestResultAndErrorMutuallyExclusive(t *testing.T) {
	m, _ := newTestManager(t, 0)

	ok, _ := m.Create("ok", "", PriorityNormal, nil)
	bad, _ := m.Create("bad", "", PriorityNormal, nil)
	m.Execute(ok.ID, func(ctx context.Context, tk Task) (interface{}, error) { return "fine", nil })
	m.Execute(bad.ID, func(ctx context.Context, tk Task) (interface{}, error) { return nil, errors.New("nope") })
	m.Await(context.Background(), ok.ID)
	m.Await(context.Background(), bad.ID)

	for _, tk := range m.List(Filter{}) {
		hasResult := tk.Result != nil
		hasError := tk.Error != ""
		if hasResult && hasError {
			t.Fatalf("task %s has both result and error", tk.Name)
		}
		if tk.Status == StatusCompleted && !hasResult {
			t.Fatalf("completed task %s missing result", tk.Name)
		}
		if tk.Status == StatusFailed && !hasError {
			t.Fatalf("failed task %s missing error", tk.Name)
		}
	}
}
