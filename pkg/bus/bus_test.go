package bus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sablebot/sable/pkg/events"
)

func TestPublishDeliversToAllHandlers(t *testing.T) {
	b := New()
	defer b.Close()

	const handlers = 5
	var wg sync.WaitGroup
	wg.Add(handlers)
	var count int32

	for i := 0; i < handlers; i++ {
		b.Subscribe(events.UserInput, func(e events.Event) {
			defer wg.Done()
			if e.Payload.GetString(events.KeyContent) != "hello" {
				t.Errorf("unexpected payload: %v", e.Payload)
			}
			atomic.AddInt32(&count, 1)
		})
	}

	b.Publish(events.UserInput, events.Payload{events.KeyContent: "hello"})
	wg.Wait()

	if got := atomic.LoadInt32(&count); got != handlers {
		t.Fatalf("expected %d invocations, got %d", handlers, got)
	}
}

func TestPublishAssignsFreshIDAndTimestamp(t *testing.T) {
	b := New()
	defer b.Close()

	e1 := b.Publish(events.SystemHealth, nil)
	e2 := b.Publish(events.SystemHealth, nil)

	if e1.ID == "" || e2.ID == "" {
		t.Fatal("expected non-empty event IDs")
	}
	if e1.ID == e2.ID {
		t.Fatalf("expected unique IDs, both were %s", e1.ID)
	}
	if e1.Timestamp.IsZero() {
		t.Fatal("expected a timestamp")
	}
}

func TestPanickingHandlerDoesNotBlockSiblings(t *testing.T) {
	b := New()

	var delivered int32
	var wg sync.WaitGroup
	wg.Add(2)

	b.Subscribe(events.UserInput, func(events.Event) {
		defer wg.Done()
		panic("boom")
	})
	b.Subscribe(events.UserInput, func(events.Event) {
		defer wg.Done()
		atomic.AddInt32(&delivered, 1)
	})

	b.Publish(events.UserInput, nil)
	wg.Wait()

	if atomic.LoadInt32(&delivered) != 1 {
		t.Fatal("sibling handler was not invoked")
	}

	// The same handler set must keep working for later events.
	wg.Add(2)
	b.Publish(events.UserInput, nil)
	wg.Wait()
	b.Close()

	if atomic.LoadInt32(&delivered) != 2 {
		t.Fatal("later event was not delivered after a handler panic")
	}
}

func TestPanicSurfacesAsSystemError(t *testing.T) {
	b := New()

	errCh := make(chan events.Event, 1)
	b.Subscribe(events.SystemError, func(e events.Event) {
		select {
		case errCh <- e:
		default:
		}
	})
	b.Subscribe(events.UserInput, func(events.Event) {
		panic("boom")
	})

	b.Publish(events.UserInput, nil)

	select {
	case e := <-errCh:
		if e.Payload.GetString(events.KeyComponent) != "bus" {
			t.Errorf("unexpected component: %v", e.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no system.error event after handler panic")
	}
	b.Close()
}

func TestPanicInSystemErrorHandlerDoesNotRecurse(t *testing.T) {
	b := New()

	b.Subscribe(events.SystemError, func(events.Event) {
		panic("error handler is itself broken")
	})

	// Must settle: the panicking system.error handler is logged but does
	// not publish another system.error.
	b.Publish(events.SystemError, events.ErrorPayload("test", "original"))
	b.Close()
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := New()
	defer b.Close()

	var count int32
	sub := b.Subscribe(events.UserInput, func(events.Event) {
		atomic.AddInt32(&count, 1)
	})

	b.Unsubscribe(sub)
	b.Unsubscribe(sub) // second removal is a no-op
	b.Unsubscribe(nil) // nil-safe

	done := make(chan struct{})
	b.Subscribe(events.UserInput, func(events.Event) { close(done) })
	b.Publish(events.UserInput, nil)
	<-done

	if atomic.LoadInt32(&count) != 0 {
		t.Fatal("unsubscribed handler was invoked")
	}
}

func TestUnsubscribeUnrelatedTypeDuringDispatch(t *testing.T) {
	b := New()

	release := make(chan struct{})
	var delivered int32
	var wg sync.WaitGroup
	wg.Add(1)

	b.Subscribe(events.UserInput, func(events.Event) {
		defer wg.Done()
		<-release
		atomic.AddInt32(&delivered, 1)
	})
	other := b.Subscribe(events.SystemHealth, func(events.Event) {})

	b.Publish(events.UserInput, nil)

	// Removing a handler for a different type mid-dispatch must not
	// affect the in-flight delivery.
	b.Unsubscribe(other)
	close(release)
	wg.Wait()
	b.Close()

	if atomic.LoadInt32(&delivered) != 1 {
		t.Fatal("dispatch was affected by unrelated unsubscribe")
	}
}

func TestPublishDoesNotBlockOnSlowHandler(t *testing.T) {
	b := New()

	block := make(chan struct{})
	b.Subscribe(events.UserInput, func(events.Event) {
		<-block
	})

	start := time.Now()
	b.Publish(events.UserInput, nil)
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("Publish blocked on handler for %v", elapsed)
	}

	close(block)
	b.Close()
}

func TestSubscribeAllReceivesEveryType(t *testing.T) {
	b := New()

	var wg sync.WaitGroup
	wg.Add(2)
	var count int32
	b.SubscribeAll(func(events.Event) {
		defer wg.Done()
		atomic.AddInt32(&count, 1)
	})

	b.Publish(events.TaskCreated, nil)
	b.Publish(events.Custom("metrics.tick"), nil)
	wg.Wait()
	b.Close()

	if atomic.LoadInt32(&count) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", count)
	}
}

func TestCloseDrainsInFlightHandlers(t *testing.T) {
	b := New()

	var finished int32
	var started sync.WaitGroup
	started.Add(1)
	b.Subscribe(events.UserInput, func(events.Event) {
		started.Done()
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt32(&finished, 1)
	})

	b.Publish(events.UserInput, nil)
	started.Wait()
	b.Close()

	if atomic.LoadInt32(&finished) != 1 {
		t.Fatal("Close returned before in-flight handler finished")
	}

	// Publishing after Close is a silent no-op.
	b.Publish(events.UserInput, nil)
}
