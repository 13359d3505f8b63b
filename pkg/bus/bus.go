// Package bus provides the in-process publish/subscribe dispatcher that
// connects the runtime's components. Publishing is fire-and-forget: a slow
// or failing handler never blocks the publisher or its sibling handlers.
package bus

import (
	"fmt"
	"sync"

	"github.com/sablebot/sable/pkg/events"
	"github.com/sablebot/sable/pkg/logger"
)

// Handler processes one event. Handlers run concurrently with each other
// and with the publisher; a handler must not assume serialized delivery
// unless it queues internally.
type Handler func(events.Event)

// typeAll is the internal key for handlers registered via SubscribeAll.
const typeAll events.Type = "*"

// Subscription is the handle returned by Subscribe. Passing it to
// Unsubscribe removes exactly that registration.
type Subscription struct {
	id  uint64
	typ events.Type
}

type registration struct {
	id uint64
	fn Handler
}

// Bus dispatches published events to all handlers subscribed to the
// event's type. The subscription table is the only shared state and is
// guarded by a RWMutex; multiple Bus instances can coexist.
type Bus struct {
	mu     sync.RWMutex
	subs   map[events.Type][]registration
	nextID uint64
	closed bool

	wg sync.WaitGroup // in-flight handler invocations
}

// New creates an empty event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[events.Type][]registration),
	}
}

// Subscribe registers a handler for an event type and returns its handle.
// Handlers for one type are invoked in registration order.
func (b *Bus) Subscribe(t events.Type, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.subs[t] = append(b.subs[t], registration{id: b.nextID, fn: h})
	return &Subscription{id: b.nextID, typ: t}
}

// SubscribeAll registers a handler that receives every event, after the
// type-specific handlers of each event.
func (b *Bus) SubscribeAll(h Handler) *Subscription {
	return b.Subscribe(typeAll, h)
}

// Unsubscribe removes one handler registration. It is idempotent: removing
// an already-removed (or nil) subscription is a no-op.
func (b *Bus) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	regs := b.subs[s.typ]
	for i, reg := range regs {
		if reg.id == s.id {
			b.subs[s.typ] = append(regs[:i:i], regs[i+1:]...)
			return
		}
	}
}

// Publish constructs an Event with a fresh ID and current timestamp, then
// dispatches it to every handler currently subscribed to its type. It
// returns once dispatch has been scheduled; it never waits for handlers.
// Publishing on a closed bus is a silent no-op.
func (b *Bus) Publish(t events.Type, payload events.Payload) events.Event {
	return b.PublishFrom("", t, payload)
}

// PublishFrom is Publish with an explicit source tag on the event.
func (b *Bus) PublishFrom(source string, t events.Type, payload events.Payload) events.Event {
	e := events.New(t, source, payload)

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return e
	}
	// Snapshot under the read lock so a concurrent Unsubscribe of an
	// unrelated registration cannot affect this dispatch.
	targets := make([]registration, 0, len(b.subs[t])+len(b.subs[typeAll]))
	targets = append(targets, b.subs[t]...)
	targets = append(targets, b.subs[typeAll]...)
	b.wg.Add(len(targets))
	b.mu.RUnlock()

	// Goroutines are launched in registration order; completion order is
	// unspecified.
	for _, reg := range targets {
		go b.invoke(reg.fn, e)
	}
	return e
}

// invoke runs one handler with panic isolation. A panicking handler is
// logged and surfaced as a system.error event, except when it was itself
// handling system.error — that is only logged, so a broken error handler
// cannot feed itself.
func (b *Bus) invoke(h Handler, e events.Event) {
	defer b.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("bus", "Handler panicked", map[string]interface{}{
				"event_type": e.Type.String(),
				"event_id":   e.ID,
				"panic":      r,
			})
			if e.Type != events.SystemError {
				b.PublishFrom("bus", events.SystemError,
					events.ErrorPayload("bus", fmt.Sprintf("handler panic on %s: %v", e.Type, r)))
			}
		}
	}()
	h(e)
}

// HandlerCount returns the total number of registered handlers.
func (b *Bus) HandlerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := 0
	for _, regs := range b.subs {
		count += len(regs)
	}
	return count
}

// Close stops accepting publishes and waits for in-flight handlers to
// finish. Safe to call more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.wg.Wait()
}
