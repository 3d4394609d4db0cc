// Package events implements the in-process publish/subscribe registry
// that fans ledger events out to application subscribers.
//
// Listeners are keyed by event name and dispatched in registration order.
// Dispatch for a given name is serialized: all listeners for one emitted
// event run to completion before the next event of that name is drained.
// Different event names are drained concurrently. A listener that panics
// is logged and does not prevent the remaining listeners from running.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event names published by the governance core.
const (
	CovenantRegistered = "covenant.registered"
	BreachDetected     = "breach.detected"
	AuditEntryCreated  = "audit.entry_created"
	ESGScoreRecorded   = "esg.score_recorded"
	ESGAlertTriggered  = "esg.alert_triggered"
	IntegrityDegraded  = "audit.integrity_degraded"
)

// Event is delivered to every listener registered for its name.
type Event struct {
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// Listener handles one event. It must not block indefinitely: it stalls
// the dispatch queue for its event name.
type Listener func(Event)

// queueDepth bounds the per-name backlog before Emit blocks.
const queueDepth = 256

type subscriber struct {
	id uuid.UUID
	fn Listener
}

type topic struct {
	mu        sync.Mutex
	listeners []subscriber
	queue     chan Event
}

// Bus is the event registry. The zero value is not usable; construct
// with NewBus.
type Bus struct {
	mu     sync.Mutex
	topics map[string]*topic
	logger *zap.Logger
	wg     sync.WaitGroup
	closed bool
}

// NewBus creates an event bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		topics: make(map[string]*topic),
		logger: logger,
	}
}

func (b *Bus) topicFor(name string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	t, ok := b.topics[name]
	if !ok {
		t = &topic{queue: make(chan Event, queueDepth)}
		b.topics[name] = t
		b.wg.Add(1)
		go b.drain(name, t)
	}
	return t
}

// drain delivers queued events for one topic, one at a time.
func (b *Bus) drain(name string, t *topic) {
	defer b.wg.Done()
	for ev := range t.queue {
		t.mu.Lock()
		subs := append([]subscriber(nil), t.listeners...)
		t.mu.Unlock()

		for _, s := range subs {
			b.deliver(name, s, ev)
		}
	}
}

func (b *Bus) deliver(name string, s subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panicked",
				zap.String("event", name),
				zap.String("subscription", s.id.String()),
				zap.Any("panic", r),
			)
		}
	}()
	s.fn(ev)
}

// On registers fn for the named event and returns a subscription id for
// Off. Listeners run in registration order.
func (b *Bus) On(name string, fn Listener) uuid.UUID {
	t := b.topicFor(name)
	if t == nil {
		return uuid.Nil
	}
	id := uuid.New()
	t.mu.Lock()
	t.listeners = append(t.listeners, subscriber{id: id, fn: fn})
	t.mu.Unlock()
	return id
}

// Off removes the subscription. Removing an unknown id is a no-op.
func (b *Bus) Off(name string, id uuid.UUID) {
	b.mu.Lock()
	t, ok := b.topics[name]
	b.mu.Unlock()
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.listeners {
		if s.id == id {
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

// Emit queues payload for delivery to the name's listeners. Blocks only
// when the per-name backlog is full.
func (b *Bus) Emit(name string, payload any) {
	t := b.topicFor(name)
	if t == nil {
		return
	}
	t.queue <- Event{Name: name, Timestamp: time.Now().UTC(), Payload: payload}
}

// Close stops all dispatch goroutines after the queued events drain.
// Emit and On become no-ops afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, t := range b.topics {
		close(t.queue)
	}
	b.mu.Unlock()
	b.wg.Wait()
}
