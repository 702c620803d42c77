package events

import (
	"fmt"
	"sync"

	"github.com/hugo-lorenzo-mato/quorum-flow/internal/logging"
)

// Handler observes events delivered to a subscription.
type Handler func(Event)

// Emitter publishes engine events and fans them out to handler subscriptions.
// Each subscription runs its handler on its own goroutine, so a slow or
// panicking observer only affects itself.
type Emitter struct {
	bus    *EventBus
	logger *logging.Logger
}

// NewEmitter wraps bus. A nil logger discards handler panics silently.
func NewEmitter(bus *EventBus, logger *logging.Logger) *Emitter {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Emitter{bus: bus, logger: logger}
}

// Bus returns the underlying event bus.
func (e *Emitter) Bus() *EventBus {
	return e.bus
}

// Emit publishes ev. It never blocks.
func (e *Emitter) Emit(ev Event) {
	if e == nil || e.bus == nil {
		return
	}
	e.bus.Publish(ev)
}

// Subscription is a live handler registration.
type Subscription struct {
	bus  *EventBus
	ch   <-chan Event
	done chan struct{}
	once sync.Once
}

// Subscribe delivers the events of instanceID (every instance when empty)
// to handler in publish order. Restrict to types when given.
func (e *Emitter) Subscribe(instanceID string, handler Handler, types ...string) *Subscription {
	sub := &Subscription{
		bus:  e.bus,
		ch:   e.bus.SubscribeInstance(instanceID, types...),
		done: make(chan struct{}),
	}
	go func() {
		defer close(sub.done)
		for ev := range sub.ch {
			e.dispatch(handler, ev)
		}
	}()
	return sub
}

func (e *Emitter) dispatch(handler Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event handler panicked",
				"event", ev.EventType(),
				"instance_id", ev.InstanceID(),
				"panic", fmt.Sprint(r))
		}
	}()
	handler(ev)
}

// Close stops delivery. Events still queued are discarded once the
// delivery goroutine observes the closed channel. Safe to call from a handler.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.Unsubscribe(s.ch)
	})
}

// Done is closed after the last event has been handled.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}
