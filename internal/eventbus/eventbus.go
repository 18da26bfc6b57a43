// Package eventbus implements the process-local, ordered-per-subject
// publish/subscribe fan-out that carries worker and workflow state
// transitions to subscribers.
package eventbus

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType names a fan-out event kind. New kinds are added as string
// constants by the emitting package rather than centralized here, so the
// bus itself stays agnostic to payload shape.
type EventType string

// Event is a single fan-out message.
type Event struct {
	ID        string
	Type      EventType
	Source    string
	Subject   string // "all" = global; anything else = chat/swarm-scoped
	Payload   map[string]interface{}
	CreatedAt time.Time
}

// NewEvent creates an event with a fresh UUID and current timestamp.
func NewEvent(eventType EventType, source, subject string, payload map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Subject:   subject,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}

// Handler is a subscriber callback. It is invoked synchronously from the
// publisher's goroutine (the scheduler tick) and must not block; a slow
// or panicking handler only affects its own delivery, never the bus.
type Handler func(Event)

type subscription struct {
	id      string
	subject string
	types   map[EventType]struct{} // empty = all types
	handler Handler
}

// Bus is a single-threaded, per-subject-ordered event fan-out. Delivery
// is at-most-once per subscriber: a handler that is slow or that the
// caller has not yet registered simply misses events published before it
// subscribed.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]*subscription // subject -> subscriptions
	dropped uint64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]*subscription)}
}

// Subscribe registers handler for subject ("all" for global broadcasts,
// anything else for a chat/swarm-scoped subject). types narrows delivery
// to the given event types; an empty slice receives everything on the
// subject. Returns an ID usable with Unsubscribe.
func (b *Bus) Subscribe(subject string, types []EventType, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	typeSet := make(map[EventType]struct{}, len(types))
	for _, t := range types {
		typeSet[t] = struct{}{}
	}

	sub := &subscription{
		id:      uuid.New().String(),
		subject: subject,
		types:   typeSet,
		handler: handler,
	}
	b.subs[subject] = append(b.subs[subject], sub)
	return sub.id
}

// Unsubscribe removes a subscription by ID from subject.
func (b *Bus) Unsubscribe(subject, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subs[subject]
	if !ok {
		return
	}
	for i, s := range subs {
		if s.id == id {
			b.subs[subject] = append(subs[:i], subs[i+1:]...)
			if len(b.subs[subject]) == 0 {
				delete(b.subs, subject)
			}
			return
		}
	}
}

// Publish delivers event to every matching subscriber. Subscribers of
// one subject are called in their registration order. Subject "all"
// reaches every subscriber regardless of the subject they registered on,
// walking the subjects in map order, so the order across subjects is not
// defined; any other subject reaches its own subscribers first and then
// those registered on "all".
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	var targets []*subscription
	if event.Subject == "all" {
		for _, subs := range b.subs {
			targets = append(targets, subs...)
		}
	} else {
		targets = append(targets, b.subs[event.Subject]...)
		targets = append(targets, b.subs["all"]...)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		if !matches(event.Type, sub.types) {
			continue
		}
		b.deliver(sub, event)
	}
}

func matches(t EventType, types map[EventType]struct{}) bool {
	if len(types) == 0 {
		return true
	}
	_, ok := types[t]
	return ok
}

// deliver invokes a handler, recovering a panic so one misbehaving
// subscriber cannot take down the publishing tick. A recovered panic
// counts as a dropped delivery for that subscriber only.
func (b *Bus) deliver(sub *subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.mu.Lock()
			b.dropped++
			b.mu.Unlock()
			log.Printf("[EVENTBUS] subscriber panicked delivering %s on %s: %v", event.Type, event.Subject, r)
		}
	}()
	sub.handler(event)
}

// DroppedCount returns the number of deliveries dropped due to a
// panicking subscriber.
func (b *Bus) DroppedCount() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}
