// Package eventbus is an in-process publish/subscribe fabric that fans out
// recipient lifecycle events to engine subscribers (the Notification
// Planner, first and foremost). Delivery is fire-and-forget: publishers
// never block on subscriber completion, and one subscriber's failure never
// prevents another subscriber from running.
package eventbus

import (
	"context"
	"sync"

	"github.com/wb-go/wbf/zlog"
)

// Topic names the three recipient lifecycle events the engine reacts to.
type Topic string

const (
	RecipientCreated Topic = "RECIPIENT_CREATED"
	RecipientUpdated Topic = "RECIPIENT_UPDATED"
	RecipientDeleted Topic = "RECIPIENT_DELETED"
)

// Event wraps a topic-specific payload with the trace id that correlates it
// across logs, the event bus and any Dispatcher job it causes.
type Event struct {
	Topic   Topic
	TraceID string
	Payload any
}

// Subscriber handles one Event. Errors are logged by the bus and never
// propagate to other subscribers.
type Subscriber func(ctx context.Context, event Event) error

// Bus is a process-wide service: construct once at startup, register
// subscribers before Publish is ever called, and keep the same instance for
// the process lifetime.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Topic][]Subscriber
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[Topic][]Subscriber)}
}

// Subscribe registers fn to run for every future Publish on topic.
// Subscriptions are not removable; the engine registers all subscribers at
// process start, per spec §9's "global singleton" note.
func (b *Bus) Subscribe(topic Topic, fn Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers[topic] = append(b.subscribers[topic], fn)
}

// Publish fans event out to every subscriber of event.Topic on its own
// goroutine. It returns immediately; it does not wait for subscribers to
// finish, and a panicking or erroring subscriber is logged and otherwise
// ignored.
func (b *Bus) Publish(ctx context.Context, event Event) {
	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subscribers[event.Topic]...)
	b.mu.RUnlock()

	for _, fn := range subs {
		go b.dispatch(ctx, fn, event)
	}
}

func (b *Bus) dispatch(ctx context.Context, fn Subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			zlog.Logger.Error().
				Interface("panic", r).
				Str("topic", string(event.Topic)).
				Str("trace_id", event.TraceID).
				Msg("event bus subscriber panicked")
		}
	}()

	if err := fn(ctx, event); err != nil {
		zlog.Logger.Error().
			Err(err).
			Str("topic", string(event.Topic)).
			Str("trace_id", event.TraceID).
			Msg("event bus subscriber failed")
	}
}
