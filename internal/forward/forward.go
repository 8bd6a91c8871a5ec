// Package forward turns channel callbacks into typed application events
// queued for a per-tick reader.
package forward

import (
	"sync/atomic"

	"github.com/rickgao/realtime-bridge/internal/channel"
	"github.com/rickgao/realtime-bridge/internal/protocol"
	"github.com/rickgao/realtime-bridge/internal/queue"
)

// EventQueue holds events between ticks. Writers never block.
type EventQueue[E any] struct {
	q *queue.Queue[E]
}

// NewEventQueue creates a queue. maxPending bounds memory when the reader
// stalls (0 = unbounded); the oldest events are dropped first.
func NewEventQueue[E any](name string, maxPending int) *EventQueue[E] {
	return &EventQueue[E]{
		q: queue.New[E](queue.Config{
			Name:            name,
			InitialCapacity: 64,
			MaxCapacity:     maxPending,
		}),
	}
}

// Send enqueues an event. Returns false after Close.
func (eq *EventQueue[E]) Send(e E) bool {
	return eq.q.Push(e)
}

// Read returns every event sent since the previous Read, oldest first.
func (eq *EventQueue[E]) Read() []E {
	return eq.q.Drain(0)
}

// Len returns the number of unread events.
func (eq *EventQueue[E]) Len() int {
	return eq.q.Len()
}

// Dropped returns how many events were discarded at capacity.
func (eq *EventQueue[E]) Dropped() int64 {
	return eq.q.Stats().Dropped
}

// Close stops accepting events. Unread events remain readable.
func (eq *EventQueue[E]) Close() {
	eq.q.Close()
}

// Forwarder maps postgres changes for one binding into events of type E.
type Forwarder[E any] struct {
	event   protocol.PostgresChangesEvent
	filter  protocol.PostgresChangeFilter
	convert func(protocol.PostgresChangesPayload) E
	out     *EventQueue[E]

	forwarded atomic.Int64
}

// New creates a forwarder that writes convert(payload) to out.
func New[E any](event protocol.PostgresChangesEvent, filter protocol.PostgresChangeFilter, convert func(protocol.PostgresChangesPayload) E, out *EventQueue[E]) *Forwarder[E] {
	return &Forwarder[E]{
		event:   event,
		filter:  filter,
		convert: convert,
		out:     out,
	}
}

// Handle converts and enqueues one change.
func (f *Forwarder[E]) Handle(payload protocol.PostgresChangesPayload) {
	if f.out.Send(f.convert(payload)) {
		f.forwarded.Add(1)
	}
}

// Bind registers the forwarder's binding on b, fanning each change out to
// also after the forwarder itself.
func (f *Forwarder[E]) Bind(b *channel.Builder, also ...channel.PostgresChangeHandler) *channel.Builder {
	return b.OnPostgresChange(f.event, f.filter, Fanout(append([]channel.PostgresChangeHandler{f.Handle}, also...)...))
}

// Forwarded returns the number of events enqueued.
func (f *Forwarder[E]) Forwarded() int64 {
	return f.forwarded.Load()
}

// Fanout calls every handler in order.
func Fanout(handlers ...channel.PostgresChangeHandler) channel.PostgresChangeHandler {
	if len(handlers) == 1 {
		return handlers[0]
	}
	return func(p protocol.PostgresChangesPayload) {
		for _, h := range handlers {
			h(p)
		}
	}
}
