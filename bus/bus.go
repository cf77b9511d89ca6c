// Package bus is an in-process publish-subscribe bus for typed events.
//
// Each bus delivers on its own executor, normally a single-worker pool, so
// subscribers see events in emission order. Publish copies the subscriber
// list at call time: a handler registered after Publish returns does not
// receive that event. A panicking handler is logged and does not stop
// delivery to the others.
//
// Published events wait in an unbounded backlog drained by one task at a
// time. When the executor's queue is full the backlog is drained on a
// goroutine instead, so lifecycle events are never dropped under load.
package bus

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/sandpolis/agent/errors"
	"github.com/sandpolis/agent/pkg/future"
	"github.com/sandpolis/agent/pkg/worker"
)

// Handler receives events
type Handler[E any] func(E)

// Subscription identifies a registered handler
type Subscription struct {
	id     uint64
	cancel func(uint64)
}

// Unsubscribe removes the handler. Later calls do nothing.
func (s Subscription) Unsubscribe() {
	if s.cancel != nil {
		s.cancel(s.id)
	}
}

type delivery[E any] struct {
	subs  []subscriber[E]
	event E
}

type subscriber[E any] struct {
	id      uint64
	name    string
	handler Handler[E]
}

// Bus fans events of type E out to subscribers
type Bus[E any] struct {
	name   string
	exec   future.Executor
	logger *slog.Logger

	mu     sync.RWMutex
	subs   []subscriber[E]
	nextID uint64

	qmu      sync.Mutex
	backlog  []delivery[E]
	draining bool
}

// New creates a bus delivering on exec. A nil exec delivers synchronously
// inside Publish.
func New[E any](name string, exec future.Executor, logger *slog.Logger) *Bus[E] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus[E]{
		name:   name,
		exec:   exec,
		logger: logger.With("bus", name),
	}
}

// Name returns the bus name
func (b *Bus[E]) Name() string {
	return b.name
}

// Register adds a handler. name appears in logs when the handler panics.
func (b *Bus[E]) Register(name string, h Handler[E]) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber[E]{id: id, name: name, handler: h})
	return Subscription{id: id, cancel: b.unregister}
}

func (b *Bus[E]) unregister(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.id == id {
			// copy so snapshots taken by Publish stay intact
			next := make([]subscriber[E], 0, len(b.subs)-1)
			next = append(next, b.subs[:i]...)
			b.subs = append(next, b.subs[i+1:]...)
			return
		}
	}
}

// Len returns the number of subscribers
func (b *Bus[E]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish queues event for every current subscriber. It fails only when
// the executor is stopped.
func (b *Bus[E]) Publish(event E) error {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	if len(subs) == 0 {
		return nil
	}

	b.qmu.Lock()
	b.backlog = append(b.backlog, delivery[E]{subs: subs, event: event})
	if b.draining {
		b.qmu.Unlock()
		return nil
	}
	b.draining = true
	b.qmu.Unlock()

	if b.exec == nil {
		b.drain()
		return nil
	}
	err := b.exec.Execute(b.drain)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, worker.ErrQueueFull):
		b.logger.Warn("Bus queue full, delivering on a goroutine", "event", fmt.Sprintf("%T", event))
		go b.drain()
		return nil
	default:
		b.qmu.Lock()
		dropped := len(b.backlog)
		b.backlog = nil
		b.draining = false
		b.qmu.Unlock()
		return errors.WrapTransient(err, "Bus", "Publish",
			fmt.Sprintf("queue %T on %s (%d events dropped)", event, b.name, dropped))
	}
}

// drain delivers the backlog in order until it is empty
func (b *Bus[E]) drain() {
	for {
		b.qmu.Lock()
		if len(b.backlog) == 0 {
			b.draining = false
			b.qmu.Unlock()
			return
		}
		next := b.backlog[0]
		b.backlog[0] = delivery[E]{}
		b.backlog = b.backlog[1:]
		b.qmu.Unlock()

		for _, s := range next.subs {
			b.dispatch(s, next.event)
		}
	}
}

func (b *Bus[E]) dispatch(s subscriber[E], event E) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked", "handler", s.name, "event", fmt.Sprintf("%T", event), "panic", r)
		}
	}()
	s.handler(event)
}
