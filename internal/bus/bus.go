// Package bus provides a minimal in-process publish/subscribe hub for
// domain events. Publish never blocks the publisher: each subscriber owns
// a queue drained by its own goroutine, so a slow handler (a webhook
// dispatcher mid-retry) cannot stall the job pipeline's state transitions.
// Events are delivered to each subscriber in publish order.
package bus

import (
	"sync"

	"github.com/docuflow/docuflow/internal/models"
)

// Handler consumes a published event.
type Handler func(models.DomainEvent)

// MatchAll subscribes to every event type.
const MatchAll = "*"

// Bus fans published events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   []*Subscription
	closed bool
	wg     sync.WaitGroup
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{}
}

// Subscription is one registered handler plus its delivery queue.
type Subscription struct {
	bus     *Bus
	pattern string
	handler Handler

	mu      sync.Mutex
	queue   []models.DomainEvent
	wake    chan struct{}
	stopped bool
}

// Subscribe registers a handler for events matching pattern (an exact
// event type, or MatchAll). The returned subscription can be cancelled.
func (b *Bus) Subscribe(pattern string, handler Handler) *Subscription {
	sub := &Subscription{
		bus:     b,
		pattern: pattern,
		handler: handler,
		wake:    make(chan struct{}, 1),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.stopped = true
		return sub
	}
	b.subs = append(b.subs, sub)
	b.wg.Add(1)
	b.mu.Unlock()

	go sub.drain()
	return sub
}

// Publish enqueues the event for every matching subscriber and returns
// immediately.
func (b *Bus) Publish(evt models.DomainEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.pattern != MatchAll && sub.pattern != evt.Type {
			continue
		}
		sub.enqueue(evt)
	}
}

// Close stops all subscribers and waits for queued events to be handled.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	b.wg.Wait()
}

// Cancel detaches the subscription; no further events are delivered once
// its queue drains.
func (s *Subscription) Cancel() {
	s.bus.mu.Lock()
	for i, sub := range s.bus.subs {
		if sub == s {
			s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
			break
		}
	}
	s.bus.mu.Unlock()
	s.stop()
}

func (s *Subscription) enqueue(evt models.DomainEvent) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, evt)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// drain delivers queued events in order until the subscription stops and
// its queue is empty.
func (s *Subscription) drain() {
	defer s.bus.wg.Done()
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			if s.stopped {
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			<-s.wake
			continue
		}
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, evt := range batch {
			s.handler(evt)
		}
	}
}
