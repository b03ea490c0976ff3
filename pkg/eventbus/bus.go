// Package eventbus is the in-process publish/subscribe channel for run
// lifecycle events.
//
// The bus holds no history: a subscriber opened after a run started
// sees only future events and reconstructs the past from the run
// store. Delivery is at-most-once per subscriber with a bounded buffer
// that drops its oldest event on overflow, so a slow consumer can lose
// events but can never stall the proxy.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Kind identifies a lifecycle event
type Kind string

const (
	KindStart    Kind = "start"
	KindSent     Kind = "sent"
	KindToken    Kind = "token"
	KindComplete Kind = "complete"
	KindError    Kind = "error"
)

// Terminal reports whether the kind ends a run's event sequence
func (k Kind) Terminal() bool {
	return k == KindComplete || k == KindError
}

// Event is an ephemeral notification tied to a run
type Event struct {
	RunID   string        `json:"run_id"`
	Kind    Kind          `json:"kind"`
	Elapsed time.Duration `json:"elapsed"`
	Payload string        `json:"payload,omitempty"`
}

// DefaultBufferSize is the per-subscriber queue depth
const DefaultBufferSize = 64

// Bus broadcasts events to all live subscriptions
type Bus struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	logger zerolog.Logger

	// OnDrop, when set, is invoked once per dropped event. Used to
	// feed the metrics counter.
	OnDrop func()
}

// New creates an event bus
func New(logger zerolog.Logger) *Bus {
	return &Bus{
		subs:   make(map[uint64]*Subscription),
		logger: logger,
	}
}

// Subscription is one subscriber's live handle
type Subscription struct {
	id      uint64
	bus     *Bus
	ch      chan Event
	dropped uint64
	closed  bool
}

// Subscribe opens a subscription with the default buffer size
func (b *Bus) Subscribe() *Subscription {
	return b.SubscribeBuffer(DefaultBufferSize)
}

// SubscribeBuffer opens a subscription with an explicit buffer size
func (b *Bus) SubscribeBuffer(size int) *Subscription {
	if size <= 0 {
		size = DefaultBufferSize
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:  b.nextID,
		bus: b,
		ch:  make(chan Event, size),
	}
	b.subs[sub.id] = sub
	return sub
}

// SubscriberCount returns the number of live subscriptions
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish fans an event out to every live subscription without ever
// blocking. Publishing under one lock keeps per-run delivery order
// identical for all subscribers.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if sub.closed {
			continue
		}
		for {
			select {
			case sub.ch <- ev:
			default:
				// Buffer full: evict the oldest event and retry.
				select {
				case <-sub.ch:
					atomic.AddUint64(&sub.dropped, 1)
					if b.OnDrop != nil {
						b.OnDrop()
					}
					continue
				default:
					// Raced with the consumer; the buffer has room now.
					continue
				}
			}
			break
		}
	}
}

// Events returns the receive channel. It is closed when the
// subscription is closed.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped returns how many events this subscriber lost to overflow
func (s *Subscription) Dropped() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

// Close detaches the subscription from the bus and closes its channel
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	delete(s.bus.subs, s.id)
	close(s.ch)
}
