// Package bus provides an in-process, per-subscriber fan-out broadcast.
//
// It is adapted from a cross-goroutine watch-stream abstraction: Subscribe
// is reference-counted via its returned stop function, and Publish never
// blocks the caller. Unlike a simple best-effort broadcaster, a slow
// subscriber is backed by an unbounded per-subscription queue rather than
// a bounded channel, so an active subscriber never misses an event — only
// a subscriber that has already unsubscribed is dropped.
package bus

import (
	"sync"

	"github.com/google/uuid"
)

// Bus fans a single stream of values out to any number of subscribers.
// Each subscriber sees every value published after it subscribed, in
// publish order, and never sees two values concurrently.
type Bus[T any] struct {
	mu   sync.Mutex
	subs map[uuid.UUID]*subscription[T]
}

// New creates an empty Bus.
func New[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[uuid.UUID]*subscription[T])}
}

// Subscribe registers a new subscriber and returns its delivery channel
// plus a stop function. The stop function must be called exactly once.
func (b *Bus[T]) Subscribe() (<-chan T, func()) {
	b.mu.Lock()
	if b.subs == nil {
		b.mu.Unlock()

		closed := make(chan T)
		close(closed)

		return closed, func() {}
	}

	s := newSubscription[T]()
	id := uuid.New()
	b.subs[id] = s
	b.mu.Unlock()

	return s.out, func() {
		b.mu.Lock()
		if b.subs != nil {
			delete(b.subs, id)
		}
		b.mu.Unlock()

		s.close()
	}
}

// Publish delivers v to every currently-subscribed subscriber. It never
// blocks on a slow reader.
func (b *Bus[T]) Publish(v T) {
	b.mu.Lock()
	snapshot := make([]*subscription[T], 0, len(b.subs))
	for _, s := range b.subs {
		snapshot = append(snapshot, s)
	}
	b.mu.Unlock()

	for _, s := range snapshot {
		s.push(v)
	}
}

// Count reports the number of active subscribers, mainly for tests.
func (b *Bus[T]) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.subs)
}

// Close completes every currently-subscribed channel (a normal close, not
// a drop) and rejects all future subscribers with an already-closed
// channel. Used when the owning cache is disposed.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	snapshot := make([]*subscription[T], 0, len(b.subs))
	for _, s := range b.subs {
		snapshot = append(snapshot, s)
	}

	b.subs = nil
	b.mu.Unlock()

	for _, s := range snapshot {
		s.close()
	}
}

// subscription owns an unbounded queue drained by a dedicated goroutine
// into out, so push() from Publish's caller never blocks.
type subscription[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []T
	closed bool
	out    chan T
}

func newSubscription[T any]() *subscription[T] {
	s := &subscription[T]{out: make(chan T)}
	s.cond = sync.NewCond(&s.mu)

	go s.drain()

	return s
}

func (s *subscription[T]) push(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.queue = append(s.queue, v)
	s.cond.Signal()
}

func (s *subscription[T]) close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *subscription[T]) drain() {
	for {
		s.mu.Lock()

		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}

		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			close(s.out)

			return
		}

		v := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.out <- v
	}
}
