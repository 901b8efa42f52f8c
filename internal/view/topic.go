// Package view hands read-only snapshots of engine state to consumers.
//
// A Topic holds the latest snapshot of one observable piece of state. Each
// Subscription exposes that snapshot plus a one-slot signal channel: bursts of
// publishes between two reads coalesce into a single wake-up, and a slow
// consumer never blocks the publisher.
package view

import (
	"sync"
	"sync/atomic"
)

// Topic is the publishing side of an observable snapshot.
type Topic[T any] struct {
	current atomic.Pointer[T]

	mu     sync.Mutex
	subs   map[*Subscription[T]]struct{}
	closed bool
}

// NewTopic creates a topic holding initial.
func NewTopic[T any](initial T) *Topic[T] {
	t := &Topic[T]{subs: make(map[*Subscription[T]]struct{})}
	t.current.Store(&initial)
	return t
}

// Current returns the latest published snapshot.
func (t *Topic[T]) Current() T {
	return *t.current.Load()
}

// Publish replaces the snapshot and signals every subscriber.
func (t *Topic[T]) Publish(v T) {
	t.current.Store(&v)
	t.mu.Lock()
	defer t.mu.Unlock()
	for s := range t.subs {
		s.signal()
	}
}

// Subscribe opens a subscription. onClose, if non-nil, runs once when the
// subscription ends, whether by Unsubscribe or by Close on the topic.
func (t *Topic[T]) Subscribe(onClose func()) *Subscription[T] {
	s := &Subscription[T]{
		topic:   t,
		updates: make(chan struct{}, 1),
		done:    make(chan struct{}),
		onClose: onClose,
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		s.end()
		return s
	}
	t.subs[s] = struct{}{}
	t.mu.Unlock()
	return s
}

// Len returns the number of live subscriptions.
func (t *Topic[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Close ends every subscription. Later subscriptions start out ended.
func (t *Topic[T]) Close() {
	t.mu.Lock()
	t.closed = true
	subs := t.subs
	t.subs = make(map[*Subscription[T]]struct{})
	t.mu.Unlock()
	for s := range subs {
		s.end()
	}
}

func (t *Topic[T]) remove(s *Subscription[T]) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.subs[s]; !ok {
		return false
	}
	delete(t.subs, s)
	return true
}

// Subscription is a live handle on a Topic.
type Subscription[T any] struct {
	topic   *Topic[T]
	updates chan struct{}
	done    chan struct{}
	once    sync.Once
	onClose func()
}

// Current returns the latest snapshot. Snapshots are immutable; callers must
// not modify slices they contain.
func (s *Subscription[T]) Current() T {
	return s.topic.Current()
}

// Updates receives a value after the snapshot changed. Several changes may
// collapse into one signal; read Current after each.
func (s *Subscription[T]) Updates() <-chan struct{} {
	return s.updates
}

// Done is closed when the subscription ends.
func (s *Subscription[T]) Done() <-chan struct{} {
	return s.done
}

// Unsubscribe stops notifications. It is safe to call more than once.
func (s *Subscription[T]) Unsubscribe() {
	if s.topic.remove(s) {
		s.end()
	}
}

func (s *Subscription[T]) signal() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

func (s *Subscription[T]) end() {
	s.once.Do(func() {
		close(s.done)
		if s.onClose != nil {
			s.onClose()
		}
	})
}
