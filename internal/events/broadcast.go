package events

import (
	"sync"
)

// Broadcast provides pub/sub behavior with type-safe callbacks.
// Listeners are called in registration order on the notifying goroutine.
type Broadcast[T any] struct {
	mu          sync.RWMutex
	listeners   []listener[T]
	nextID      uint64
	replayLast  bool
	lastEvent   T
	hasNotified bool
}

type listener[T any] struct {
	id       uint64
	callback func(T)
}

// NewBroadcast creates a new Broadcast.
// replayLast: if true, a new listener is called immediately with the most
// recent value passed to Notify (when there has been one).
func NewBroadcast[T any](replayLast bool) *Broadcast[T] {
	return &Broadcast[T]{
		replayLast: replayLast,
	}
}

// Listen registers a callback and returns its deregistration function
func (b *Broadcast[T]) Listen(callback func(T)) func() {
	if callback == nil {
		panic("callback cannot be nil")
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners = append(b.listeners, listener[T]{id: id, callback: callback})
	replay := b.replayLast && b.hasNotified
	last := b.lastEvent
	b.mu.Unlock()

	// outside the lock so the callback may call back into b
	if replay {
		callback(last)
	}

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, l := range b.listeners {
			if l.id == id {
				b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
				return
			}
		}
	}
}

// Notify calls every registered listener with value
func (b *Broadcast[T]) Notify(value T) {
	b.mu.Lock()
	if b.replayLast {
		b.lastEvent = value
		b.hasNotified = true
	}
	snapshot := make([]listener[T], len(b.listeners))
	copy(snapshot, b.listeners)
	b.mu.Unlock()

	for _, l := range snapshot {
		l.callback(value)
	}
}

// ListenerCount returns the current number of registered listeners
func (b *Broadcast[T]) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}
