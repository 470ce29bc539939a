package events

import (
	"sync"
)

// Mailbox is an unbounded FIFO with a single consumer.
// Post never blocks, so it is safe to call from radio callbacks; values are
// delivered in order on the channel returned by C. After Close the remaining
// queued values are still delivered, then the channel is closed.
type Mailbox[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []T
	closed bool
	out    chan T
}

// NewMailbox creates a Mailbox and starts its delivery goroutine
func NewMailbox[T any]() *Mailbox[T] {
	m := &Mailbox[T]{
		out: make(chan T),
	}
	m.cond = sync.NewCond(&m.mu)
	go m.pump()
	return m
}

// Post queues a value. Returns false if the mailbox is already closed.
func (m *Mailbox[T]) Post(value T) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.queue = append(m.queue, value)
	m.cond.Signal()
	return true
}

// PostAndClose queues a final value and closes the mailbox in one step, so
// nothing can be posted after it.
func (m *Mailbox[T]) PostAndClose(value T) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.queue = append(m.queue, value)
	m.closed = true
	m.cond.Signal()
	return true
}

// Close stops accepting values. Safe to call more than once.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cond.Signal()
}

// C returns the delivery channel
func (m *Mailbox[T]) C() <-chan T {
	return m.out
}

// Len returns the number of values not yet handed to the consumer
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *Mailbox[T]) pump() {
	defer close(m.out)
	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.closed {
			m.cond.Wait()
		}
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		value := m.queue[0]
		var zero T
		m.queue[0] = zero
		m.queue = m.queue[1:]
		m.mu.Unlock()

		m.out <- value
	}
}
