// Package mailbox provides an unbounded, ordered hand-off between producers
// that must never block and a single consumer reading from a channel.
package mailbox

import "sync"

// Mailbox queues values in FIFO order and forwards them to Out().
//
// Put never blocks. Values put after Close are discarded. Out is closed once
// Close has been called and every queued value has been delivered or the
// consumer stopped reading.
type Mailbox[T any] struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []T
	closed  bool

	out      chan T
	done     chan struct{}
	dropOnce sync.Once
}

// New starts a mailbox forwarding goroutine.
func New[T any]() *Mailbox[T] {
	m := &Mailbox[T]{
		out:  make(chan T),
		done: make(chan struct{}),
	}
	m.cond = sync.NewCond(&m.mu)
	go m.pump()
	return m
}

// Put enqueues v. It reports false when the mailbox is closed.
func (m *Mailbox[T]) Put(v T) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.pending = append(m.pending, v)
	m.cond.Signal()
	return true
}

// Out returns the delivery channel.
func (m *Mailbox[T]) Out() <-chan T {
	return m.out
}

// Len returns the number of values not yet handed to the consumer.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Close stops accepting values. Already queued values are still delivered
// until Drop is called.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.cond.Signal()
}

// Drop closes the mailbox and discards anything still queued, unblocking
// the pump even if nobody reads Out anymore.
func (m *Mailbox[T]) Drop() {
	m.mu.Lock()
	m.closed = true
	m.pending = nil
	m.cond.Signal()
	m.mu.Unlock()

	m.dropOnce.Do(func() { close(m.done) })
}

func (m *Mailbox[T]) pump() {
	defer close(m.out)

	for {
		m.mu.Lock()
		for len(m.pending) == 0 && !m.closed {
			m.cond.Wait()
		}
		if len(m.pending) == 0 && m.closed {
			m.mu.Unlock()
			return
		}
		next := m.pending[0]
		var zero T
		m.pending[0] = zero
		m.pending = m.pending[1:]
		m.mu.Unlock()

		select {
		case m.out <- next:
		case <-m.done:
			return
		}
	}
}
