package mailbox

import (
	"context"
	"sync"

	"github.com/emirpasic/gods/lists/doublylinkedlist"
)

// Mailbox is an unbounded FIFO queue with a single consumer. Send never blocks.
type Mailbox[T any] struct {
	mu     sync.Mutex
	queue  *doublylinkedlist.List
	signal chan struct{}
	closed bool
}

// New returns an open mailbox.
func New[T any]() *Mailbox[T] {
	return &Mailbox[T]{
		queue:  doublylinkedlist.New(),
		signal: make(chan struct{}, 1),
	}
}

// Send enqueues msg and reports false when the mailbox is closed.
func (m *Mailbox[T]) Send(msg T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue.Add(msg)
	m.mu.Unlock()
	m.notify()
	return true
}

// Close rejects further sends. Messages already queued are still delivered.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.notify()
}

// Closed reports whether Close has been called.
func (m *Mailbox[T]) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Len returns the number of queued messages.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Size()
}

// Receive blocks for the next message. ok is false once the mailbox is closed
// and drained, or when ctx ends.
func (m *Mailbox[T]) Receive(ctx context.Context) (msg T, ok bool) {
	for {
		m.mu.Lock()
		if v, found := m.queue.Get(0); found {
			m.queue.Remove(0)
			m.mu.Unlock()
			return v.(T), true
		}
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return msg, false
		}
		select {
		case <-ctx.Done():
			return msg, false
		case <-m.signal:
		}
	}
}

func (m *Mailbox[T]) notify() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}
