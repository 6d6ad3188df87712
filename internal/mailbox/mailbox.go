// Package mailbox provides an unbounded FIFO queue with a single consumer.
// Producers never block; the consumer observes items in Put order.
package mailbox

import (
	"context"
	"sync"
)

// Mailbox is an unbounded, order-preserving queue.
type Mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{}
	closed bool
}

// New creates an empty mailbox.
func New[T any]() *Mailbox[T] {
	return &Mailbox[T]{notify: make(chan struct{}, 1)}
}

// Put appends an item. It returns false if the mailbox is closed.
func (m *Mailbox[T]) Put(item T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, item)
	m.mu.Unlock()
	m.signal()
	return true
}

// Close stops accepting items. Items already queued are still delivered by Next.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	m.signal()
}

// Len returns the number of queued items.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Next blocks until an item is available, the mailbox is closed and drained,
// or ctx is done. ok is false in the latter two cases.
func (m *Mailbox[T]) Next(ctx context.Context) (item T, ok bool) {
	for {
		m.mu.Lock()
		if len(m.items) > 0 {
			item = m.items[0]
			var zero T
			m.items[0] = zero
			m.items = m.items[1:]
			if len(m.items) == 0 {
				m.items = nil
			}
			m.mu.Unlock()
			return item, true
		}
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return item, false
		}
		select {
		case <-m.notify:
		case <-ctx.Done():
			return item, false
		}
	}
}

func (m *Mailbox[T]) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}
