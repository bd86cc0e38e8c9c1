package broadcast

import (
	"sync"
	"sync/atomic"
)

// DefaultMailboxSize bounds the outbound queue of one connection.
const DefaultMailboxSize = 256

// Mailbox is the bounded outbound queue of one connection, drained by that
// connection's writer goroutine.
type Mailbox struct {
	ID string

	ch      chan Event
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

func NewMailbox(id string, size int) *Mailbox {
	if size <= 0 {
		size = DefaultMailboxSize
	}
	return &Mailbox{ID: id, ch: make(chan Event, size)}
}

// Offer enqueues ev without blocking. It returns false when the mailbox is
// full or closed; a full mailbox counts the drop.
func (m *Mailbox) Offer(ev Event) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false
	}
	select {
	case m.ch <- ev:
		return true
	default:
		m.dropped.Add(1)
		return false
	}
}

// C is closed after Close once the queued events are drained.
func (m *Mailbox) C() <-chan Event { return m.ch }

// Close stops accepting events. Safe to call more than once.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.ch)
	}
}

func (m *Mailbox) Dropped() int64 { return m.dropped.Load() }
