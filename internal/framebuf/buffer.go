// Package framebuf provides the bounded hand-off between the capture
// reader and transport consumers. The buffer always prefers the newest
// frames: pushing into a full buffer evicts the oldest entry, so a slow
// consumer sees fresh video rather than a growing backlog.
package framebuf

import (
	"sync"
	"time"
)

// Buffer is a fixed-capacity frame queue with freshest-wins eviction.
// One producer may Push concurrently with any number of Pop callers.
type Buffer struct {
	mu sync.Mutex
	ch chan []byte
}

// New creates a Buffer holding at most capacity units. Capacities below
// one are raised to one.
func New(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{ch: make(chan []byte, capacity)}
}

// Push inserts a unit without blocking. If the buffer is full the oldest
// unit is evicted first.
func (b *Buffer) Push(unit []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		select {
		case b.ch <- unit:
			return
		default:
		}
		// Full: evict the oldest. A concurrent Pop may have beaten us
		// to it, in which case the insert retries and succeeds.
		select {
		case <-b.ch:
		default:
		}
	}
}

// Pop removes the oldest buffered unit, waiting up to timeout for one to
// arrive. The second return value is false if the wait timed out, which
// callers treat as a normal empty condition.
func (b *Buffer) Pop(timeout time.Duration) ([]byte, bool) {
	select {
	case unit := <-b.ch:
		return unit, true
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case unit := <-b.ch:
		return unit, true
	case <-timer.C:
		return nil, false
	}
}

// Clear discards all buffered units.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		select {
		case <-b.ch:
		default:
			return
		}
	}
}

// Len returns the number of buffered units.
func (b *Buffer) Len() int { return len(b.ch) }
