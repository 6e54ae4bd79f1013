// Package ringchan provides a bounded channel that drops the oldest value
// instead of blocking the producer.
package ringchan

import (
	"sync"
	"sync/atomic"
)

// RingChannel wraps a buffered channel. Send never blocks: when the buffer
// is full the oldest value is discarded. Readers use C() like any channel.
type RingChannel[T any] struct {
	mu      sync.Mutex // serializes producers so drop-then-send cannot interleave
	ch      chan T
	closed  bool
	metrics Metrics
}

// Metrics are lock-free counters.
type Metrics struct {
	Written     int64
	Overwritten int64
}

func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the receive side.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts v, discarding the oldest value if the buffer is full. It
// reports whether a value was discarded. Sends after Close are ignored.
func (rc *RingChannel[T]) Send(v T) (dropped bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return false
	}

	for {
		select {
		case rc.ch <- v:
			atomic.AddInt64(&rc.metrics.Written, 1)
			return dropped
		default:
		}
		select {
		case <-rc.ch:
			atomic.AddInt64(&rc.metrics.Overwritten, 1)
			dropped = true
		default:
			// a reader emptied a slot in between; retry the send
		}
	}
}

func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

func (rc *RingChannel[T]) Cap() int {
	return cap(rc.ch)
}

// Close closes the channel so ranging readers finish.
func (rc *RingChannel[T]) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if !rc.closed {
		rc.closed = true
		close(rc.ch)
	}
}

func (rc *RingChannel[T]) GetMetrics() Metrics {
	return Metrics{
		Written:     atomic.LoadInt64(&rc.metrics.Written),
		Overwritten: atomic.LoadInt64(&rc.metrics.Overwritten),
	}
}
