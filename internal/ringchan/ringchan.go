// Package ringchan provides a bounded, never-blocking channel used to queue
// notifications for slow observers.
package ringchan

import (
	"sync"
	"sync/atomic"
)

// RingChannel is a bounded channel with overwrite-oldest semantics.
//
// Producers never block: when the buffer is full the oldest queued value is
// discarded to make room. For resource notifications only the newest state
// matters, so losing intermediate values to a slow reader is acceptable.
//
//	rc := ringchan.New[*resource.Payload](4)
//	rc.Send(p)              // never blocks
//	for p := range rc.C() { // reader side behaves like a channel
//	    ...
//	}
//
// Send after Close is a silent no-op so producers racing with an observer
// going away need no extra coordination.
type RingChannel[T any] struct {
	mu      sync.Mutex
	ch      chan T
	closed  bool
	metrics Metrics
}

// New creates a RingChannel with the given capacity.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the receive side. It is closed by Close.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send enqueues v, dropping the oldest value if the buffer is full.
// Reports whether a value was dropped.
func (rc *RingChannel[T]) Send(v T) (dropped bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		return false
	}

	select {
	case rc.ch <- v:
	default:
		select {
		case <-rc.ch:
			rc.metrics.Overwritten.Add(1)
			dropped = true
		default:
		}
		rc.ch <- v
	}
	rc.metrics.Written.Add(1)
	return dropped
}

// Close closes the receive side. Queued values remain readable.
func (rc *RingChannel[T]) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if !rc.closed {
		rc.closed = true
		close(rc.ch)
	}
}

// Stats returns a snapshot of the counters.
func (rc *RingChannel[T]) Stats() Stats {
	return Stats{
		Written:     rc.metrics.Written.Load(),
		Overwritten: rc.metrics.Overwritten.Load(),
	}
}

// Metrics holds lock-free counters.
type Metrics struct {
	Written     atomic.Int64
	Overwritten atomic.Int64
}

// Stats is a point-in-time copy of Metrics.
type Stats struct {
	Written     int64
	Overwritten int64
}
