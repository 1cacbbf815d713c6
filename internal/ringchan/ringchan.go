// Package ringchan provides a bounded channel that drops the oldest element
// instead of blocking the producer.
package ringchan

import "sync/atomic"

// RingChannel is a bounded channel-like buffer with overwrite-oldest semantics.
//
// Producers never block: when the buffer is full the oldest element is
// discarded. With capacity 1 it behaves as a mailbox holding the latest event.
//
//	rc := ringchan.New[device.AdvertisementReport](1)
//
//	// link event task
//	rc.ForceSend(report)
//
//	// session task
//	select {
//	case r := <-rc.C():
//	    ...
//	}
type RingChannel[T any] struct {
	ch      chan T
	metrics Metrics
}

// New creates a RingChannel with the given capacity.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel.
// Reads through C() are not counted in Metrics.Processed.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// TrySend attempts to insert without blocking.
// Returns false if the buffer is full.
func (rc *RingChannel[T]) TrySend(v T) bool {
	select {
	case rc.ch <- v:
		rc.metrics.Written.Add(1)
		return true
	default:
		return false
	}
}

// ForceSend inserts v, discarding the oldest elements until it fits.
// Returns true if anything was dropped. Safe for concurrent producers.
func (rc *RingChannel[T]) ForceSend(v T) bool {
	dropped := false
	for {
		select {
		case rc.ch <- v:
			rc.metrics.Written.Add(1)
			return dropped
		default:
		}

		select {
		case <-rc.ch:
			rc.metrics.Overwritten.Add(1)
			dropped = true
		default:
		}
	}
}

// Receive blocks until a value is available or the channel is closed.
func (rc *RingChannel[T]) Receive() (v T, ok bool) {
	v, ok = <-rc.ch
	if ok {
		rc.metrics.Processed.Add(1)
	}
	return
}

// TryReceive attempts a non-blocking receive.
func (rc *RingChannel[T]) TryReceive() (v T, ok bool) {
	select {
	case v, ok = <-rc.ch:
		if ok {
			rc.metrics.Processed.Add(1)
		}
		return
	default:
		var zero T
		return zero, false
	}
}

// Drain discards every buffered element and returns how many were dropped.
func (rc *RingChannel[T]) Drain() int {
	n := 0
	for {
		select {
		case _, ok := <-rc.ch:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Cap returns the channel capacity.
func (rc *RingChannel[T]) Cap() int {
	return cap(rc.ch)
}

// Close closes the underlying channel. After this, sends panic.
func (rc *RingChannel[T]) Close() {
	close(rc.ch)
}

// Snapshot returns the current counter values.
func (rc *RingChannel[T]) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Processed:   rc.metrics.Processed.Load(),
		Written:     rc.metrics.Written.Load(),
		Overwritten: rc.metrics.Overwritten.Load(),
	}
}

// Metrics are the lock-free counters of a RingChannel.
type Metrics struct {
	Processed   atomic.Int64
	Written     atomic.Int64
	Overwritten atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	Processed   int64
	Written     int64
	Overwritten int64
}
