// Package ring implements the bounded single-producer/single-consumer queue
// that carries every cross-thread record in the engine: orders into shard
// inboxes, trades and events out of them.
package ring

import (
	"sync/atomic"
)

// Ring is a bounded SPSC queue with power-of-two capacity.
//
// Two 64-bit counters index the backing array: head is written only by the
// producer, tail only by the consumer. Both increase monotonically for the
// life of the ring; slot selection masks them with capacity-1, so occupancy
// is simply head-tail and never exceeds capacity.
//
// Memory layout optimization: head and tail live on separate cache lines so
// the producer and consumer never invalidate each other's line while they
// advance their own counter (false sharing would otherwise dominate the
// cost of an enqueue/dequeue pair).
//
// The store to head in TryEnqueue publishes the written slot; the matching
// load in TryDequeue observes it. Go's sync/atomic gives sequentially
// consistent ordering, which subsumes the acquire/release pairing this
// protocol needs. No CAS anywhere: SPSC discipline makes plain
// load/store atomics sufficient.
type Ring[T any] struct {
	buffer []T
	mask   uint64

	_    [cacheLinePad]byte
	head atomic.Uint64 // producer cursor, next slot to write
	_    [cacheLinePad]byte
	tail atomic.Uint64 // consumer cursor, next slot to read
	_    [cacheLinePad]byte
}

const cacheLinePad = 64

// New creates a ring with the given capacity. Capacity must be a power of
// two so slot indexing can mask instead of dividing.
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		panic("ring: capacity must be a power of 2")
	}
	return &Ring[T]{
		buffer: make([]T, capacity),
		mask:   uint64(capacity - 1),
	}
}

// Capacity returns the fixed slot count.
func (r *Ring[T]) Capacity() int {
	return len(r.buffer)
}

// TryEnqueue writes item into the next slot and publishes it. Returns false
// when the ring is full. One writer only; concurrent producers corrupt the
// queue.
func (r *Ring[T]) TryEnqueue(item T) bool {
	head := r.head.Load()
	tail := r.tail.Load()
	if head-tail > r.mask {
		return false
	}
	r.buffer[head&r.mask] = item
	r.head.Store(head + 1)
	return true
}

// TryDequeue moves the oldest item into out and releases its slot. Returns
// false when the ring is empty. One reader only.
func (r *Ring[T]) TryDequeue(out *T) bool {
	tail := r.tail.Load()
	head := r.head.Load()
	if head == tail {
		return false
	}
	idx := tail & r.mask
	*out = r.buffer[idx]
	var zero T
	r.buffer[idx] = zero // release slot contents for GC
	r.tail.Store(tail + 1)
	return true
}

// Empty reports whether the ring currently holds no items.
func (r *Ring[T]) Empty() bool {
	return r.head.Load() == r.tail.Load()
}

// Len returns the current occupancy. Advisory only under concurrency.
func (r *Ring[T]) Len() int {
	return int(r.head.Load() - r.tail.Load())
}

// Writer is the producer-side handle. Handing a Writer to exactly one thread
// is how callers keep the single-producer contract visible in the code.
type Writer[T any] struct {
	ring *Ring[T]
}

// Reader is the consumer-side handle, the dual of Writer.
type Reader[T any] struct {
	ring *Ring[T]
}

// Writer returns the producer handle for this ring.
func (r *Ring[T]) Writer() Writer[T] {
	return Writer[T]{ring: r}
}

// Reader returns the consumer handle for this ring.
func (r *Ring[T]) Reader() Reader[T] {
	return Reader[T]{ring: r}
}

func (w Writer[T]) TryEnqueue(item T) bool {
	return w.ring.TryEnqueue(item)
}

func (w Writer[T]) Capacity() int {
	return w.ring.Capacity()
}

func (rd Reader[T]) TryDequeue(out *T) bool {
	return rd.ring.TryDequeue(out)
}

func (rd Reader[T]) Empty() bool {
	return rd.ring.Empty()
}

func (rd Reader[T]) Capacity() int {
	return rd.ring.Capacity()
}
