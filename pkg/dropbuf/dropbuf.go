// Package dropbuf is a bounded FIFO that never blocks its producer.
// When full, pushing a new item discards the oldest one.
//
// Buffer is safe for one producer and one consumer (or more) without any
// external locking.
package dropbuf

import (
	"sync"
	"sync/atomic"
)

const DefaultCapacity = 10

type Stats struct {
	Pushed  uint64 `json:"pushed"`
	Dropped uint64 `json:"dropped"`
	Popped  uint64 `json:"popped"`
}

type Buffer[T any] struct {
	lock  sync.Mutex
	items []T
	head  int // index of oldest item
	count int

	pushed  atomic.Uint64
	dropped atomic.Uint64
	popped  atomic.Uint64
}

// New creates a buffer holding at most capacity items.
// A capacity below 1 uses DefaultCapacity.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Buffer[T]{
		items: make([]T, capacity),
	}
}

// Push adds an item. If the buffer was full, the oldest item is discarded,
// and evicted is true.
func (b *Buffer[T]) Push(item T) (evicted bool) {
	b.lock.Lock()
	capacity := len(b.items)
	if b.count == capacity {
		var zero T
		b.items[b.head] = zero
		b.head = (b.head + 1) % capacity
		b.count--
		evicted = true
	}
	b.items[(b.head+b.count)%capacity] = item
	b.count++
	b.lock.Unlock()

	b.pushed.Add(1)
	if evicted {
		b.dropped.Add(1)
	}
	return
}

// Pop removes and returns the oldest item, or returns false if the buffer is empty.
func (b *Buffer[T]) Pop() (T, bool) {
	b.lock.Lock()
	defer b.lock.Unlock()
	var zero T
	if b.count == 0 {
		return zero, false
	}
	item := b.items[b.head]
	b.items[b.head] = zero
	b.head = (b.head + 1) % len(b.items)
	b.count--
	b.popped.Add(1)
	return item, true
}

// Drain removes all items
func (b *Buffer[T]) Drain() []T {
	b.lock.Lock()
	defer b.lock.Unlock()
	var zero T
	result := make([]T, 0, b.count)
	for b.count > 0 {
		result = append(result, b.items[b.head])
		b.items[b.head] = zero
		b.head = (b.head + 1) % len(b.items)
		b.count--
	}
	b.popped.Add(uint64(len(result)))
	return result
}

func (b *Buffer[T]) Len() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.count
}

func (b *Buffer[T]) Cap() int {
	return len(b.items)
}

func (b *Buffer[T]) Stats() Stats {
	return Stats{
		Pushed:  b.pushed.Load(),
		Dropped: b.dropped.Load(),
		Popped:  b.popped.Load(),
	}
}
