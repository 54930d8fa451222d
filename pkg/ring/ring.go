// Package ring provides a fixed-capacity FIFO buffer. Pushing onto a full
// buffer evicts the oldest element, so logical index 0 is always the oldest
// element still held.
package ring

import "fmt"

// Buffer is a generic ring buffer. It is not safe for concurrent use; callers
// guard it with their own lock.
type Buffer[T any] struct {
	items []T
	head  int
	size  int
}

// New returns an empty buffer holding at most capacity elements.
func New[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		panic(fmt.Sprintf("ring: capacity must be positive, got %d", capacity))
	}
	return &Buffer[T]{items: make([]T, capacity)}
}

// Push appends v. When the buffer was full the oldest element is removed and
// returned with ok=true.
func (b *Buffer[T]) Push(v T) (evicted T, ok bool) {
	if b.size == len(b.items) {
		evicted = b.items[b.head]
		b.items[b.head] = v
		b.head = (b.head + 1) % len(b.items)
		return evicted, true
	}
	b.items[(b.head+b.size)%len(b.items)] = v
	b.size++
	return evicted, false
}

// At returns the element at logical index i (0 is the oldest).
func (b *Buffer[T]) At(i int) T {
	if i < 0 || i >= b.size {
		panic(fmt.Sprintf("ring: index %d out of range [0,%d)", i, b.size))
	}
	return b.items[(b.head+i)%len(b.items)]
}

// Len returns the number of elements held.
func (b *Buffer[T]) Len() int { return b.size }

// Cap returns the fixed capacity.
func (b *Buffer[T]) Cap() int { return len(b.items) }

// Slice copies the logical range [from, to) into a new slice. Bounds are
// clamped to the held elements.
func (b *Buffer[T]) Slice(from, to int) []T {
	from = max(from, 0)
	to = min(to, b.size)
	if from >= to {
		return []T{}
	}
	out := make([]T, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, b.items[(b.head+i)%len(b.items)])
	}
	return out
}

// Do calls fn for each element from newest to oldest until fn returns false.
func (b *Buffer[T]) Do(fn func(i int, v T) bool) {
	for i := b.size - 1; i >= 0; i-- {
		if !fn(i, b.items[(b.head+i)%len(b.items)]) {
			return
		}
	}
}

// Reset drops all elements.
func (b *Buffer[T]) Reset() {
	clear(b.items)
	b.head, b.size = 0, 0
}
