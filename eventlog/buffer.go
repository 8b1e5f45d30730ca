// Package eventlog keeps the recent change history and fans out push events.
package eventlog

// DefaultCapacity is the log size used when none is configured.
const DefaultCapacity = 1000

// Buffer is a bounded newest-first log. Adding to a full buffer evicts the
// oldest entry. A Buffer is owned by one loop and is not safe for
// concurrent use.
type Buffer[T any] struct {
	ring  []T
	head  int // index of the next write
	count int
}

// NewBuffer returns a Buffer holding at most capacity entries. A
// non-positive capacity selects DefaultCapacity.
func NewBuffer[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer[T]{ring: make([]T, capacity)}
}

// Add inserts e as the newest entry.
func (b *Buffer[T]) Add(e T) {
	b.ring[b.head] = e
	b.head = (b.head + 1) % len(b.ring)
	if b.count < len(b.ring) {
		b.count++
	}
}

// Len returns the number of entries held.
func (b *Buffer[T]) Len() int { return b.count }

// Cap returns the capacity.
func (b *Buffer[T]) Cap() int { return len(b.ring) }

// Entries returns a copy of the log, newest first.
func (b *Buffer[T]) Entries() []T {
	return b.Filter(nil)
}

// Filter returns the entries keep accepts, newest first. A nil keep
// accepts everything.
func (b *Buffer[T]) Filter(keep func(T) bool) []T {
	out := make([]T, 0, b.count)
	for i := 1; i <= b.count; i++ {
		e := b.ring[(b.head-i+len(b.ring))%len(b.ring)]
		if keep == nil || keep(e) {
			out = append(out, e)
		}
	}
	return out
}

// Clear empties the buffer.
func (b *Buffer[T]) Clear() {
	clear(b.ring)
	b.head = 0
	b.count = 0
}
