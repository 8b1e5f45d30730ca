package eventlog

import (
	"log/slog"
	"sync"
)

// DefaultSubscriberBuffer is the channel depth given to subscribers.
const DefaultSubscriberBuffer = 64

// Broadcaster delivers every published value to all current subscribers.
// Publish never blocks: a subscriber whose channel is full misses the value
// and a warning is logged.
type Broadcaster[T any] struct {
	mu     sync.Mutex
	subs   map[*Subscriber[T]]struct{}
	closed bool
	logger *slog.Logger
}

// Subscriber receives published values on C until it is closed.
type Subscriber[T any] struct {
	b       *Broadcaster[T]
	ch      chan T
	dropped int
	once    sync.Once
}

// NewBroadcaster returns an empty Broadcaster.
func NewBroadcaster[T any](logger *slog.Logger) *Broadcaster[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster[T]{subs: make(map[*Subscriber[T]]struct{}), logger: logger}
}

// Subscribe registers a subscriber with the given channel depth. A
// non-positive depth selects DefaultSubscriberBuffer. Subscribing to a
// closed Broadcaster yields an already-closed subscriber.
func (b *Broadcaster[T]) Subscribe(depth int) *Subscriber[T] {
	if depth <= 0 {
		depth = DefaultSubscriberBuffer
	}
	s := &Subscriber[T]{b: b, ch: make(chan T, depth)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.once.Do(func() { close(s.ch) })
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish hands v to every subscriber without blocking.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		select {
		case s.ch <- v:
		default:
			s.dropped++
			b.logger.Warn("eventlog: subscriber full, event dropped", "dropped_total", s.dropped)
		}
	}
}

// Len returns the number of live subscribers.
func (b *Broadcaster[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later Publish calls are no-ops.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.once.Do(func() { close(s.ch) })
	}
	clear(b.subs)
}

// C returns the delivery channel. It is closed when the subscriber or the
// broadcaster is closed.
func (s *Subscriber[T]) C() <-chan T { return s.ch }

// Close unsubscribes and closes the channel.
func (s *Subscriber[T]) Close() {
	s.b.mu.Lock()
	delete(s.b.subs, s)
	s.b.mu.Unlock()
	s.once.Do(func() { close(s.ch) })
}
