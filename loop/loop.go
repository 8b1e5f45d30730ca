// Package loop is a single-threaded cooperative scheduler.
//
// Every piece of page state (the document, the watcher registry, the log
// buffer) is owned by one Loop and only touched from tasks running on it.
// Other goroutines hand work over with Post or Call. Timers are part of the
// same queue, so a timer callback never races with a task.
//
// A Loop runs either in real time (Run) or on a virtual clock (NewManual +
// Advance), which is how debounce behaviour is tested.
package loop

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by Call once the loop has stopped.
var ErrClosed = errors.New("loop: closed")

// Loop owns a FIFO task queue and a timer heap.
type Loop struct {
	mu      sync.Mutex
	tasks   []func()
	timers  timerHeap
	seq     uint64
	wake    chan struct{}
	closed  bool
	manual  bool
	virtual time.Time
	logger  *slog.Logger
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the logger used for recovered task panics.
func WithLogger(l *slog.Logger) Option {
	return func(lp *Loop) { lp.logger = l }
}

// New creates a real-time Loop. Call Run to start processing.
func New(opts ...Option) *Loop {
	l := &Loop{wake: make(chan struct{}, 1), logger: slog.Default()}
	for _, o := range opts {
		o(l)
	}
	return l
}

// NewManual creates a Loop driven by a virtual clock starting at start.
// Nothing runs until RunUntilIdle or Advance is called.
func NewManual(start time.Time, opts ...Option) *Loop {
	l := New(opts...)
	l.manual = true
	l.virtual = start
	return l
}

// Now returns the loop's notion of the current time.
func (l *Loop) Now() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nowLocked()
}

func (l *Loop) nowLocked() time.Time {
	if l.manual {
		return l.virtual
	}
	return time.Now()
}

// Post queues fn to run on the loop after everything already queued.
// Safe to call from any goroutine.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()
	l.signal()
}

// AfterFunc schedules fn to run on the loop once d has elapsed.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	if d < 0 {
		d = 0
	}
	l.mu.Lock()
	l.seq++
	t := &Timer{loop: l, when: l.nowLocked().Add(d), fn: fn, seq: l.seq, index: -1}
	if !l.closed {
		heap.Push(&l.timers, t)
	}
	l.mu.Unlock()
	l.signal()
	return t
}

// Call runs fn on the loop and waits for its result. It must not be called
// from a loop task: the loop would wait on itself.
//
// If ctx ends before the task starts, fn never runs and ctx.Err() is
// returned. Once fn has started, Call waits for it to finish.
func (l *Loop) Call(ctx context.Context, fn func() error) error {
	const (
		pending int32 = iota
		started
		abandoned
	)
	var state atomic.Int32
	done := make(chan error, 1)
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.tasks = append(l.tasks, func() {
		if ctx.Err() != nil || !state.CompareAndSwap(pending, started) {
			state.CompareAndSwap(pending, abandoned)
			done <- ctx.Err()
			return
		}
		done <- l.guard(fn)
	})
	l.mu.Unlock()
	l.signal()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if state.CompareAndSwap(pending, abandoned) {
			return ctx.Err()
		}
		return <-done
	}
}

// Run processes tasks and timers in real time until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	if l.manual {
		return fmt.Errorf("loop: Run on a manual loop")
	}
	var wait *time.Timer
	defer func() {
		if wait != nil {
			wait.Stop()
		}
		l.close()
	}()

	for {
		l.RunUntilIdle()

		var timerC <-chan time.Time
		if next, ok := l.nextDeadline(); ok {
			d := time.Until(next)
			if wait == nil {
				wait = time.NewTimer(d)
			} else {
				wait.Reset(d)
			}
			timerC = wait.C
		} else if wait != nil {
			wait.Stop()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		case <-timerC:
		}
	}
}

// RunUntilIdle runs queued tasks and due timers until none are left.
// It returns the number of callbacks executed.
func (l *Loop) RunUntilIdle() int {
	n := 0
	for {
		fn := l.next()
		if fn == nil {
			return n
		}
		l.guard(func() error { fn(); return nil })
		n++
	}
}

// Advance moves the virtual clock forward by d, firing timers in deadline
// order and draining the task queue after each one.
func (l *Loop) Advance(d time.Duration) {
	l.mu.Lock()
	if !l.manual {
		l.mu.Unlock()
		panic("loop: Advance on a real-time loop")
	}
	target := l.virtual.Add(d)
	l.mu.Unlock()

	l.RunUntilIdle()
	for {
		l.mu.Lock()
		if len(l.timers) == 0 || l.timers[0].when.After(target) {
			l.virtual = target
			l.mu.Unlock()
			break
		}
		if l.timers[0].when.After(l.virtual) {
			l.virtual = l.timers[0].when
		}
		l.mu.Unlock()
		l.RunUntilIdle()
	}
	l.RunUntilIdle()
}

// Pending reports queued tasks and armed timers.
func (l *Loop) Pending() (tasks, timers int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks), len(l.timers)
}

// next pops the next runnable callback: queued tasks first, then the
// earliest due timer.
func (l *Loop) next() func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.tasks) > 0 {
		fn := l.tasks[0]
		l.tasks[0] = nil
		l.tasks = l.tasks[1:]
		return fn
	}
	if len(l.timers) > 0 && !l.timers[0].when.After(l.nowLocked()) {
		t := heap.Pop(&l.timers).(*Timer)
		t.fired = true
		return t.fn
	}
	return nil
}

func (l *Loop) nextDeadline() (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.tasks) > 0 {
		return l.nowLocked(), true
	}
	if len(l.timers) == 0 {
		return time.Time{}, false
	}
	return l.timers[0].when, true
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) close() {
	l.mu.Lock()
	l.closed = true
	l.tasks = nil
	for _, t := range l.timers {
		t.index = -1
	}
	l.timers = nil
	l.mu.Unlock()
}

// guard keeps a panicking task from taking the loop down with it.
func (l *Loop) guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("loop: task panicked", "panic", r)
			err = fmt.Errorf("loop: task panicked: %v", r)
		}
	}()
	return fn()
}

// Timer is a pending AfterFunc callback.
type Timer struct {
	loop  *Loop
	when  time.Time
	fn    func()
	seq   uint64
	index int
	fired bool
}

// Stop cancels the timer. It reports whether the callback was prevented
// from running.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}
	l := t.loop
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.fired || t.index < 0 {
		return false
	}
	heap.Remove(&l.timers, t.index)
	return true
}

type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
