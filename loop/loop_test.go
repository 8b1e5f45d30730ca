package loop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestPost_FIFO(t *testing.T) {
	l := NewManual(epoch)
	var order []int
	for i := 1; i <= 3; i++ {
		l.Post(func() { order = append(order, i) })
	}
	assert.Empty(t, order, "nothing runs before the loop is driven")

	n := l.RunUntilIdle()
	assert.Equal(t, 3, n)
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestPost_FromTaskRunsAfterQueue(t *testing.T) {
	l := NewManual(epoch)
	var order []string
	l.Post(func() {
		order = append(order, "a")
		l.Post(func() { order = append(order, "c") })
	})
	l.Post(func() { order = append(order, "b") })
	l.RunUntilIdle()
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestAfterFunc_VirtualClock(t *testing.T) {
	l := NewManual(epoch)
	var fired []string
	l.AfterFunc(50*time.Millisecond, func() { fired = append(fired, "50") })
	l.AfterFunc(10*time.Millisecond, func() { fired = append(fired, "10") })

	l.Advance(9 * time.Millisecond)
	assert.Empty(t, fired)

	l.Advance(1 * time.Millisecond)
	assert.Equal(t, []string{"10"}, fired)

	l.Advance(100 * time.Millisecond)
	assert.Equal(t, []string{"10", "50"}, fired)
	assert.Equal(t, epoch.Add(110*time.Millisecond), l.Now())
}

func TestAfterFunc_NowInsideCallback(t *testing.T) {
	l := NewManual(epoch)
	var at time.Time
	l.AfterFunc(30*time.Millisecond, func() { at = l.Now() })
	l.Advance(time.Second)
	assert.Equal(t, epoch.Add(30*time.Millisecond), at)
}

func TestTimer_StopCancels(t *testing.T) {
	l := NewManual(epoch)
	fired := false
	tm := l.AfterFunc(10*time.Millisecond, func() { fired = true })
	assert.True(t, tm.Stop())
	assert.False(t, tm.Stop(), "second stop is a no-op")

	l.Advance(time.Second)
	assert.False(t, fired)
}

func TestTimer_CancelAndReschedule(t *testing.T) {
	l := NewManual(epoch)
	count := 0
	var tm *Timer
	bump := func() {
		tm.Stop()
		tm = l.AfterFunc(50*time.Millisecond, func() { count++ })
	}
	tm = l.AfterFunc(50*time.Millisecond, func() { count++ })

	for i := 0; i < 5; i++ {
		l.Advance(20 * time.Millisecond)
		bump()
	}
	assert.Equal(t, 0, count, "timer keeps being pushed back")

	l.Advance(50 * time.Millisecond)
	assert.Equal(t, 1, count)
}

func TestTimer_StopAfterFire(t *testing.T) {
	l := NewManual(epoch)
	tm := l.AfterFunc(0, func() {})
	l.RunUntilIdle()
	assert.False(t, tm.Stop())
}

func TestRunUntilIdle_RecoversPanic(t *testing.T) {
	l := NewManual(epoch)
	ran := false
	l.Post(func() { panic("boom") })
	l.Post(func() { ran = true })
	l.RunUntilIdle()
	assert.True(t, ran)
}

func TestRun_RealTime(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	fired := make(chan struct{})
	l.AfterFunc(5*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}

	var got int
	err := l.Call(context.Background(), func() error { got = 42; return nil })
	require.NoError(t, err)
	assert.Equal(t, 42, got)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	err = l.Call(context.Background(), func() error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCall_ContextTimeout(t *testing.T) {
	l := NewManual(epoch)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	ran := false
	err := l.Call(ctx, func() error { ran = true; return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The abandoned task is skipped when the loop catches up.
	assert.Equal(t, 1, l.RunUntilIdle())
	assert.False(t, ran)
}

func TestRun_ManualRejected(t *testing.T) {
	l := NewManual(epoch)
	assert.Error(t, l.Run(context.Background()))
}
