package clock

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeClock_AfterFuncFiresOnDeadline(t *testing.T) {
	c := NewFake(epoch)
	var fired atomic.Int32

	c.AfterFunc(time.Second, func() { fired.Add(1) })
	require.Equal(t, 1, c.PendingCount())

	c.Advance(999 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())

	c.Advance(time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
	assert.Equal(t, 0, c.PendingCount())

	c.Advance(time.Hour)
	assert.Equal(t, int32(1), fired.Load(), "one-shot timers fire once")
}

func TestFakeClock_StopPreventsFiring(t *testing.T) {
	c := NewFake(epoch)
	var fired atomic.Bool

	timer := c.AfterFunc(time.Second, func() { fired.Store(true) })
	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop(), "second stop reports inactive")

	c.Advance(2 * time.Second)
	assert.False(t, fired.Load())
}

func TestFakeClock_DeadlineOrder(t *testing.T) {
	c := NewFake(epoch)
	var order []int

	c.AfterFunc(3*time.Second, func() { order = append(order, 3) })
	c.AfterFunc(time.Second, func() { order = append(order, 1) })
	c.AfterFunc(2*time.Second, func() { order = append(order, 2) })

	c.Advance(5 * time.Second)
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestFakeClock_After(t *testing.T) {
	c := NewFake(epoch)
	ch := c.After(time.Minute)

	select {
	case <-ch:
		t.Fatal("fired before advance")
	default:
	}

	c.Advance(time.Minute)
	select {
	case at := <-ch:
		assert.Equal(t, epoch.Add(time.Minute), at)
	default:
		t.Fatal("expected channel to fire")
	}
}

func TestFakeClock_WaitForTimers(t *testing.T) {
	c := NewFake(epoch)
	done := make(chan struct{})

	go func() {
		<-c.After(time.Second)
		close(done)
	}()

	c.WaitForTimers(1)
	c.Advance(time.Second)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter not released")
	}
}
