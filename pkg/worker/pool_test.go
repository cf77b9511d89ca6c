package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sandpolis/agent/pkg/clock"
)

func startedPool(t *testing.T, workers, queue int, opts ...Option) *Pool {
	t.Helper()
	pool := NewPool("test", workers, queue, opts...)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start pool: %v", err)
	}
	t.Cleanup(func() { _ = pool.Stop(time.Second) })
	return pool
}

func TestNewPool_Defaults(t *testing.T) {
	pool := NewPool("defaults", 0, 0)
	if pool.workers != 1 {
		t.Errorf("Expected 1 worker, got %d", pool.workers)
	}
	if pool.queueSize != 256 {
		t.Errorf("Expected queue size 256, got %d", pool.queueSize)
	}
}

func TestPool_SentinelErrors(t *testing.T) {
	pool := NewPool("sentinel", 1, 1)

	if err := pool.Submit(func(context.Context) {}); !errors.Is(err, ErrPoolNotStarted) {
		t.Errorf("Expected ErrPoolNotStarted, got %v", err)
	}
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start pool: %v", err)
	}
	if err := pool.Start(context.Background()); !errors.Is(err, ErrPoolAlreadyStarted) {
		t.Errorf("Expected ErrPoolAlreadyStarted, got %v", err)
	}
	if err := pool.Submit(nil); !errors.Is(err, ErrNilTask) {
		t.Errorf("Expected ErrNilTask, got %v", err)
	}
	if err := pool.Stop(time.Second); err != nil {
		t.Fatalf("Failed to stop pool: %v", err)
	}
	if err := pool.Submit(func(context.Context) {}); !errors.Is(err, ErrPoolStopped) {
		t.Errorf("Expected ErrPoolStopped, got %v", err)
	}
}

func TestPool_SingleWorkerPreservesOrder(t *testing.T) {
	pool := startedPool(t, 1, 100)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		i := i
		if err := pool.Submit(func(context.Context) {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}
	wg.Wait()

	for i, v := range order {
		if v != i {
			t.Fatalf("Expected task %d at position %d, got %d", i, i, v)
		}
	}
}

func TestPool_QueueFull(t *testing.T) {
	pool := startedPool(t, 1, 1)

	block := make(chan struct{})
	running := make(chan struct{})
	if err := pool.Submit(func(context.Context) {
		close(running)
		<-block
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-running

	if err := pool.Submit(func(context.Context) {}); err != nil {
		t.Fatalf("Expected queued submit to succeed, got %v", err)
	}
	if err := pool.Submit(func(context.Context) {}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}
	close(block)

	if stats := pool.Stats(); stats.Dropped != 1 {
		t.Errorf("Expected 1 dropped, got %d", stats.Dropped)
	}
}

func TestPool_PanicIsContained(t *testing.T) {
	pool := startedPool(t, 1, 10)

	done := make(chan struct{})
	_ = pool.Submit(func(context.Context) { panic("boom") })
	_ = pool.Submit(func(context.Context) { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Worker did not survive a panicking task")
	}
	if stats := pool.Stats(); stats.Panicked != 1 {
		t.Errorf("Expected 1 panicked task, got %d", stats.Panicked)
	}
}

func TestPool_ExecuteRunsFunction(t *testing.T) {
	pool := startedPool(t, 2, 10)

	done := make(chan struct{})
	if err := pool.Execute(func() { close(done) }); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Execute did not run")
	}
}

func TestPool_ScheduleWaitsForClock(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	pool := startedPool(t, 1, 10, WithClock(fake))

	var ran atomic.Int32
	done := make(chan struct{})
	handle := pool.Schedule(time.Second, func(context.Context) {
		ran.Add(1)
		close(done)
	})

	fake.Advance(999 * time.Millisecond)
	if handle.Fired() {
		t.Fatal("Task fired before its delay")
	}

	fake.Advance(time.Millisecond)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Scheduled task did not run")
	}
	if !handle.Fired() || handle.Cancel() {
		t.Error("Expected fired handle that cannot be cancelled")
	}
	if ran.Load() != 1 {
		t.Errorf("Expected one run, got %d", ran.Load())
	}
}

func TestPool_ScheduleCancel(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	pool := startedPool(t, 1, 10, WithClock(fake))

	var ran atomic.Int32
	handle := pool.Schedule(time.Second, func(context.Context) { ran.Add(1) })

	if !handle.Cancel() {
		t.Fatal("Expected first Cancel to succeed")
	}
	if handle.Cancel() {
		t.Error("Expected second Cancel to report false")
	}
	fake.Advance(2 * time.Second)
	_ = pool.Stop(time.Second)

	if ran.Load() != 0 {
		t.Errorf("Cancelled task ran %d times", ran.Load())
	}
	if fake.PendingCount() != 0 {
		t.Errorf("Expected no pending timers, got %d", fake.PendingCount())
	}
}

func TestPool_StopDrainsQueue(t *testing.T) {
	pool := NewPool("drain", 1, 10)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	var count atomic.Int32
	for i := 0; i < 5; i++ {
		_ = pool.Submit(func(context.Context) {
			time.Sleep(time.Millisecond)
			count.Add(1)
		})
	}
	if err := pool.Stop(time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if count.Load() != 5 {
		t.Errorf("Expected 5 tasks drained, got %d", count.Load())
	}
}
