package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandpolis/agent/pkg/worker"
)

type recorder struct {
	mu  sync.Mutex
	got []int
}

func (r *recorder) add(v int) {
	r.mu.Lock()
	r.got = append(r.got, v)
	r.mu.Unlock()
}

func (r *recorder) values() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.got...)
}

func startPool(t *testing.T) *worker.Pool {
	t.Helper()
	pool := worker.NewPool("store.event_bus.test", 1, 1024)
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(func() { _ = pool.Stop(time.Second) })
	return pool
}

func TestBus_DeliversInEmissionOrder(t *testing.T) {
	b := New[int]("test", startPool(t), nil)

	var a, c recorder
	b.Register("a", a.add)
	b.Register("c", c.add)

	for i := 0; i < 500; i++ {
		require.NoError(t, b.Publish(i))
	}

	require.Eventually(t, func() bool { return len(c.values()) == 500 }, 5*time.Second, time.Millisecond)
	for i, v := range a.values() {
		require.Equal(t, i, v)
	}
	assert.Equal(t, a.values(), c.values())
}

func TestBus_SubscriberSnapshot(t *testing.T) {
	b := New[int]("test", nil, nil)

	var early, late recorder
	b.Register("early", early.add)
	require.NoError(t, b.Publish(1))

	b.Register("late", late.add)
	require.NoError(t, b.Publish(2))

	assert.Equal(t, []int{1, 2}, early.values())
	assert.Equal(t, []int{2}, late.values())
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New[int]("test", nil, nil)

	var r recorder
	sub := b.Register("r", r.add)
	require.NoError(t, b.Publish(1))

	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Equal(t, 0, b.Len())
	require.NoError(t, b.Publish(2))

	assert.Equal(t, []int{1}, r.values())
	Subscription{}.Unsubscribe()
}

func TestBus_PanickingHandlerDoesNotStopOthers(t *testing.T) {
	b := New[int]("test", nil, nil)

	var r recorder
	b.Register("boom", func(int) { panic("boom") })
	b.Register("r", r.add)

	require.NoError(t, b.Publish(7))
	assert.Equal(t, []int{7}, r.values())
}

func TestBus_PublishWithoutSubscribers(t *testing.T) {
	pool := worker.NewPool("never-started", 1, 1)
	b := New[int]("test", pool, nil)

	// nothing to deliver, so the stopped pool is never touched
	assert.NoError(t, b.Publish(1))

	b.Register("r", func(int) {})
	err := b.Publish(2)
	require.Error(t, err)
	assert.ErrorIs(t, err, worker.ErrPoolNotStarted)
}

func TestBus_FullQueueDoesNotDropEvents(t *testing.T) {
	pool := worker.NewPool("store.event_bus.test", 1, 1)
	require.NoError(t, pool.Start(context.Background()))
	release := make(chan struct{})
	t.Cleanup(func() { _ = pool.Stop(time.Second) })
	t.Cleanup(func() { close(release) })

	busy := make(chan struct{})
	require.NoError(t, pool.Submit(func(context.Context) {
		close(busy)
		<-release
	}))
	<-busy
	require.NoError(t, pool.Submit(func(context.Context) {}))

	b := New[int]("test", pool, nil)
	var r recorder
	b.Register("r", r.add)
	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(i))
	}

	require.Eventually(t, func() bool { return len(r.values()) == 10 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, r.values())
}
