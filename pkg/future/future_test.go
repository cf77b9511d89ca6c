package future

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inlineExecutor struct {
	calls atomic.Int32
	err   error
}

func (e *inlineExecutor) Execute(task func()) error {
	e.calls.Add(1)
	if e.err != nil {
		return e.err
	}
	task()
	return nil
}

func awaitShort[T any](t *testing.T, f *Future[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return f.Await(ctx)
}

func TestFuture_CompletesOnce(t *testing.T) {
	f := New[int]()
	assert.False(t, f.IsDone())

	assert.True(t, f.Complete(1))
	assert.False(t, f.Complete(2))
	assert.False(t, f.Fail(errors.New("late")))

	v, err, ok := f.Result()
	require.True(t, ok)
	assert.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestFuture_AwaitHonoursContext(t *testing.T) {
	f := New[string]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Await(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestThen_AppliesOnExecutor(t *testing.T) {
	exec := &inlineExecutor{}
	src := New[int]()
	next := Then(src, exec, func(v int) (string, error) { return strconv.Itoa(v * 2), nil })

	src.Complete(21)
	v, err := awaitShort(t, next)
	require.NoError(t, err)
	assert.Equal(t, "42", v)
	assert.Equal(t, int32(1), exec.calls.Load())
}

func TestThen_PropagatesError(t *testing.T) {
	boom := errors.New("boom")
	called := false
	next := Then(Failed[int](boom), nil, func(int) (int, error) {
		called = true
		return 0, nil
	})

	_, err := awaitShort(t, next)
	assert.ErrorIs(t, err, boom)
	assert.False(t, called)
}

func TestThen_ExecutorRejection(t *testing.T) {
	rejected := errors.New("queue full")
	next := Then(Resolved(1), &inlineExecutor{err: rejected}, func(v int) (int, error) { return v, nil })

	_, err := awaitShort(t, next)
	assert.ErrorIs(t, err, rejected)
}

func TestCompose_Sequences(t *testing.T) {
	var order []string
	first := New[int]()
	second := Compose(first, nil, func(v int) *Future[int] {
		order = append(order, "second")
		return Resolved(v + 1)
	})
	third := Then(second, nil, func(v int) (int, error) {
		order = append(order, "third")
		return v + 1, nil
	})

	order = append(order, "first")
	first.Complete(1)

	v, err := awaitShort(t, third)
	require.NoError(t, err)
	assert.Equal(t, 3, v)
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestHandle_SeesFailure(t *testing.T) {
	exec := &inlineExecutor{}
	boom := errors.New("boom")

	recovered := Handle(Failed[int](boom), exec, func(v int, err error) (string, error) {
		if err != nil {
			return "recovered: " + err.Error(), nil
		}
		return strconv.Itoa(v), nil
	})
	v, err := awaitShort(t, recovered)
	require.NoError(t, err)
	assert.Equal(t, "recovered: boom", v)

	passed := Handle(Resolved(7), exec, func(v int, err error) (string, error) {
		return strconv.Itoa(v), err
	})
	v, err = awaitShort(t, passed)
	require.NoError(t, err)
	assert.Equal(t, "7", v)
	assert.Equal(t, int32(2), exec.calls.Load())
}
