// Package future provides a single-assignment result container used to
// compose the control plane's asynchronous steps (connect, send, the
// authentication pipeline) without blocking worker pools.
package future

import (
	"context"
	"sync"
)

// Executor runs continuations. worker.Pool satisfies it.
type Executor interface {
	Execute(task func()) error
}

// Future holds a value of type T or an error, assigned exactly once.
type Future[T any] struct {
	done  chan struct{}
	once  sync.Once
	value T
	err   error
}

// New returns an incomplete future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a future already completed with v.
func Resolved[T any](v T) *Future[T] {
	f := New[T]()
	f.Complete(v)
	return f
}

// Failed returns a future already completed with err.
func Failed[T any](err error) *Future[T] {
	f := New[T]()
	f.Fail(err)
	return f
}

// Complete assigns v. It reports false if the future was already completed.
func (f *Future[T]) Complete(v T) bool {
	return f.settle(v, nil)
}

// Fail assigns err. It reports false if the future was already completed.
func (f *Future[T]) Fail(err error) bool {
	var zero T
	return f.settle(zero, err)
}

func (f *Future[T]) settle(v T, err error) bool {
	settled := false
	f.once.Do(func() {
		f.value = v
		f.err = err
		settled = true
		close(f.done)
	})
	return settled
}

// Done is closed once the future completes.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the future has completed.
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Await blocks until completion or ctx cancellation. Only boundary code
// (bootstrap, tests) should call it.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the outcome without blocking; ok is false while pending.
func (f *Future[T]) Result() (value T, err error, ok bool) {
	if !f.IsDone() {
		var zero T
		return zero, nil, false
	}
	return f.value, f.err, true
}

// Then returns a future completed with fn applied to f's value. Errors
// propagate without calling fn. fn runs on exec, or on a new goroutine
// when exec is nil.
func Then[T, U any](f *Future[T], exec Executor, fn func(T) (U, error)) *Future[U] {
	next := New[U]()
	f.whenDone(exec, next.Fail, func() {
		if f.err != nil {
			next.Fail(f.err)
			return
		}
		v, err := fn(f.value)
		if err != nil {
			next.Fail(err)
			return
		}
		next.Complete(v)
	})
	return next
}

// Compose chains an asynchronous step: fn's future becomes the result.
func Compose[T, U any](f *Future[T], exec Executor, fn func(T) *Future[U]) *Future[U] {
	next := New[U]()
	f.whenDone(exec, next.Fail, func() {
		if f.err != nil {
			next.Fail(f.err)
			return
		}
		inner := fn(f.value)
		inner.whenDone(nil, next.Fail, func() {
			if inner.err != nil {
				next.Fail(inner.err)
				return
			}
			next.Complete(inner.value)
		})
	})
	return next
}

// Handle returns a future completed with fn applied to f's value and
// error. Unlike Then, fn also runs when f failed.
func Handle[T, U any](f *Future[T], exec Executor, fn func(T, error) (U, error)) *Future[U] {
	next := New[U]()
	f.whenDone(exec, next.Fail, func() {
		v, err := fn(f.value, f.err)
		if err != nil {
			next.Fail(err)
			return
		}
		next.Complete(v)
	})
	return next
}

// whenDone runs task once f completes. If the executor rejects the
// task, reject receives the submission error.
func (f *Future[T]) whenDone(exec Executor, reject func(error) bool, task func()) {
	go func() {
		<-f.done
		if exec == nil {
			task()
			return
		}
		if err := exec.Execute(task); err != nil {
			reject(err)
		}
	}()
}
