// Package worker provides the named worker pools the agent stores run on.
//
// A Pool is a fixed set of goroutines draining a bounded queue. Submit never
// blocks: a saturated queue returns ErrQueueFull, which callers treat as an
// overload signal. A pool with a single worker runs tasks strictly in
// submission order, which the event buses and the reconnect loop rely on.
//
// Schedule hands a task to the pool after a delay measured on the pool's
// clock.Clock. The delay is a timer, not a sleeping worker, so scheduled work
// can be cancelled and tests can drive it with clock.FakeClock.
//
// A Registry maps names to factories and guarantees one pool per name:
//
//	registry := worker.NewRegistry(worker.WithLogger(logger))
//	_ = registry.Register("net.connection.loop", worker.Fixed(1, 16))
//	_ = registry.Start(ctx)
//
//	loop, err := registry.Acquire("net.connection.loop")
//	if err != nil {
//	    return err // wraps errors.ErrUnknownPool for unregistered names
//	}
//	handle := loop.Schedule(time.Second, reconnect)
//	defer handle.Cancel()
//
// Statistics are always tracked with atomics; Prometheus metrics are
// optional and shared by every pool of a registry through WithMetrics.
package worker
