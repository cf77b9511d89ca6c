package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/sandpolis/agent/pkg/clock"
	"github.com/sandpolis/agent/pkg/worker"
)

// StartPool starts a pool that is stopped when t ends
func StartPool(t testing.TB, name string, workers int, opts ...worker.Option) *worker.Pool {
	t.Helper()
	pool := worker.NewPool(name, workers, 1024, opts...)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start pool %s: %v", name, err)
	}
	t.Cleanup(func() {
		_ = pool.Stop(5 * time.Second)
	})
	return pool
}

// StartRegistry starts a registry with the given pools, all using clk
func StartRegistry(t testing.TB, clk clock.Clock, pools map[string]int) *worker.Registry {
	t.Helper()
	reg := worker.NewRegistry(worker.WithClock(clk))
	for name, workers := range pools {
		if err := reg.Register(name, worker.Fixed(workers, 1024)); err != nil {
			t.Fatalf("register pool %s: %v", name, err)
		}
	}
	if err := reg.Start(context.Background()); err != nil {
		t.Fatalf("start registry: %v", err)
	}
	t.Cleanup(func() {
		_ = reg.Stop(5 * time.Second)
	})
	return reg
}
