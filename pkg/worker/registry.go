package worker

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sandpolis/agent/errors"
)

// Factory builds a pool for a registered name. opts carry the registry's
// shared options (clock, logger, metrics) and must be passed to NewPool.
type Factory func(name string, opts ...Option) *Pool

// Fixed returns a factory for a pool with the given worker count and queue size
func Fixed(workers, queueSize int) Factory {
	return func(name string, opts ...Option) *Pool {
		return NewPool(name, workers, queueSize, opts...)
	}
}

// Registry owns named pools. Each name maps to exactly one pool instance,
// created on first Acquire or at Start and never resized.
type Registry struct {
	opts []Option

	mu        sync.Mutex
	factories map[string]Factory
	pools     map[string]*Pool
	ctx       context.Context
	cancel    context.CancelFunc
	started   bool
	stopped   bool
}

// NewRegistry creates a registry; opts are applied to every pool it creates
func NewRegistry(opts ...Option) *Registry {
	return &Registry{
		opts:      opts,
		factories: make(map[string]Factory),
		pools:     make(map[string]*Pool),
	}
}

// Register associates name with a factory
func (r *Registry) Register(name string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrPoolExists, name),
			"Registry", "Register", "register pool")
	}
	r.factories[name] = factory
	return nil
}

// Acquire returns the pool registered under name, creating it on first use.
// Pools acquired after Start are started immediately.
func (r *Registry) Acquire(name string) (*Pool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return nil, errors.Wrap(errors.ErrShuttingDown, "Registry", "Acquire", "acquire pool "+name)
	}
	return r.acquireLocked(name)
}

func (r *Registry) acquireLocked(name string) (*Pool, error) {
	if p, ok := r.pools[name]; ok {
		return p, nil
	}
	factory, ok := r.factories[name]
	if !ok {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %s", errors.ErrUnknownPool, name),
			"Registry", "Acquire", "lookup pool")
	}

	p := factory(name, r.opts...)
	if r.started {
		if err := p.Start(r.ctx); err != nil {
			return nil, errors.Wrap(err, "Registry", "Acquire", "start pool "+name)
		}
	}
	r.pools[name] = p
	return p, nil
}

// Start creates and starts every registered pool
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return nil
	}
	r.ctx, r.cancel = context.WithCancel(ctx)

	for _, name := range r.sortedNames() {
		p, err := r.acquireLocked(name)
		if err != nil {
			return err
		}
		if err := p.Start(r.ctx); err != nil && !stderrors.Is(err, ErrPoolAlreadyStarted) {
			return errors.Wrap(err, "Registry", "Start", "start pool "+name)
		}
	}
	r.started = true
	return nil
}

// Stop drains every pool, waiting up to timeout for each
func (r *Registry) Stop(timeout time.Duration) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	pools := make([]*Pool, 0, len(r.pools))
	for _, name := range r.sortedPoolNames() {
		pools = append(pools, r.pools[name])
	}
	cancel := r.cancel
	r.mu.Unlock()

	var errs []error
	for _, p := range pools {
		if err := p.Stop(timeout); err != nil {
			errs = append(errs, err)
		}
	}
	if cancel != nil {
		cancel()
	}
	return stderrors.Join(errs...)
}

// Names returns the registered pool names in sorted order
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedNames()
}

// Stats returns statistics for every created pool
func (r *Registry) Stats() []PoolStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := make([]PoolStats, 0, len(r.pools))
	for _, name := range r.sortedPoolNames() {
		stats = append(stats, r.pools[name].Stats())
	}
	return stats
}

func (r *Registry) sortedNames() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) sortedPoolNames() []string {
	names := make([]string, 0, len(r.pools))
	for name := range r.pools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
