package store

import (
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/sandpolis/agent/errors"
)

// Registry tracks initialized stores for one process
type Registry struct {
	mu     sync.Mutex
	stores []Store
	names  map[string]struct{}
	closed bool
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{names: make(map[string]struct{})}
}

// Add records s as the most recently initialized store
func (r *Registry) Add(s Store) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errors.WrapFatal(errors.ErrShuttingDown, "Registry", "Add", "add store "+s.Name())
	}
	if _, dup := r.names[s.Name()]; dup {
		return errors.WrapFatal(fmt.Errorf("%w: %s", errors.ErrStoreAlreadyInitialized, s.Name()),
			"Registry", "Add", "add store")
	}
	r.names[s.Name()] = struct{}{}
	r.stores = append(r.stores, s)
	return nil
}

// Names returns store names in initialization order
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, len(r.stores))
	for i, s := range r.stores {
		out[i] = s.Name()
	}
	return out
}

// Stop stops every store in reverse initialization order, giving each the
// full timeout. All stores are stopped even when some fail; the failures
// are joined.
func (r *Registry) Stop(timeout time.Duration) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	stores := r.stores
	r.mu.Unlock()

	var errs []error
	for i := len(stores) - 1; i >= 0; i-- {
		if err := stores[i].Stop(timeout); err != nil {
			errs = append(errs, errors.Wrap(err, "Registry", "Stop", "stop "+stores[i].Name()))
		}
	}
	return stderrors.Join(errs...)
}
