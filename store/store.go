package store

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sandpolis/agent/errors"
)

// Status is the lifecycle state of a store
type Status int

// Possible store statuses
const (
	StatusUninitialized Status = iota
	StatusInitialized
	StatusStopped
)

// String returns the string representation of Status
func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusInitialized:
		return "initialized"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Store is what a Registry tracks
type Store interface {
	Name() string
	Stop(timeout time.Duration) error
}

// Validator is implemented by configuration structs that check themselves
type Validator interface {
	Validate() error
}

// Base carries a store's name, status and committed configuration
type Base[C any] struct {
	name     string
	defaults C
	logger   *slog.Logger

	mu     sync.RWMutex
	status Status
	config C
}

// NewBase creates an uninitialized base with the given defaults
func NewBase[C any](name string, defaults C, logger *slog.Logger) *Base[C] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Base[C]{
		name:     name,
		defaults: defaults,
		logger:   logger.With("component", name),
	}
}

// Name returns the store name
func (b *Base[C]) Name() string {
	return b.name
}

// Logger returns the store logger
func (b *Base[C]) Logger() *slog.Logger {
	if b.logger == nil {
		return slog.Default()
	}
	return b.logger
}

// Status returns the lifecycle state
func (b *Base[C]) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

// Init applies configure to a copy of the defaults, validates it and
// commits it. Nothing is committed when validation fails, so Init may be
// retried. A second successful Init is rejected.
func (b *Base[C]) Init(configure func(*C)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.status != StatusUninitialized {
		return errors.WrapFatal(fmt.Errorf("%w: %s", errors.ErrStoreAlreadyInitialized, b.name),
			b.name, "Init", "initialize store")
	}

	cfg := b.defaults
	if configure != nil {
		configure(&cfg)
	}
	if v, ok := any(&cfg).(Validator); ok {
		if err := v.Validate(); err != nil {
			return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
				b.name, "Init", "validate configuration")
		}
	}

	b.config = cfg
	b.status = StatusInitialized
	b.logger.Debug("Store initialized")
	return nil
}

// Config returns the committed configuration
func (b *Base[C]) Config() (C, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.status != StatusInitialized {
		var zero C
		return zero, b.notReady("Config")
	}
	return b.config, nil
}

// Ready returns ErrStoreNotInitialized unless Init has succeeded and the
// store is not stopped. Store methods call it first.
func (b *Base[C]) Ready(method string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.status != StatusInitialized {
		return b.notReady(method)
	}
	return nil
}

func (b *Base[C]) notReady(method string) error {
	if b.status == StatusStopped {
		return errors.WrapFatal(fmt.Errorf("%w: %s is stopped", errors.ErrStoreNotInitialized, b.name),
			b.name, method, "query store")
	}
	return errors.WrapFatal(fmt.Errorf("%w: %s", errors.ErrStoreNotInitialized, b.name),
		b.name, method, "query store")
}

// MarkStopped moves the store to StatusStopped. It reports false if the store
// was not initialized or was already stopped.
func (b *Base[C]) MarkStopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.status != StatusInitialized {
		return false
	}
	b.status = StatusStopped
	b.logger.Debug("Store stopped")
	return true
}
