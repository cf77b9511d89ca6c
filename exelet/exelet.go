// Package exelet holds the handlers that answer requests sent to the agent.
//
// Handlers are registered by command name and run on the net.exelet pool
// through the command dispatcher. The store registers agent.ping and
// agent.metadata at Init; other stores add their own.
package exelet

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sandpolis/agent/connection"
	"github.com/sandpolis/agent/errors"
	"github.com/sandpolis/agent/message"
	"github.com/sandpolis/agent/pkg/future"
	"github.com/sandpolis/agent/platform"
	"github.com/sandpolis/agent/store"
)

// StoreName identifies the exelet store
const StoreName = "exelet"

// Built-in commands
const (
	CommandPing     = "agent.ping"
	CommandMetadata = "agent.metadata"
)

// Handler answers one request
type Handler func(ctx context.Context, conn *connection.Connection, req message.Envelope) (message.Outcome, error)

// ReasonRateLimited is the outcome reason of a throttled request
const ReasonRateLimited = "rate limited"

// Config binds the exelet store
type Config struct {
	// Pool runs handlers; nil runs them on the caller
	Pool       future.Executor
	Probe      platform.Probe
	InstanceID string
	Version    string
	// RateLimit caps requests per second across all commands; zero disables
	// throttling
	RateLimit int
	Burst     int
}

// Validate checks the bindings
func (c *Config) Validate() error {
	if c.InstanceID == "" {
		return fmt.Errorf("instance id required")
	}
	if c.RateLimit < 0 || (c.RateLimit > 0 && c.Burst <= 0) {
		return fmt.Errorf("rate limit %d with burst %d", c.RateLimit, c.Burst)
	}
	return nil
}

// Store is the registry of request handlers
type Store struct {
	*store.Base[Config]

	cfg      Config
	limiter  *rate.Limiter
	mu       sync.RWMutex
	handlers map[string]Handler
}

// New creates an uninitialized exelet store
func New(logger *slog.Logger) *Store {
	return &Store{
		Base: store.NewBase(StoreName, Config{
			Probe:     platform.Default(),
			Version:   "dev",
			RateLimit: 100,
			Burst:     10,
		}, logger),
		handlers: make(map[string]Handler),
	}
}

// Init commits the configuration and registers the built-in handlers
func (s *Store) Init(configure func(*Config)) error {
	if err := s.Base.Init(configure); err != nil {
		return err
	}
	s.cfg, _ = s.Config()
	if s.cfg.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.Burst)
	}
	s.handlers[CommandPing] = s.ping
	s.handlers[CommandMetadata] = s.metadata
	return nil
}

// Register adds a handler for command
func (s *Store) Register(command string, h Handler) error {
	if err := s.Ready("Register"); err != nil {
		return err
	}
	if command == "" || h == nil {
		return errors.WrapInvalid(fmt.Errorf("command and handler required"), "Store", "Register", "register handler")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.handlers[command]; exists {
		return errors.WrapInvalid(fmt.Errorf("handler for %s already registered", command),
			"Store", "Register", "register handler")
	}
	s.handlers[command] = h
	return nil
}

// Commands returns the registered command names, sorted
func (s *Store) Commands() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Handle routes req to the handler for req.Command and returns without
// waiting for it. The handler runs on the configured pool; the future fails
// when ctx ends first. Unregistered commands fail with
// errors.ErrUnknownCommand. Requests over the rate limit are refused with
// ReasonRateLimited.
func (s *Store) Handle(ctx context.Context, conn *connection.Connection, req message.Envelope) *future.Future[message.Outcome] {
	if err := s.Ready("Handle"); err != nil {
		return future.Failed[message.Outcome](err)
	}
	if s.limiter != nil && !s.limiter.Allow() {
		s.Logger().Warn("Request throttled", "command", req.Command)
		return future.Resolved(message.Failed(req.Command, ReasonRateLimited))
	}

	s.mu.RLock()
	h, ok := s.handlers[req.Command]
	s.mu.RUnlock()
	if !ok {
		return future.Failed[message.Outcome](errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrUnknownCommand, req.Command), "Store", "Handle", "route request"))
	}

	result := future.New[message.Outcome]()
	task := func() {
		outcome, err := s.run(ctx, h, conn, req)
		if err != nil {
			result.Fail(err)
			return
		}
		result.Complete(outcome)
	}
	if s.cfg.Pool == nil {
		task()
		return result
	}

	stop := context.AfterFunc(ctx, func() {
		result.Fail(errors.WrapTransient(ctx.Err(), "Store", "Handle", "run "+req.Command))
	})
	if err := s.cfg.Pool.Execute(func() {
		defer stop()
		task()
	}); err != nil {
		stop()
		result.Fail(errors.WrapTransient(err, "Store", "Handle", "queue "+req.Command))
	}
	return result
}

func (s *Store) run(ctx context.Context, h Handler, conn *connection.Connection, req message.Envelope) (outcome message.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.Logger().Error("Handler panicked", "command", req.Command, "panic", r)
			err = errors.WrapFatal(fmt.Errorf("panic: %v", r), "Store", "run", "run "+req.Command)
		}
	}()
	return h(ctx, conn, req)
}

// Stop drops every handler
func (s *Store) Stop(time.Duration) error {
	if !s.MarkStopped() {
		return nil
	}
	s.mu.Lock()
	s.handlers = make(map[string]Handler)
	s.mu.Unlock()
	return nil
}

func (s *Store) ping(context.Context, *connection.Connection, message.Envelope) (message.Outcome, error) {
	return message.Succeeded(CommandPing), nil
}

func (s *Store) metadata(context.Context, *connection.Connection, message.Envelope) (message.Outcome, error) {
	info := platform.Describe(s.cfg.Probe)
	return message.Succeeded(CommandMetadata).
		With("instance", s.cfg.InstanceID).
		With("version", s.cfg.Version).
		With("hostname", info.Hostname).
		With("os", info.OS).
		With("arch", info.Arch).
		With("kernel", info.Kernel).
		With("efi", strconv.FormatBool(info.EFI)), nil
}
