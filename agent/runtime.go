// Package agent assembles the agent control plane.
//
// Runtime is the process context: it owns the worker pools, the state tree,
// the event buses and every store, and boots them in a fixed order. Nothing
// here is global; tests build as many runtimes as they need.
//
// Boot order: worker pools, state tree, profile, plugin, exelet,
// connection, network, command dispatcher, authentication, reconnector,
// then the initial connect. Shutdown stops the stores in reverse.
package agent

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sandpolis/agent/auth"
	"github.com/sandpolis/agent/bus"
	"github.com/sandpolis/agent/command"
	"github.com/sandpolis/agent/config"
	"github.com/sandpolis/agent/connection"
	"github.com/sandpolis/agent/errors"
	"github.com/sandpolis/agent/exelet"
	"github.com/sandpolis/agent/health"
	"github.com/sandpolis/agent/metric"
	"github.com/sandpolis/agent/network"
	"github.com/sandpolis/agent/pkg/clock"
	"github.com/sandpolis/agent/pkg/future"
	"github.com/sandpolis/agent/pkg/worker"
	"github.com/sandpolis/agent/platform"
	"github.com/sandpolis/agent/plugin"
	"github.com/sandpolis/agent/profile"
	"github.com/sandpolis/agent/state"
	"github.com/sandpolis/agent/state/oid"
	"github.com/sandpolis/agent/store"
	"github.com/sandpolis/agent/transport"
)

// State tree bindings
var (
	ProfileBinding    = oid.MustParse("/profile")
	ConnectionBinding = oid.MustParse("/connection")
	NetworkBinding    = oid.MustParse("/network_connection")
)

// Option customizes a Runtime
type Option func(*options)

type options struct {
	logger    *slog.Logger
	metrics   *metric.MetricsRegistry
	dialer    transport.Dialer
	persister state.Persister
	clock     clock.Clock
	loader    plugin.Loader
	probe     platform.Probe
	version   string
	onReport  ReportFunc
}

// WithLogger sets the base logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetricsRegistry shares an existing metrics registry
func WithMetricsRegistry(r *metric.MetricsRegistry) Option {
	return func(o *options) { o.metrics = r }
}

// WithDialer replaces the transport selected by server.transport
func WithDialer(d transport.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithPersister replaces the backend selected by state.persistence
func WithPersister(p state.Persister) Option {
	return func(o *options) { o.persister = p }
}

// WithClock sets the clock used for timeouts and scheduling
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithPluginLoader sets the loader handed enabled plugins
func WithPluginLoader(l plugin.Loader) Option {
	return func(o *options) { o.loader = l }
}

// WithProbe sets the platform probe reported by agent.metadata
func WithProbe(p platform.Probe) Option {
	return func(o *options) { o.probe = p }
}

// WithVersion sets the version reported by agent.metadata
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// WithReportFunc observes every authentication run
func WithReportFunc(fn ReportFunc) Option {
	return func(o *options) { o.onReport = fn }
}

// Runtime is the process context of the agent
type Runtime struct {
	cfg    *config.Config
	opts   options
	logger *slog.Logger

	Pools         *worker.Registry
	Tree          *state.Tree
	Stores        *store.Registry
	ConnectionBus *bus.Bus[connection.Event]
	NetworkBus    *bus.Bus[network.Event]

	Profiles    *profile.Store
	Plugins     *plugin.Store
	Exelets     *exelet.Store
	Connections *connection.Store
	Network     *network.Store
	Commands    *command.Dispatcher
	Auth        *auth.Pipeline
	Reconnector *Reconnector

	link      *ServerLinkHandler
	tlsConfig *tls.Config
	health    *health.Monitor
	closers   []closer
	cancel    context.CancelFunc

	mu      sync.Mutex
	started bool
	stopped bool
}

// New prepares a runtime for cfg. Nothing is started until Start.
func New(cfg *config.Config, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Runtime", "New", "create runtime")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{
		logger:  slog.Default(),
		clock:   clock.Real(),
		version: "dev",
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = metric.NewMetricsRegistry()
	}
	if o.probe == nil {
		o.probe = platform.Default()
	}

	logger := o.logger.With("instance", cfg.Instance.UUID)
	return &Runtime{
		cfg:         cfg,
		opts:        o,
		logger:      logger.With("component", "runtime"),
		Stores:      store.NewRegistry(),
		Profiles:    profile.New(logger),
		Plugins:     plugin.New(logger),
		Exelets:     exelet.New(logger),
		Connections: connection.New(logger),
		Network:     network.New(logger),
		Commands:    command.New(logger),
		Auth:        auth.New(logger),
		Reconnector: NewReconnector(logger),
		health:      health.NewMonitor(),
	}, nil
}

// Config returns the configuration the runtime was built with
func (r *Runtime) Config() *config.Config {
	return r.cfg
}

// Metrics returns the metrics registry
func (r *Runtime) Metrics() *metric.MetricsRegistry {
	return r.opts.metrics
}

// Health aggregates the reported subsystem health
func (r *Runtime) Health() health.Status {
	return r.health.AggregateHealth("agent")
}

// Start boots every component and dials the server when one is
// configured. On error everything started so far is shut down.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.WrapFatal(fmt.Errorf("runtime already started"), "Runtime", "Start", "start runtime")
	}
	r.started = true

	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	if err := r.boot(ctx, runCtx); err != nil {
		if stopErr := r.shutdownLocked(5 * time.Second); stopErr != nil {
			r.logger.Warn("Cleanup after failed start reported errors", "error", stopErr)
		}
		return err
	}

	r.logger.Info("Agent started", "stores", r.Stores.Names(), "server", r.cfg.Server.Address)
	if r.cfg.Server.Address == "" {
		r.logger.Warn("No server address configured, staying offline")
		return nil
	}
	r.connectInitial()
	return nil
}

func (r *Runtime) boot(ctx, runCtx context.Context) error {
	cfg := r.cfg
	o := r.opts

	poolMetrics, err := worker.NewMetrics(o.metrics)
	if err != nil {
		return errors.Wrap(err, "Runtime", "Start", "register pool metrics")
	}
	r.Pools = worker.NewRegistry(
		worker.WithClock(o.clock),
		worker.WithLogger(o.logger),
		worker.WithMetrics(poolMetrics),
	)
	for name, workers := range cfg.Pools {
		if err := r.Pools.Register(name, worker.Fixed(workers, config.PoolQueueSize)); err != nil {
			return err
		}
	}
	if err := r.Pools.Start(runCtx); err != nil {
		return errors.Wrap(err, "Runtime", "Start", "start pools")
	}
	pools := make(map[string]*worker.Pool, len(cfg.Pools))
	for _, name := range []string{
		config.PoolAttributes, config.PoolExelet, config.PoolOutgoing, config.PoolIncoming,
		config.PoolConnectionLoop, config.PoolConnectionBus, config.PoolNetworkBus,
	} {
		p, err := r.Pools.Acquire(name)
		if err != nil {
			return errors.Wrap(err, "Runtime", "Start", "acquire pool")
		}
		pools[name] = p
	}
	attributes := pools[config.PoolAttributes]
	exeletPool := pools[config.PoolExelet]
	outgoing := pools[config.PoolOutgoing]
	incoming := pools[config.PoolIncoming]
	loop := pools[config.PoolConnectionLoop]

	tlsConfig, err := newTLSConfig(cfg)
	if err != nil {
		return err
	}
	r.tlsConfig = tlsConfig

	persister := o.persister
	if persister == nil {
		p, closeFn, perr := newPersister(ctx, cfg, tlsConfig, o.logger)
		if perr != nil {
			return perr
		}
		persister = p
		if closeFn != nil {
			r.closers = append(r.closers, closeFn)
		}
	}
	treeOpts := []state.Option{state.WithLogger(o.logger)}
	if persister != nil {
		treeOpts = append(treeOpts, state.WithPersister(persister, attributes))
	}
	r.Tree = state.NewTree(treeOpts...)
	loaded, err := r.Tree.Load(ctx)
	if err != nil {
		return err
	}
	if loaded > 0 {
		r.logger.Info("Restored persisted state", "documents", loaded)
	}

	profiles, err := r.Tree.Ensure(ProfileBinding)
	if err != nil {
		return err
	}
	connections, err := r.Tree.Ensure(ConnectionBinding)
	if err != nil {
		return err
	}
	networkCol, err := r.Tree.Ensure(NetworkBinding)
	if err != nil {
		return err
	}

	r.ConnectionBus = bus.New[connection.Event]("connection", pools[config.PoolConnectionBus], o.logger)
	r.NetworkBus = bus.New[network.Event]("network", pools[config.PoolNetworkBus], o.logger)

	dialer := o.dialer
	if dialer == nil {
		if dialer, err = newDialer(cfg, o.logger); err != nil {
			return err
		}
	}
	strategy, err := auth.FromConfig(cfg.Auth)
	if err != nil {
		return err
	}
	metrics := o.metrics.CoreMetrics()

	steps := []struct {
		s    store.Store
		init func() error
	}{
		{r.Profiles, func() error {
			return r.Profiles.Init(func(c *profile.Config) {
				c.Collection = profiles
				c.InstanceID = cfg.Instance.UUID
				c.Clock = o.clock
			})
		}},
		{r.Plugins, func() error {
			return r.Plugins.Init(func(c *plugin.Config) {
				c.Tree = r.Tree
				c.InstanceID = cfg.Instance.UUID
				c.Commands = r.Commands
				c.Loader = o.loader
				c.Executor = incoming
				c.SyncTimeout = cfg.Command.Timeout
				c.Clock = o.clock
			})
		}},
		{r.Exelets, func() error {
			return r.Exelets.Init(func(c *exelet.Config) {
				c.Pool = exeletPool
				c.Probe = o.probe
				c.InstanceID = cfg.Instance.UUID
				c.Version = o.version
				c.RateLimit = cfg.Exelet.RateLimit
				c.Burst = cfg.Exelet.Burst
			})
		}},
		{r.Connections, func() error {
			return r.Connections.Init(func(c *connection.Config) {
				c.Collection = connections
				c.Dialer = dialer
				c.Outgoing = outgoing
				c.Incoming = incoming
				c.Bus = r.ConnectionBus
				c.DefaultTimeout = cfg.Server.Timeout
				c.Clock = o.clock
				c.Metrics = metrics
			})
		}},
		{r.Network, func() error {
			return r.Network.Init(func(c *network.Config) {
				c.Collection = networkCol
				c.ConnectionBus = r.ConnectionBus
				c.Bus = r.NetworkBus
				c.Metrics = metrics
			})
		}},
		{r.Commands, func() error {
			return r.Commands.Init(func(c *command.Config) {
				c.Connections = r.Connections
				c.ConnectionBus = r.ConnectionBus
				c.Requests = r.Exelets
				c.DefaultTimeout = cfg.Command.Timeout
				c.Clock = o.clock
				c.Metrics = metrics
			})
		}},
		{r.Auth, func() error {
			return r.Auth.Init(func(c *auth.Config) {
				c.Strategy = strategy
				c.Commands = r.Commands
				c.Connections = r.Connections
				c.Plugins = r.Plugins
				c.PluginsEnabled = cfg.Plugin.Enabled
				c.Executor = incoming
				c.Timeout = cfg.Command.Timeout
				c.Metrics = metrics
			})
		}},
		{r.Reconnector, func() error {
			return r.Reconnector.Init(func(c *ReconnectConfig) {
				c.Connections = r.Connections
				c.NetworkBus = r.NetworkBus
				c.Pool = loop
				c.Delay = cfg.Reconnect.Delay
				c.MaxDelay = cfg.Reconnect.MaxDelay
				c.CancelOnShutdown = cfg.Reconnect.CancelOnShutdown
				c.Metrics = metrics
			})
		}},
	}
	for _, step := range steps {
		if err := step.init(); err != nil {
			return errors.Wrap(err, "Runtime", "Start", "initialize "+step.s.Name())
		}
		if err := r.Stores.Add(step.s); err != nil {
			return err
		}
	}

	r.link = NewServerLinkHandler(runCtx, r.NetworkBus, r.Auth, o.onReport, r.health, o.logger)
	return nil
}

// ServerTarget returns the configured server as a dial target
func (r *Runtime) ServerTarget() transport.Target {
	return transport.Target{
		Address:  r.cfg.Server.Address,
		Timeout:  r.cfg.Server.Timeout,
		Insecure: r.cfg.Server.TLSInsecure,
		TLS:      r.tlsConfig,
		Role:     transport.RoleServer,
	}
}

// connectInitial dials the server once; a failed first dial is handed to
// the reconnector
func (r *Runtime) connectInitial() {
	target := r.ServerTarget()
	r.health.Update(ServerLinkHandlerName, health.NewDegraded(ServerLinkHandlerName, "connecting"))
	conn, err := r.Connections.Connect(target)
	if err != nil {
		r.logger.Error("Initial connect not started", "address", target.Address, "error", err)
		r.health.Update(ServerLinkHandlerName, health.FromError(ServerLinkHandlerName, err))
		return
	}
	future.Handle(conn.Established(), nil, func(_ *connection.Connection, err error) (struct{}, error) {
		if err != nil && conn.Status() == connection.StatusDisconnected {
			r.logger.Warn("Initial connect failed", "address", target.Address, "error", err)
			r.health.Update(ServerLinkHandlerName, health.NewDegraded(ServerLinkHandlerName, "initial connect failed, retrying"))
			r.Reconnector.Schedule(target)
		}
		return struct{}{}, nil
	})
}

// Shutdown stops the stores in reverse boot order, then the pools and the
// persistence backend
func (r *Runtime) Shutdown(timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shutdownLocked(timeout)
}

func (r *Runtime) shutdownLocked(timeout time.Duration) error {
	if r.stopped || !r.started {
		return nil
	}
	r.stopped = true
	r.logger.Info("Agent shutting down")

	var errs []error
	if r.link != nil {
		r.link.Close()
	}
	if err := r.Stores.Stop(timeout); err != nil {
		errs = append(errs, err)
	}
	if r.cancel != nil {
		r.cancel()
	}
	if r.Pools != nil {
		if err := r.Pools.Stop(timeout); err != nil {
			errs = append(errs, errors.Wrap(err, "Runtime", "Shutdown", "stop pools"))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](ctx); err != nil {
			errs = append(errs, errors.Wrap(err, "Runtime", "Shutdown", "close backend"))
		}
	}
	return stderrors.Join(errs...)
}
