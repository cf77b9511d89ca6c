// Package auth authenticates a newly established server link and, once the
// server accepts the agent, synchronizes and loads plugins.
//
// The pipeline is a chain of futures: authenticate, then synchronize, then
// load. A rejected or failed authentication closes the connection and ends
// the chain. Loading runs only after synchronization completed without
// error.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sandpolis/agent/command"
	"github.com/sandpolis/agent/errors"
	"github.com/sandpolis/agent/message"
	"github.com/sandpolis/agent/metric"
	"github.com/sandpolis/agent/pkg/future"
	"github.com/sandpolis/agent/store"
)

// StoreName identifies the authentication pipeline
const StoreName = "auth"

// Sender issues commands over a connection
type Sender interface {
	Send(ctx context.Context, cvid int32, command string, payload any, opts ...command.SendOption) *future.Future[message.Outcome]
}

// Closer closes a connection by CVID
type Closer interface {
	Close(cvid int32) error
}

// Plugins is the plugin subsystem as seen by the pipeline
type Plugins interface {
	Synchronize(ctx context.Context, cvid int32) *future.Future[message.Outcome]
	LoadPlugins(ctx context.Context) error
}

// Config binds the pipeline
type Config struct {
	Strategy    Strategy
	Commands    Sender
	Connections Closer
	Plugins     Plugins
	// PluginsEnabled gates synchronization after a successful login
	PluginsEnabled bool
	// Executor runs continuations; nil runs them on new goroutines
	Executor future.Executor
	Timeout  time.Duration
	Metrics  *metric.Metrics
}

// Validate checks the bindings
func (c *Config) Validate() error {
	switch {
	case c.Strategy == nil:
		return fmt.Errorf("strategy required")
	case c.Commands == nil:
		return fmt.Errorf("command sender required")
	case c.Connections == nil:
		return fmt.Errorf("connection closer required")
	case c.PluginsEnabled && c.Plugins == nil:
		return fmt.Errorf("plugins enabled without a plugin store")
	case c.Timeout <= 0:
		return fmt.Errorf("timeout must be positive, got %v", c.Timeout)
	}
	return nil
}

// Report describes one run of the pipeline
type Report struct {
	CVID          int32
	Strategy      string
	Outcome       message.Outcome
	Authenticated bool
	Sync          message.Outcome
	Synchronized  bool
	Loaded        bool
}

// Pipeline runs authentication for server links
type Pipeline struct {
	*store.Base[Config]

	cfg Config
}

// New creates an uninitialized pipeline using the None strategy with
// plugins enabled
func New(logger *slog.Logger) *Pipeline {
	return &Pipeline{
		Base: store.NewBase(StoreName, Config{
			Strategy:       None{},
			PluginsEnabled: true,
			Timeout:        command.DefaultTimeout,
		}, logger),
	}
}

// Init commits the configuration
func (p *Pipeline) Init(configure func(*Config)) error {
	if err := p.Base.Init(configure); err != nil {
		return err
	}
	p.cfg, _ = p.Config()
	p.Logger().Debug("Authentication configured", "strategy", p.cfg.Strategy.Name(), "plugins", p.cfg.PluginsEnabled)
	return nil
}

// Run authenticates the connection cvid and drives plugin synchronization.
// The future fails when authentication or a plugin step errors; a rejected
// login completes it with Authenticated false.
func (p *Pipeline) Run(ctx context.Context, cvid int32) *future.Future[Report] {
	if err := p.Ready("Run"); err != nil {
		return future.Failed[Report](err)
	}

	strategy := p.cfg.Strategy
	p.Logger().Info("Authenticating server link", "cvid", cvid, "strategy", strategy.Name())

	authenticated := future.Handle(strategy.authenticate(ctx, cvid, p.cfg.Commands, p.cfg.Timeout), p.cfg.Executor,
		func(outcome message.Outcome, err error) (Report, error) {
			report := Report{CVID: cvid, Strategy: strategy.Name(), Outcome: outcome}
			p.cfg.Metrics.RecordAuthAttempt(strategy.Name(), err == nil && outcome.Success)
			if err != nil {
				p.close(cvid, "authentication error")
				return report, errors.Wrap(err, "Pipeline", "Run", "authenticate")
			}
			if !outcome.Success {
				p.Logger().Warn("Authentication rejected", "cvid", cvid, "reason", outcome.Reason)
				p.close(cvid, "authentication rejected")
				return report, nil
			}
			report.Authenticated = true
			return report, nil
		})

	return future.Compose(authenticated, p.cfg.Executor, func(report Report) *future.Future[Report] {
		if !report.Authenticated || !p.cfg.PluginsEnabled {
			return future.Resolved(report)
		}
		return p.synchronize(ctx, report)
	})
}

func (p *Pipeline) synchronize(ctx context.Context, report Report) *future.Future[Report] {
	synced := p.cfg.Plugins.Synchronize(ctx, report.CVID)
	return future.Handle(synced, p.cfg.Executor, func(outcome message.Outcome, err error) (Report, error) {
		p.cfg.Metrics.RecordPluginSync(err == nil && outcome.Success)
		if err != nil {
			return report, errors.Wrap(err, "Pipeline", "Run", "synchronize plugins")
		}
		report.Sync = outcome
		report.Synchronized = true

		if err := p.cfg.Plugins.LoadPlugins(ctx); err != nil {
			return report, errors.Wrap(err, "Pipeline", "Run", "load plugins")
		}
		report.Loaded = true
		return report, nil
	})
}

func (p *Pipeline) close(cvid int32, reason string) {
	if err := p.cfg.Connections.Close(cvid); err != nil {
		p.Logger().Warn("Failed to close connection", "cvid", cvid, "reason", reason, "error", err)
		return
	}
	p.Logger().Info("Closed connection", "cvid", cvid, "reason", reason)
}

// Stop marks the pipeline stopped
func (p *Pipeline) Stop(time.Duration) error {
	p.MarkStopped()
	return nil
}
