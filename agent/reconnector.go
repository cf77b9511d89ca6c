package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sandpolis/agent/bus"
	"github.com/sandpolis/agent/connection"
	"github.com/sandpolis/agent/errors"
	"github.com/sandpolis/agent/metric"
	"github.com/sandpolis/agent/network"
	"github.com/sandpolis/agent/pkg/future"
	"github.com/sandpolis/agent/pkg/retry"
	"github.com/sandpolis/agent/pkg/worker"
	"github.com/sandpolis/agent/store"
	"github.com/sandpolis/agent/transport"
)

// ReconnectorName identifies the reconnector in the store registry
const ReconnectorName = "reconnect"

// MinReconnectDelay is the shortest wait between losing the server link and
// dialing again
const MinReconnectDelay = time.Second

// Connector opens connections
type Connector interface {
	Connect(target transport.Target) (*connection.Connection, error)
}

// ReconnectConfig binds the reconnector
type ReconnectConfig struct {
	Connections Connector
	NetworkBus  *bus.Bus[network.Event]
	// Pool is net.connection.loop; delays are scheduled on its clock
	Pool     *worker.Pool
	Delay    time.Duration
	MaxDelay time.Duration
	// CancelOnShutdown abandons an attempt in flight at Stop instead of
	// waiting for it
	CancelOnShutdown bool
	Metrics          *metric.Metrics
}

// Validate checks the bindings
func (c *ReconnectConfig) Validate() error {
	switch {
	case c.Connections == nil:
		return fmt.Errorf("connector required")
	case c.NetworkBus == nil:
		return fmt.Errorf("network bus required")
	case c.Pool == nil:
		return fmt.Errorf("connection loop pool required")
	case c.Delay < MinReconnectDelay:
		return fmt.Errorf("delay must be at least %v, got %v", MinReconnectDelay, c.Delay)
	case c.MaxDelay < c.Delay:
		return fmt.Errorf("max delay %v below delay %v", c.MaxDelay, c.Delay)
	}
	return nil
}

// Reconnector restores the server link after it is lost. Each loss
// schedules a connect on the loop pool; a newer loss replaces the pending
// schedule. Failed attempts back off exponentially up to MaxDelay. At most
// one attempt is in flight.
type Reconnector struct {
	*store.Base[ReconnectConfig]

	cfg     ReconnectConfig
	backoff retry.Config
	sub     bus.Subscription

	mu         sync.Mutex
	stopped    bool
	generation uint64
	target     transport.Target
	failures   int
	pending    *worker.Scheduled
	inFlight   chan struct{}
	deferred   bool
}

// NewReconnector creates an uninitialized reconnector
func NewReconnector(logger *slog.Logger) *Reconnector {
	return &Reconnector{
		Base: store.NewBase(ReconnectorName, ReconnectConfig{
			Delay:            MinReconnectDelay,
			MaxDelay:         30 * time.Second,
			CancelOnShutdown: true,
		}, logger),
	}
}

// Init commits the configuration and subscribes to the network bus
func (r *Reconnector) Init(configure func(*ReconnectConfig)) error {
	if err := r.Base.Init(configure); err != nil {
		return err
	}
	r.cfg, _ = r.Config()
	r.backoff = retry.Reconnect(r.cfg.MaxDelay)
	r.backoff.InitialDelay = r.cfg.Delay
	r.sub = r.cfg.NetworkBus.Register(ReconnectorName, r.handle)
	return nil
}

func (r *Reconnector) handle(e network.Event) {
	switch ev := e.(type) {
	case network.ServerLostEvent:
		r.Logger().Info("Scheduling reconnect", "cvid", ev.CVID, "address", ev.Target.Address, "delay", r.cfg.Delay)
		r.Schedule(ev.Target)
	case network.ServerEstablishedEvent:
		r.mu.Lock()
		r.failures = 0
		r.mu.Unlock()
	}
}

// Schedule arranges a connect to target after the configured delay,
// cancelling any schedule still pending
func (r *Reconnector) Schedule(target transport.Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.generation++
	r.target = target
	r.failures = 0
	r.armLocked(r.cfg.Delay)
}

// Pending reports whether a connect is scheduled and not yet started
func (r *Reconnector) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending != nil
}

// Attempting reports whether a connect is in flight
func (r *Reconnector) Attempting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlight != nil
}

func (r *Reconnector) armLocked(delay time.Duration) {
	if r.pending != nil {
		r.pending.Cancel()
	}
	gen := r.generation
	r.pending = r.cfg.Pool.Schedule(delay, func(context.Context) { r.attempt(gen) })
	r.cfg.Metrics.RecordReconnectScheduled()
}

func (r *Reconnector) attempt(gen uint64) {
	r.mu.Lock()
	if r.stopped || gen != r.generation {
		r.mu.Unlock()
		return
	}
	r.pending = nil
	if r.inFlight != nil {
		r.deferred = true
		r.mu.Unlock()
		return
	}
	target := r.target
	done := make(chan struct{})
	r.inFlight = done
	r.mu.Unlock()

	r.Logger().Info("Reconnecting to server", "address", target.Address)
	conn, err := r.cfg.Connections.Connect(target)
	if err != nil {
		r.finish(gen, done, err)
		return
	}
	future.Handle(conn.Established(), r.cfg.Pool, func(_ *connection.Connection, err error) (struct{}, error) {
		r.finish(gen, done, err)
		return struct{}{}, nil
	})
}

func (r *Reconnector) finish(gen uint64, done chan struct{}, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inFlight = nil
	close(done)

	if r.stopped {
		return
	}
	if r.deferred {
		r.deferred = false
		r.armLocked(0)
		return
	}
	if gen != r.generation {
		return
	}
	if err == nil {
		r.failures = 0
		return
	}

	if errors.IsFatal(err) {
		r.Logger().Error("Reconnect abandoned", "address", r.target.Address, "error", err)
		return
	}
	r.failures++
	delay := r.backoff.Delay(r.failures)
	r.Logger().Warn("Reconnect failed", "address", r.target.Address, "failures", r.failures, "retry_in", delay, "error", err)
	r.armLocked(delay)
}

// Stop cancels any pending connect and stops reacting to losses. Without
// CancelOnShutdown it waits up to timeout for an attempt in flight.
func (r *Reconnector) Stop(timeout time.Duration) error {
	if !r.MarkStopped() {
		return nil
	}
	r.sub.Unsubscribe()

	r.mu.Lock()
	r.stopped = true
	if r.pending != nil {
		r.pending.Cancel()
		r.pending = nil
	}
	inFlight := r.inFlight
	r.mu.Unlock()

	if inFlight == nil || r.cfg.CancelOnShutdown {
		return nil
	}
	select {
	case <-inFlight:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("attempt still running after %v", timeout),
			"Reconnector", "Stop", "wait for reconnect")
	}
}
