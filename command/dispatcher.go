package command

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sandpolis/agent/bus"
	"github.com/sandpolis/agent/connection"
	"github.com/sandpolis/agent/errors"
	"github.com/sandpolis/agent/message"
	"github.com/sandpolis/agent/metric"
	"github.com/sandpolis/agent/pkg/clock"
	"github.com/sandpolis/agent/pkg/future"
	"github.com/sandpolis/agent/store"
)

// StoreName identifies the dispatcher
const StoreName = "command"

// DefaultTimeout bounds a request when no WithTimeout is given
const DefaultTimeout = 10 * time.Second

// RequestHandler answers inbound requests. Handle must not wait for the
// answer: it runs on net.message.incoming, which also completes responses.
type RequestHandler interface {
	Handle(ctx context.Context, conn *connection.Connection, req message.Envelope) *future.Future[message.Outcome]
}

// Config binds the dispatcher
type Config struct {
	Connections   *connection.Store
	ConnectionBus *bus.Bus[connection.Event]
	// Requests answers inbound requests; nil rejects them all
	Requests       RequestHandler
	DefaultTimeout time.Duration
	Clock          clock.Clock
	Metrics        *metric.Metrics
}

// Validate checks the bindings
func (c *Config) Validate() error {
	switch {
	case c.Connections == nil:
		return fmt.Errorf("connection store required")
	case c.ConnectionBus == nil:
		return fmt.Errorf("connection bus required")
	case c.DefaultTimeout <= 0:
		return fmt.Errorf("default timeout must be positive, got %v", c.DefaultTimeout)
	}
	return nil
}

// SendOption adjusts a single Send
type SendOption func(*sendOptions)

type sendOptions struct {
	timeout time.Duration
}

// WithTimeout overrides the request timeout
func WithTimeout(d time.Duration) SendOption {
	return func(o *sendOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

type pending struct {
	id      string
	command string
	cvid    int32
	sentAt  time.Time
	result  *future.Future[message.Outcome]
	timer   clock.Timer
}

// Dispatcher correlates requests and responses
type Dispatcher struct {
	*store.Base[Config]

	cfg   Config
	clock clock.Clock
	sub   bus.Subscription

	mu      sync.Mutex
	pending map[string]*pending
}

// New creates an uninitialized dispatcher
func New(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		Base: store.NewBase(StoreName, Config{
			DefaultTimeout: DefaultTimeout,
			Clock:          clock.Real(),
		}, logger),
		clock:   clock.Real(),
		pending: make(map[string]*pending),
	}
}

// Init commits the configuration, subscribes to connection events and
// installs the dispatcher as the connection store's message handler
func (d *Dispatcher) Init(configure func(*Config)) error {
	if err := d.Base.Init(configure); err != nil {
		return err
	}
	d.cfg, _ = d.Config()
	if d.cfg.Clock != nil {
		d.clock = d.cfg.Clock
	}
	d.sub = d.cfg.ConnectionBus.Register(StoreName, d.handleConnectionEvent)
	d.cfg.Connections.SetMessageHandler(d.HandleMessage)
	return nil
}

// Send issues command with payload (may be nil) over the connection cvid
func (d *Dispatcher) Send(ctx context.Context, cvid int32, command string, payload any, opts ...SendOption) *future.Future[message.Outcome] {
	if err := d.Ready("Send"); err != nil {
		return future.Failed[message.Outcome](err)
	}

	o := sendOptions{timeout: d.cfg.DefaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	conn, ok := d.cfg.Connections.GetByCvid(cvid)
	if !ok {
		return future.Failed[message.Outcome](errors.WrapInvalid(
			fmt.Errorf("%w: %d", errors.ErrNoSuchConnection, cvid), "Dispatcher", "Send", "send "+command))
	}

	env, err := message.NewRequest(command, payload)
	if err != nil {
		return future.Failed[message.Outcome](err)
	}

	p := &pending{
		id:      env.ID,
		command: command,
		cvid:    cvid,
		sentAt:  d.clock.Now(),
		result:  future.New[message.Outcome](),
	}
	// the timer is armed under the lock so fail and complete, which take
	// the lock first, always see it
	d.mu.Lock()
	d.pending[p.id] = p
	p.timer = d.clock.AfterFunc(o.timeout, func() {
		d.fail(p, errors.WrapTransient(fmt.Errorf("%w: %s after %v", errors.ErrCommandTimeout, command, o.timeout),
			"Dispatcher", "Send", "await response"), "timeout")
	})
	d.mu.Unlock()
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				d.fail(p, errors.Wrap(ctx.Err(), "Dispatcher", "Send", "await response"), "cancelled")
			case <-p.result.Done():
			}
		}()
	}

	d.cfg.Metrics.RecordCommandSent(command)
	sendCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	if err := conn.Send(sendCtx, env); err != nil {
		d.fail(p, errors.Wrap(err, "Dispatcher", "Send", "send "+command), "error")
	}
	return p.result
}

// Pending returns the number of requests awaiting a response
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// take removes and returns the pending request id
func (d *Dispatcher) take(id string) (*pending, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pending[id]
	if ok {
		delete(d.pending, id)
	}
	return p, ok
}

func (d *Dispatcher) fail(p *pending, err error, result string) {
	if _, ok := d.take(p.id); !ok {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	if p.result.Fail(err) {
		d.cfg.Metrics.RecordCommandOutcome(p.command, result, d.clock.Now().Sub(p.sentAt))
		d.Logger().Debug("Command failed", "id", p.id, "command", p.command, "cvid", p.cvid, "error", err)
	}
}

func (d *Dispatcher) complete(p *pending, outcome message.Outcome) {
	if p.timer != nil {
		p.timer.Stop()
	}
	result := "success"
	if !outcome.Success {
		result = "failure"
	}
	if p.result.Complete(outcome) {
		d.cfg.Metrics.RecordCommandOutcome(p.command, result, d.clock.Now().Sub(p.sentAt))
	}
}

// HandleMessage routes an inbound envelope
func (d *Dispatcher) HandleMessage(conn *connection.Connection, env message.Envelope) {
	switch env.Kind {
	case message.KindResponse:
		d.handleResponse(conn, env)
	case message.KindRequest:
		d.handleRequest(conn, env)
	}
}

func (d *Dispatcher) handleResponse(conn *connection.Connection, env message.Envelope) {
	d.mu.Lock()
	p, ok := d.pending[env.ID]
	if ok && p.cvid != conn.CVID() {
		ok = false
	}
	if ok {
		delete(d.pending, env.ID)
	}
	d.mu.Unlock()

	if !ok {
		d.Logger().Debug("Response without pending request", "id", env.ID, "cvid", conn.CVID())
		return
	}
	d.complete(p, *env.Outcome)
}

func (d *Dispatcher) handleRequest(conn *connection.Connection, env message.Envelope) {
	if d.cfg.Requests == nil {
		d.reply(conn, env, message.Failed(env.Command, errors.ErrUnknownCommand.Error()), "unknown")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.DefaultTimeout)
	answered := d.cfg.Requests.Handle(ctx, conn, env)
	future.Handle(answered, nil, func(outcome message.Outcome, err error) (struct{}, error) {
		cancel()
		result := "success"
		switch {
		case errors.Is(err, errors.ErrUnknownCommand):
			outcome = message.Failed(env.Command, errors.ErrUnknownCommand.Error())
			result = "unknown"
		case err != nil:
			outcome = message.Failed(env.Command, err.Error())
			result = "error"
		case !outcome.Success:
			result = "failure"
		}
		d.reply(conn, env, outcome, result)
		return struct{}{}, nil
	})
}

func (d *Dispatcher) reply(conn *connection.Connection, env message.Envelope, outcome message.Outcome, result string) {
	d.cfg.Metrics.RecordInboundRequest(env.Command, result)

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.DefaultTimeout)
	defer cancel()
	if err := conn.Send(ctx, env.Reply(outcome)); err != nil {
		d.Logger().Warn("Reply not sent", "id", env.ID, "command", env.Command, "cvid", conn.CVID(), "error", err)
	}
}

func (d *Dispatcher) handleConnectionEvent(e connection.Event) {
	switch e.(type) {
	case connection.LostEvent, connection.ClosedEvent:
	default:
		return
	}
	cvid := e.Connection().CVID()

	d.mu.Lock()
	var orphaned []*pending
	for _, p := range d.pending {
		if p.cvid == cvid {
			orphaned = append(orphaned, p)
		}
	}
	d.mu.Unlock()

	for _, p := range orphaned {
		d.fail(p, errors.WrapTransient(fmt.Errorf("%w: cvid %d", errors.ErrConnectionLost, cvid),
			"Dispatcher", "handleConnectionEvent", "await response"), "lost")
	}
}

// Stop fails every pending request and detaches from the connection store
func (d *Dispatcher) Stop(time.Duration) error {
	if !d.MarkStopped() {
		return nil
	}
	d.sub.Unsubscribe()

	d.mu.Lock()
	all := make([]*pending, 0, len(d.pending))
	for _, p := range d.pending {
		all = append(all, p)
	}
	d.mu.Unlock()

	for _, p := range all {
		d.fail(p, errors.WrapTransient(errors.ErrShuttingDown, "Dispatcher", "Stop", "await response"), "cancelled")
	}
	return nil
}
