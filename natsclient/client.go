package natsclient

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/sandpolis/agent/errors"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusClosed
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrNotConnected is returned by operations that need a live connection
var ErrNotConnected = stderrors.New("not connected to NATS")

// Client owns one NATS connection. It never reconnects on its own: a lost
// connection is reported through the connection-lost callback and recovery
// is left to the caller.
type Client struct {
	url    string
	status atomic.Value // stores ConnectionStatus
	logger *slog.Logger

	conn *nats.Conn
	js   jetstream.JetStream
	subs []*nats.Subscription

	timeout      time.Duration
	drainTimeout time.Duration
	pingInterval time.Duration

	// cleared on close
	token string

	insecureTLS bool
	tlsConfig   *tls.Config
	clientName  string

	onConnectionLost func(error)

	mu      sync.RWMutex
	closeMu sync.Mutex
	closed  atomic.Bool
}

// NewClient creates a NATS client with optional configuration
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:          url,
		logger:       slog.Default(),
		timeout:      time.Second,
		drainTimeout: 5 * time.Second,
		pingInterval: 30 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}
	c.logger = c.logger.With("nats_url", url)
	c.status.Store(StatusDisconnected)

	return c, nil
}

// URL returns the NATS server URL
func (c *Client) URL() string {
	return c.url
}

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	val := c.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

// Conn returns the underlying connection, nil before Connect
func (c *Client) Conn() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

func (c *Client) buildConnectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.NoReconnect(),
		nats.Timeout(c.timeout),
		nats.PingInterval(c.pingInterval),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ClosedHandler(c.handleClosed),
		nats.ErrorHandler(c.handleError),
	}

	if c.token != "" {
		opts = append(opts, nats.Token(c.token))
	}
	switch {
	case c.tlsConfig != nil:
		tlsConfig := c.tlsConfig.Clone()
		if c.insecureTLS {
			tlsConfig.InsecureSkipVerify = true
		}
		opts = append(opts, nats.Secure(tlsConfig))
	case c.insecureTLS:
		opts = append(opts, nats.Secure(&tls.Config{InsecureSkipVerify: true})) //nolint:gosec // operator opted in
	}
	if c.clientName != "" {
		opts = append(opts, nats.Name(c.clientName))
	}

	return opts
}

// Connect establishes the connection, giving up when ctx ends
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return errors.Wrap(errors.ErrConnectionClosed, "Client", "Connect", "connect closed client")
	}

	c.status.Store(StatusConnecting)
	c.logger.Debug("Connecting to NATS")

	opts := c.buildConnectionOptions()

	type result struct {
		conn *nats.Conn
		err  error
	}
	connectDone := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(c.url, opts...)
		connectDone <- result{conn: conn, err: err}
	}()

	select {
	case res := <-connectDone:
		if res.err != nil {
			c.status.Store(StatusDisconnected)
			return errors.WrapTransient(res.err, "Client", "Connect", "establish connection")
		}
		c.mu.Lock()
		c.conn = res.conn
		if js, err := jetstream.New(res.conn); err == nil {
			c.js = js
		}
		c.mu.Unlock()
	case <-ctx.Done():
		c.status.Store(StatusDisconnected)
		// release a connection that completes after we gave up
		go func() {
			if res := <-connectDone; res.conn != nil {
				res.conn.Close()
			}
		}()
		return errors.WrapTransient(fmt.Errorf("%w: %s: %v", errors.ErrConnectTimeout, c.url, ctx.Err()),
			"Client", "Connect", "connection cancelled")
	}

	c.status.Store(StatusConnected)
	c.logger.Info("Connected to NATS")
	return nil
}

func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	if err != nil && !c.closed.Load() {
		c.logger.Warn("NATS disconnected", "error", err)
	}
}

// handleClosed fires for both Close and loss; only loss is reported
func (c *Client) handleClosed(conn *nats.Conn) {
	if c.closed.Load() {
		c.status.Store(StatusClosed)
		return
	}
	c.status.Store(StatusDisconnected)

	cause := conn.LastError()
	if cause == nil {
		cause = nats.ErrConnectionClosed
	}
	c.logger.Warn("NATS connection lost", "error", cause)
	if c.onConnectionLost != nil {
		c.onConnectionLost(cause)
	}
}

func (c *Client) handleError(_ *nats.Conn, sub *nats.Subscription, err error) {
	subject := ""
	if sub != nil {
		subject = sub.Subject
	}
	c.logger.Error("NATS async error", "subject", subject, "error", err)
}

// Close drains subscriptions and closes the connection. Safe to call twice.
func (c *Client) Close(ctx context.Context) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed.Load() {
		return nil
	}
	c.closed.Store(true)

	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, errors.Wrap(err, "Client", "Close", "unsubscribe"))
		}
	}
	c.subs = nil

	if c.conn != nil {
		drainTimeout := c.drainTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
				drainTimeout = remaining
			}
		}

		drainDone := make(chan error, 1)
		go func() {
			drainDone <- c.conn.Drain()
		}()

		select {
		case err := <-drainDone:
			if err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
				errs = append(errs, errors.Wrap(err, "Client", "Close", "drain connection"))
			}
		case <-time.After(drainTimeout):
			errs = append(errs, errors.WrapTransient(
				fmt.Errorf("drain timeout after %v", drainTimeout), "Client", "Close", "drain"))
		case <-ctx.Done():
			errs = append(errs, errors.Wrap(ctx.Err(), "Client", "Close", "context cancelled during drain"))
		}

		c.conn.Close()
		c.conn = nil
		c.js = nil
	}

	c.token = ""
	c.status.Store(StatusClosed)

	return stderrors.Join(errs...)
}

// Subscribe registers handler for subject until Close
func (c *Client) Subscribe(subject string, handler func(*nats.Msg)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || !c.conn.IsConnected() {
		return ErrNotConnected
	}

	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return errors.WrapTransient(err, "Client", "Subscribe", "subscribe "+subject)
	}
	c.subs = append(c.subs, sub)
	return nil
}

// PublishMsg publishes msg, flushing within ctx when it carries a deadline
func (c *Client) PublishMsg(ctx context.Context, msg *nats.Msg) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return ErrNotConnected
	}
	if err := conn.PublishMsg(msg); err != nil {
		return errors.WrapTransient(err, "Client", "PublishMsg", "publish "+msg.Subject)
	}
	if _, ok := ctx.Deadline(); ok {
		if err := conn.FlushWithContext(ctx); err != nil {
			return errors.WrapTransient(err, "Client", "PublishMsg", "flush")
		}
	}
	return nil
}

// JetStream returns the JetStream context
func (c *Client) JetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.js == nil {
		return nil, errors.WrapTransient(ErrNotConnected, "Client", "JetStream", "get JetStream context")
	}
	return c.js, nil
}

// KeyValue opens bucket, creating it if needed
func (c *Client) KeyValue(ctx context.Context, bucket string, opts ...func(*BucketOptions)) (*Bucket, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "sandpolis agent state",
		History:     1,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "KeyValue", "open bucket "+bucket)
	}
	return NewBucket(kv, c.logger, opts...), nil
}
