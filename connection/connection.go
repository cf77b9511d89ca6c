package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sandpolis/agent/errors"
	"github.com/sandpolis/agent/message"
	"github.com/sandpolis/agent/pkg/future"
	"github.com/sandpolis/agent/transport"
)

// Status is the lifecycle state of a connection
type Status int

// Possible connection statuses
const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusEstablished
	StatusClosed
	StatusLost
)

// String returns the string representation of Status
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusEstablished:
		return "established"
	case StatusClosed:
		return "closed"
	case StatusLost:
		return "lost"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible
func (s Status) Terminal() bool {
	return s == StatusDisconnected || s == StatusClosed || s == StatusLost
}

// Connection is one link to a peer
type Connection struct {
	store  *Store
	target transport.Target

	mu          sync.RWMutex
	status      Status
	cvid        int32
	link        transport.Link
	err         error
	cancelDial  context.CancelFunc
	establishAt time.Time

	established *future.Future[*Connection]
}

func newConnection(s *Store, target transport.Target) *Connection {
	return &Connection{
		store:       s,
		target:      target,
		status:      StatusConnecting,
		established: future.New[*Connection](),
	}
}

// CVID returns the connection id, zero until ESTABLISHED
func (c *Connection) CVID() int32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cvid
}

// Target returns what was dialed
func (c *Connection) Target() transport.Target {
	return c.target
}

// Status returns the lifecycle state
func (c *Connection) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Err returns why the connection left CONNECTING or ESTABLISHED, if it
// was not closed deliberately
func (c *Connection) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// EstablishedAt returns when the dial succeeded
func (c *Connection) EstablishedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.establishAt
}

// RemoteAddr returns the peer address
func (c *Connection) RemoteAddr() string {
	c.mu.RLock()
	link := c.link
	c.mu.RUnlock()
	if link != nil {
		return link.RemoteAddr()
	}
	return c.target.Address
}

// Established completes when the connection reaches ESTABLISHED and fails
// when it ends in any other state
func (c *Connection) Established() *future.Future[*Connection] {
	return c.established
}

// Send writes env to the peer
func (c *Connection) Send(ctx context.Context, env message.Envelope) error {
	c.mu.RLock()
	status, link := c.status, c.link
	c.mu.RUnlock()

	if status != StatusEstablished {
		return errors.Wrap(fmt.Errorf("%w: connection is %s", errors.ErrConnectionClosed, status),
			"Connection", "Send", "send "+env.Command)
	}
	return link.Send(ctx, env)
}

// Close ends the connection. Closing a connection that is still dialing
// abandons the dial; it never becomes ESTABLISHED. Closing a terminal
// connection does nothing.
func (c *Connection) Close() error {
	c.mu.Lock()
	switch c.status {
	case StatusConnecting:
		c.status = StatusClosed
		cancel := c.cancelDial
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		c.established.Fail(errors.Wrap(errors.ErrConnectionClosed, "Connection", "Close", "close while connecting"))
		return nil
	case StatusEstablished:
		c.status = StatusClosed
		link := c.link
		c.mu.Unlock()

		err := link.Close()
		c.store.retire(c, ClosedEvent{Conn: c})
		if err != nil {
			return errors.Wrap(err, "Connection", "Close", "release transport")
		}
		return nil
	default:
		c.mu.Unlock()
		return nil
	}
}

// dial runs on the outgoing pool
func (c *Connection) dial(ctx context.Context) {
	c.mu.Lock()
	if c.status != StatusConnecting {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.target.Timeout)
	c.cancelDial = cancel
	c.mu.Unlock()
	defer cancel()

	link, err := c.store.dialer().Dial(ctx, c.target, c.inbound)
	if err != nil {
		c.failDial(ctx, err)
		return
	}

	c.mu.Lock()
	if c.status != StatusConnecting {
		c.mu.Unlock()
		_ = link.Close()
		c.store.metrics().RecordConnectAttempt("cancelled")
		return
	}
	c.link = link
	c.status = StatusEstablished
	c.establishAt = c.store.clock.Now()
	c.cvid = c.store.index(c)
	c.mu.Unlock()

	c.store.established(c)
	c.established.Complete(c)
	go c.monitor(link)
}

func (c *Connection) failDial(ctx context.Context, err error) {
	c.mu.Lock()
	if c.status != StatusConnecting {
		c.mu.Unlock()
		c.store.metrics().RecordConnectAttempt("cancelled")
		return
	}

	result := "failed"
	if ctx.Err() == context.DeadlineExceeded || errors.Is(err, errors.ErrConnectTimeout) {
		result = "timeout"
		if !errors.Is(err, errors.ErrConnectTimeout) {
			err = fmt.Errorf("%w: %s after %v", errors.ErrConnectTimeout, c.target.Address, c.target.Timeout)
		}
	}
	err = errors.WrapTransient(err, "Connection", "dial", "connect to "+c.target.Address)
	c.status = StatusDisconnected
	c.err = err
	c.mu.Unlock()

	c.store.metrics().RecordConnectAttempt(result)
	c.store.Logger().Info("Connect failed", "address", c.target.Address, "result", result, "error", err)
	c.established.Fail(err)
}

// monitor turns an unexpected end of the link into LOST
func (c *Connection) monitor(link transport.Link) {
	<-link.Done()

	c.mu.Lock()
	if c.status != StatusEstablished {
		c.mu.Unlock()
		return
	}
	cause := link.Err()
	if cause == nil {
		cause = errors.ErrConnectionLost
	}
	c.status = StatusLost
	c.err = cause
	c.mu.Unlock()

	c.store.retire(c, LostEvent{Conn: c, Err: cause})
}

func (c *Connection) inbound(env message.Envelope) {
	c.store.deliver(c, env)
}
