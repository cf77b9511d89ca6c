// Package transport defines how the connection store reaches a peer.
//
// A Dialer opens a Link to a Target. Links deliver inbound envelopes to the
// callback given at dial time and close Done when the link ends, with Err
// reporting why. A link ended by Close reports a nil Err; any other end is a
// loss.
package transport

import (
	"context"
	"crypto/tls"
	"sync"
	"time"

	"github.com/sandpolis/agent/message"
)

// Role tells the network tracker what the peer is
type Role int

const (
	// RoleServer marks the coordinating server
	RoleServer Role = iota
	// RolePeer marks any other agent or client
	RolePeer
)

// String returns the role name
func (r Role) String() string {
	switch r {
	case RoleServer:
		return "server"
	case RolePeer:
		return "peer"
	default:
		return "unknown"
	}
}

// Target describes where and how to connect
type Target struct {
	Address  string
	Timeout  time.Duration
	Insecure bool        // skip TLS certificate verification
	TLS      *tls.Config // nil keeps the transport default
	Role     Role
}

// InboundFunc receives envelopes read from a link. It must not block.
type InboundFunc func(message.Envelope)

// Dialer opens links
type Dialer interface {
	Dial(ctx context.Context, target Target, inbound InboundFunc) (Link, error)
}

// Link is an open, bidirectional message channel
type Link interface {
	Send(ctx context.Context, env message.Envelope) error
	Done() <-chan struct{}
	Err() error
	Close() error
	RemoteAddr() string
}

// DialerFunc adapts a function to Dialer
type DialerFunc func(ctx context.Context, target Target, inbound InboundFunc) (Link, error)

// Dial calls f
func (f DialerFunc) Dial(ctx context.Context, target Target, inbound InboundFunc) (Link, error) {
	return f(ctx, target, inbound)
}

// Termination records how a link ended. The zero value is ready to use.
type Termination struct {
	once     sync.Once
	done     chan struct{}
	mu       sync.Mutex
	err      error
	initOnce sync.Once
}

func (t *Termination) ch() chan struct{} {
	t.initOnce.Do(func() {
		t.done = make(chan struct{})
	})
	return t.done
}

// End closes Done with err as the cause. Later calls are ignored.
func (t *Termination) End(err error) bool {
	ended := false
	ch := t.ch()
	t.once.Do(func() {
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		ended = true
		close(ch)
	})
	return ended
}

// Done is closed when the link ends
func (t *Termination) Done() <-chan struct{} {
	return t.ch()
}

// Err returns the cause passed to End
func (t *Termination) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}
