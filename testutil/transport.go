package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/sandpolis/agent/errors"
	"github.com/sandpolis/agent/message"
	"github.com/sandpolis/agent/transport"
)

// Responder answers a request sent over a FakeLink. Returning false sends
// no reply.
type Responder func(req message.Envelope) (message.Outcome, bool)

// FakeDialer hands out in-memory links. Dials can be made to fail, or to
// hang until the dial context ends.
type FakeDialer struct {
	mu        sync.Mutex
	links     []*FakeLink
	dials     int
	failWith  error
	hang      bool
	responder Responder
	dialed    chan *FakeLink
}

// NewFakeDialer creates a dialer whose links answer nothing
func NewFakeDialer() *FakeDialer {
	return &FakeDialer{dialed: make(chan *FakeLink, 64)}
}

// FailWith makes later dials fail with err; nil lets them succeed again
func (d *FakeDialer) FailWith(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failWith = err
}

// Hang makes later dials block until their context ends
func (d *FakeDialer) Hang(hang bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hang = hang
}

// Respond sets the responder used by links dialed from now on
func (d *FakeDialer) Respond(r Responder) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.responder = r
}

// Dials returns the number of Dial calls
func (d *FakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Links returns every link handed out
func (d *FakeDialer) Links() []*FakeLink {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*FakeLink(nil), d.links...)
}

// Dialed delivers each link as it is handed out
func (d *FakeDialer) Dialed() <-chan *FakeLink {
	return d.dialed
}

// Dial implements transport.Dialer
func (d *FakeDialer) Dial(ctx context.Context, target transport.Target, inbound transport.InboundFunc) (transport.Link, error) {
	d.mu.Lock()
	d.dials++
	failWith, hang, responder := d.failWith, d.hang, d.responder
	d.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, errors.WrapTransient(fmt.Errorf("%w: %s", errors.ErrConnectTimeout, target.Address),
			"FakeDialer", "Dial", "dial")
	}
	if failWith != nil {
		return nil, failWith
	}

	link := &FakeLink{
		target:    target,
		inbound:   inbound,
		responder: responder,
	}
	d.mu.Lock()
	d.links = append(d.links, link)
	d.mu.Unlock()

	select {
	case d.dialed <- link:
	default:
	}
	return link, nil
}

// FakeLink is an in-memory transport.Link
type FakeLink struct {
	transport.Termination

	target    transport.Target
	inbound   transport.InboundFunc
	responder Responder

	mu      sync.Mutex
	sent    []message.Envelope
	closed  bool
	sendErr error
}

// Send records env and, for requests, asks the responder for a reply
func (l *FakeLink) Send(_ context.Context, env message.Envelope) error {
	select {
	case <-l.Done():
		return errors.Wrap(errors.ErrConnectionClosed, "FakeLink", "Send", "send "+env.Command)
	default:
	}

	l.mu.Lock()
	if l.sendErr != nil {
		err := l.sendErr
		l.mu.Unlock()
		return err
	}
	l.sent = append(l.sent, env)
	responder := l.responder
	l.mu.Unlock()

	if responder != nil && env.Kind == message.KindRequest {
		if outcome, ok := responder(env); ok {
			go l.Deliver(env.Reply(outcome))
		}
	}
	return nil
}

// FailSends makes later sends return err
func (l *FakeLink) FailSends(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sendErr = err
}

// Sent returns every envelope sent so far
func (l *FakeLink) Sent() []message.Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]message.Envelope(nil), l.sent...)
}

// Deliver hands env to the link's inbound callback as if the peer sent it
func (l *FakeLink) Deliver(env message.Envelope) {
	select {
	case <-l.Done():
		return
	default:
	}
	if l.inbound != nil {
		l.inbound(env)
	}
}

// Drop ends the link as a transport failure
func (l *FakeLink) Drop() {
	l.End(errors.WrapTransient(errors.ErrConnectionLost, "FakeLink", "Drop", "peer"))
}

// Close ends the link deliberately
func (l *FakeLink) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.End(nil)
	return nil
}

// Closed reports whether Close was called
func (l *FakeLink) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Target returns what was dialed
func (l *FakeLink) Target() transport.Target {
	return l.target
}

// RemoteAddr returns the dialed address
func (l *FakeLink) RemoteAddr() string {
	return l.target.Address
}
