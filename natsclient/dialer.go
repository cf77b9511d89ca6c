package natsclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/sandpolis/agent/errors"
	"github.com/sandpolis/agent/message"
	"github.com/sandpolis/agent/transport"
)

// InboxPrefix prefixes the subject an agent receives envelopes on
const InboxPrefix = "sandpolis.agent."

// Dialer opens transport links over NATS. Each link owns its own client:
// outbound envelopes are published to the server subject with the agent
// inbox as reply subject, inbound envelopes arrive on that inbox.
type Dialer struct {
	serverSubject string
	inbox         string
	logger        *slog.Logger
	opts          []ClientOption
}

// NewDialer creates a dialer for the agent identified by instanceID
func NewDialer(serverSubject, instanceID string, logger *slog.Logger, opts ...ClientOption) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{
		serverSubject: serverSubject,
		inbox:         InboxPrefix + instanceID,
		logger:        logger.With("transport", "nats"),
		opts:          opts,
	}
}

// Inbox returns the subject this agent listens on
func (d *Dialer) Inbox() string {
	return d.inbox
}

// Dial connects to target.Address within target.Timeout
func (d *Dialer) Dial(ctx context.Context, target transport.Target, inbound transport.InboundFunc) (transport.Link, error) {
	link := &natsLink{
		remote:  target.Address,
		subject: d.serverSubject,
		inbox:   d.inbox,
		logger:  d.logger,
	}

	opts := append([]ClientOption{
		WithLogger(d.logger),
		WithTimeout(target.Timeout),
		WithInsecureTLS(target.Insecure),
		WithTLSConfig(target.TLS),
		WithName(d.inbox),
		WithConnectionLostCallback(link.lost),
	}, d.opts...)

	client, err := NewClient(target.Address, opts...)
	if err != nil {
		return nil, err
	}
	link.client = client

	if target.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, target.Timeout)
		defer cancel()
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}

	if err := client.Subscribe(d.inbox, func(msg *nats.Msg) {
		env, err := message.Unmarshal(msg.Data)
		if err != nil {
			d.logger.Warn("Dropping malformed envelope", "subject", msg.Subject, "error", err)
			return
		}
		if inbound != nil {
			inbound(env)
		}
	}); err != nil {
		_ = client.Close(context.Background())
		return nil, err
	}

	return link, nil
}

type natsLink struct {
	transport.Termination

	client  *Client
	remote  string
	subject string
	inbox   string
	logger  *slog.Logger
	closing atomic.Bool
}

func (l *natsLink) lost(cause error) {
	if l.closing.Load() {
		return
	}
	l.End(errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionLost, cause),
		"natsLink", "lost", "server connection"))
}

// Send publishes env to the server subject
func (l *natsLink) Send(ctx context.Context, env message.Envelope) error {
	select {
	case <-l.Done():
		return errors.Wrap(errors.ErrConnectionClosed, "natsLink", "Send", "send "+env.Command)
	default:
	}

	data, err := message.Marshal(env)
	if err != nil {
		return errors.WrapInvalid(err, "natsLink", "Send", "encode envelope")
	}

	msg := &nats.Msg{Subject: l.subject, Reply: l.inbox, Data: data}
	if err := l.client.PublishMsg(ctx, msg); err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrTransportRejected, err),
			"natsLink", "Send", "publish")
	}
	return nil
}

// Close drains the client. The link ends with a nil cause.
func (l *natsLink) Close() error {
	if !l.closing.CompareAndSwap(false, true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := l.client.Close(ctx)
	l.End(nil)
	return err
}

func (l *natsLink) RemoteAddr() string {
	return l.remote
}
