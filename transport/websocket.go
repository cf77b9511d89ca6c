package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sandpolis/agent/errors"
	"github.com/sandpolis/agent/message"
)

// WebsocketDialer connects to ws:// or wss:// servers exchanging JSON
// envelopes as text frames
type WebsocketDialer struct {
	logger *slog.Logger
}

// NewWebsocketDialer creates a websocket dialer
func NewWebsocketDialer(logger *slog.Logger) *WebsocketDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebsocketDialer{logger: logger.With("transport", "websocket")}
}

// Dial performs the websocket handshake within target.Timeout
func (d *WebsocketDialer) Dial(ctx context.Context, target Target, inbound InboundFunc) (Link, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: target.Timeout,
	}
	switch {
	case target.TLS != nil:
		dialer.TLSClientConfig = target.TLS.Clone()
		if target.Insecure {
			dialer.TLSClientConfig.InsecureSkipVerify = true
		}
	case target.Insecure:
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // operator opted in
	}

	if target.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, target.Timeout)
		defer cancel()
	}

	conn, _, err := dialer.DialContext(ctx, target.Address, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.WrapTransient(fmt.Errorf("%w: %s", errors.ErrConnectTimeout, target.Address),
				"WebsocketDialer", "Dial", "handshake")
		}
		return nil, errors.WrapTransient(err, "WebsocketDialer", "Dial", "handshake with "+target.Address)
	}

	link := &websocketLink{
		conn:    conn,
		remote:  target.Address,
		inbound: inbound,
		logger:  d.logger,
	}
	go link.readLoop()
	return link, nil
}

type websocketLink struct {
	Termination

	conn    *websocket.Conn
	remote  string
	inbound InboundFunc
	logger  *slog.Logger

	writeMu sync.Mutex
	closing atomic.Bool
}

func (l *websocketLink) readLoop() {
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			if l.closing.Load() {
				l.End(nil)
			} else {
				l.End(errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionLost, err),
					"websocketLink", "readLoop", "read frame"))
			}
			_ = l.conn.Close()
			return
		}

		env, err := message.Unmarshal(data)
		if err != nil {
			l.logger.Warn("Dropping malformed envelope", "remote", l.remote, "error", err)
			continue
		}
		if l.inbound != nil {
			l.inbound(env)
		}
	}
}

// Send writes env as one text frame, honouring the ctx deadline
func (l *websocketLink) Send(ctx context.Context, env message.Envelope) error {
	select {
	case <-l.Done():
		return errors.Wrap(errors.ErrConnectionClosed, "websocketLink", "Send", "send "+env.Command)
	default:
	}

	data, err := message.Marshal(env)
	if err != nil {
		return errors.WrapInvalid(err, "websocketLink", "Send", "encode envelope")
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	_ = l.conn.SetWriteDeadline(deadline)
	if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrTransportRejected, err),
			"websocketLink", "Send", "write frame")
	}
	return nil
}

// Close sends a close frame and releases the socket
func (l *websocketLink) Close() error {
	if !l.closing.CompareAndSwap(false, true) {
		return nil
	}

	l.writeMu.Lock()
	_ = l.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	l.writeMu.Unlock()

	err := l.conn.Close()
	l.End(nil)
	if err != nil {
		return errors.WrapTransient(err, "websocketLink", "Close", "close socket")
	}
	return nil
}

func (l *websocketLink) RemoteAddr() string {
	return l.remote
}
