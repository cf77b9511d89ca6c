package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sandpolis/agent/bus"
	"github.com/sandpolis/agent/errors"
	"github.com/sandpolis/agent/message"
	"github.com/sandpolis/agent/metric"
	"github.com/sandpolis/agent/pkg/clock"
	"github.com/sandpolis/agent/pkg/future"
	"github.com/sandpolis/agent/pkg/worker"
	"github.com/sandpolis/agent/state"
	"github.com/sandpolis/agent/store"
	"github.com/sandpolis/agent/transport"
)

// StoreName identifies the connection store
const StoreName = "connection"

// DefaultTimeout applies when a target carries no timeout
const DefaultTimeout = time.Second

// MessageHandler receives inbound envelopes on the incoming pool
type MessageHandler func(conn *Connection, env message.Envelope)

// Config binds the connection store
type Config struct {
	// Collection is the /connection binding
	Collection *state.Collection
	Dialer     transport.Dialer
	// Outgoing runs dials, Incoming runs message handlers
	Outgoing *worker.Pool
	Incoming future.Executor
	Bus      *bus.Bus[Event]

	DefaultTimeout time.Duration
	Clock          clock.Clock
	Metrics        *metric.Metrics
}

// Validate checks the bindings
func (c *Config) Validate() error {
	switch {
	case c.Collection == nil:
		return fmt.Errorf("connection collection binding required")
	case c.Dialer == nil:
		return fmt.Errorf("dialer required")
	case c.Outgoing == nil || c.Incoming == nil:
		return fmt.Errorf("outgoing and incoming pools required")
	case c.Bus == nil:
		return fmt.Errorf("connection bus required")
	}
	return nil
}

// Store owns every connection of the process, indexed by CVID
type Store struct {
	*store.Base[Config]

	cfg     Config
	clock   clock.Clock
	handler atomic.Pointer[MessageHandler]

	mu       sync.RWMutex
	byCvid   map[int32]*Connection
	pending  map[*Connection]struct{}
	nextCvid atomic.Int32
}

// New creates an uninitialized connection store
func New(logger *slog.Logger) *Store {
	return &Store{
		Base: store.NewBase(StoreName, Config{
			DefaultTimeout: DefaultTimeout,
			Clock:          clock.Real(),
		}, logger),
		clock:   clock.Real(),
		byCvid:  make(map[int32]*Connection),
		pending: make(map[*Connection]struct{}),
	}
}

// Init commits the configuration
func (s *Store) Init(configure func(*Config)) error {
	if err := s.Base.Init(configure); err != nil {
		return err
	}
	// committed once; read without locking afterwards
	s.cfg, _ = s.Config()
	if s.cfg.Clock != nil {
		s.clock = s.cfg.Clock
	}
	return nil
}

func (s *Store) config() Config {
	return s.cfg
}

func (s *Store) dialer() transport.Dialer {
	return s.config().Dialer
}

func (s *Store) metrics() *metric.Metrics {
	return s.config().Metrics
}

// SetMessageHandler installs the receiver of inbound envelopes
func (s *Store) SetMessageHandler(h MessageHandler) {
	s.handler.Store(&h)
}

// Connect starts dialing target and returns the connection in
// StatusConnecting. The dial result is reported through
// Connection.Established and the connection bus.
func (s *Store) Connect(target transport.Target) (*Connection, error) {
	if err := s.Ready("Connect"); err != nil {
		return nil, err
	}
	cfg := s.config()
	if target.Timeout <= 0 {
		target.Timeout = cfg.DefaultTimeout
	}

	conn := newConnection(s, target)
	s.mu.Lock()
	s.pending[conn] = struct{}{}
	s.mu.Unlock()
	go func() {
		_, _ = conn.established.Await(context.Background())
		s.mu.Lock()
		delete(s.pending, conn)
		s.mu.Unlock()
	}()

	if err := cfg.Outgoing.Submit(conn.dial); err != nil {
		conn.failDial(context.Background(), errors.WrapTransient(err, "Store", "Connect", "queue dial"))
		return conn, nil
	}
	s.Logger().Debug("Dialing", "address", target.Address, "role", target.Role.String())
	return conn, nil
}

// GetByCvid returns the established connection with the given CVID
func (s *Store) GetByCvid(cvid int32) (*Connection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conn, ok := s.byCvid[cvid]
	return conn, ok
}

// Connections returns established connections ordered by CVID
func (s *Store) Connections() []*Connection {
	s.mu.RLock()
	out := make([]*Connection, 0, len(s.byCvid))
	for _, c := range s.byCvid {
		out = append(out, c)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CVID() < out[j].CVID() })
	return out
}

// Close closes the connection with the given CVID. Unknown or already
// closed CVIDs are ignored.
func (s *Store) Close(cvid int32) error {
	conn, ok := s.GetByCvid(cvid)
	if !ok {
		return nil
	}
	return conn.Close()
}

// Stop closes every connection, including dials still in flight
func (s *Store) Stop(timeout time.Duration) error {
	if !s.MarkStopped() {
		return nil
	}

	s.mu.RLock()
	conns := make([]*Connection, 0, len(s.byCvid)+len(s.pending))
	for _, c := range s.byCvid {
		conns = append(conns, c)
	}
	for c := range s.pending {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		for _, c := range conns {
			if err := c.Close(); err != nil {
				s.Logger().Warn("Close failed during stop", "cvid", c.CVID(), "error", err)
			}
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout), "Store", "Stop", "close connections")
	}
}

// index assigns the next CVID. Called with c.mu held.
func (s *Store) index(c *Connection) int32 {
	cvid := s.nextCvid.Add(1)
	s.mu.Lock()
	s.byCvid[cvid] = c
	s.mu.Unlock()
	return cvid
}

func (s *Store) established(c *Connection) {
	cfg := s.config()
	cvid := c.CVID()

	doc, err := cfg.Collection.CreateDocument(strconv.Itoa(int(cvid)))
	if err == nil {
		err = doc.SetAll(map[string]any{
			"remote_address": c.RemoteAddr(),
			"role":           c.target.Role.String(),
			"status":         StatusEstablished.String(),
			"established":    c.EstablishedAt(),
		})
	}
	if err != nil {
		s.Logger().Warn("Connection document not written", "cvid", cvid, "error", err)
	}

	cfg.Metrics.RecordConnectAttempt("established")
	s.Logger().Info("Connection established", "cvid", cvid, "address", c.RemoteAddr(), "role", c.target.Role.String())
	s.publish(EstablishedEvent{Conn: c})
}

// retire removes a connection that left ESTABLISHED
func (s *Store) retire(c *Connection, event Event) {
	cvid := c.CVID()
	s.mu.Lock()
	delete(s.byCvid, cvid)
	s.mu.Unlock()

	cfg := s.config()
	if cfg.Collection != nil {
		cfg.Collection.Remove(strconv.Itoa(int(cvid)))
	}

	_, lost := event.(LostEvent)
	cfg.Metrics.RecordConnectionEnded(lost)
	if lost {
		s.Logger().Warn("Connection lost", "cvid", cvid, "address", c.RemoteAddr(), "error", c.Err())
	} else {
		s.Logger().Info("Connection closed", "cvid", cvid, "address", c.RemoteAddr())
	}
	s.publish(event)
}

func (s *Store) publish(event Event) {
	cfg := s.config()
	if cfg.Bus == nil {
		return
	}
	if err := cfg.Bus.Publish(event); err != nil {
		s.Logger().Error("Connection event dropped", "event", fmt.Sprintf("%T", event), "error", err)
	}
}

func (s *Store) deliver(c *Connection, env message.Envelope) {
	h := s.handler.Load()
	if h == nil || *h == nil {
		s.Logger().Debug("No message handler, dropping envelope", "id", env.ID, "command", env.Command)
		return
	}
	handler := *h
	if err := s.config().Incoming.Execute(func() { handler(c, env) }); err != nil {
		s.Logger().Warn("Incoming pool rejected envelope", "id", env.ID, "command", env.Command, "error", err)
	}
}
