// Package network tracks which connection is the link to the coordinating
// server.
//
// The store listens on the connection bus. An established server-role
// connection is swapped into an empty server slot and announced with
// ServerEstablishedEvent. When that connection is lost the slot is cleared
// and ServerLostEvent is published; a deliberate close clears the slot
// without an event. Every live connection is mirrored as a document under
// /network_connection.
package network

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/sandpolis/agent/bus"
	"github.com/sandpolis/agent/connection"
	"github.com/sandpolis/agent/metric"
	"github.com/sandpolis/agent/state"
	"github.com/sandpolis/agent/store"
	"github.com/sandpolis/agent/transport"
)

// StoreName identifies the network store
const StoreName = "network"

// Event is published on the network bus
type Event interface {
	ServerCVID() int32
}

// ServerEstablishedEvent announces a new server link
type ServerEstablishedEvent struct {
	CVID int32
	Conn *connection.Connection
}

// ServerCVID returns the CVID of the server link
func (e ServerEstablishedEvent) ServerCVID() int32 { return e.CVID }

// ServerLostEvent announces an unexpected end of the server link. Target
// is what to dial to restore it.
type ServerLostEvent struct {
	CVID   int32
	Target transport.Target
	Err    error
}

// ServerCVID returns the CVID of the lost link
func (e ServerLostEvent) ServerCVID() int32 { return e.CVID }

// Config binds the network store
type Config struct {
	// Collection is the /network_connection binding
	Collection    *state.Collection
	ConnectionBus *bus.Bus[connection.Event]
	Bus           *bus.Bus[Event]
	Metrics       *metric.Metrics
}

// Validate checks the bindings
func (c *Config) Validate() error {
	switch {
	case c.Collection == nil:
		return fmt.Errorf("network collection binding required")
	case c.ConnectionBus == nil:
		return fmt.Errorf("connection bus required")
	case c.Bus == nil:
		return fmt.Errorf("network bus required")
	}
	return nil
}

// Store holds the server slot
type Store struct {
	*store.Base[Config]

	cfg    Config
	server atomic.Pointer[connection.Connection]
	sub    bus.Subscription
}

// New creates an uninitialized network store
func New(logger *slog.Logger) *Store {
	return &Store{Base: store.NewBase(StoreName, Config{}, logger)}
}

// Init commits the configuration and subscribes to the connection bus
func (s *Store) Init(configure func(*Config)) error {
	if err := s.Base.Init(configure); err != nil {
		return err
	}
	s.cfg, _ = s.Config()
	s.sub = s.cfg.ConnectionBus.Register(StoreName, s.handle)
	return nil
}

// Server returns the current server link
func (s *Store) Server() (*connection.Connection, bool) {
	conn := s.server.Load()
	return conn, conn != nil
}

// ServerCVID returns the CVID of the current server link
func (s *Store) ServerCVID() (int32, bool) {
	if conn := s.server.Load(); conn != nil {
		return conn.CVID(), true
	}
	return 0, false
}

// Stop detaches from the connection bus
func (s *Store) Stop(time.Duration) error {
	if !s.MarkStopped() {
		return nil
	}
	s.sub.Unsubscribe()
	return nil
}

func (s *Store) handle(e connection.Event) {
	conn := e.Connection()
	switch ev := e.(type) {
	case connection.EstablishedEvent:
		s.mirror(conn)
		if conn.Target().Role != transport.RoleServer {
			return
		}
		if !s.server.CompareAndSwap(nil, conn) {
			current, _ := s.ServerCVID()
			s.Logger().Warn("Server link already held, ignoring", "cvid", conn.CVID(), "server_cvid", current)
			return
		}
		s.cfg.Metrics.RecordServerLink(true)
		s.Logger().Info("Server link established", "cvid", conn.CVID())
		s.publish(ServerEstablishedEvent{CVID: conn.CVID(), Conn: conn})

	case connection.LostEvent:
		s.unmirror(conn)
		if !s.server.CompareAndSwap(conn, nil) {
			return
		}
		s.cfg.Metrics.RecordServerLink(false)
		s.Logger().Warn("Server link lost", "cvid", conn.CVID(), "error", ev.Err)
		s.publish(ServerLostEvent{CVID: conn.CVID(), Target: conn.Target(), Err: ev.Err})

	case connection.ClosedEvent:
		s.unmirror(conn)
		if s.server.CompareAndSwap(conn, nil) {
			s.cfg.Metrics.RecordServerLink(false)
			s.Logger().Info("Server link closed", "cvid", conn.CVID())
		}
	}
}

func (s *Store) mirror(conn *connection.Connection) {
	doc, err := s.cfg.Collection.CreateDocument(strconv.Itoa(int(conn.CVID())))
	if err == nil {
		err = doc.SetAll(map[string]any{
			"role":           conn.Target().Role.String(),
			"remote_address": conn.RemoteAddr(),
		})
	}
	if err != nil {
		s.Logger().Warn("Network document not written", "cvid", conn.CVID(), "error", err)
	}
}

func (s *Store) unmirror(conn *connection.Connection) {
	s.cfg.Collection.Remove(strconv.Itoa(int(conn.CVID())))
}

func (s *Store) publish(e Event) {
	if err := s.cfg.Bus.Publish(e); err != nil {
		s.Logger().Error("Network event dropped", "event", fmt.Sprintf("%T", e), "error", err)
	}
}
