// Package plugin tracks the plugins installed on this instance under
// /profile/<instance>/plugin and synchronizes that set with the server.
//
// Synchronization asks the server which plugins the instance should carry.
// The reply's metadata maps "plugin.<id>" to a version; each entry becomes
// a persistent document. Loading hands enabled plugins to the configured
// Loader. Which versions are loaded is process state and is never
// persisted, so every boot loads again. Executing plugin code is out of
// scope.
package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sandpolis/agent/command"
	"github.com/sandpolis/agent/errors"
	"github.com/sandpolis/agent/message"
	"github.com/sandpolis/agent/pkg/clock"
	"github.com/sandpolis/agent/pkg/future"
	"github.com/sandpolis/agent/state"
	"github.com/sandpolis/agent/state/oid"
	"github.com/sandpolis/agent/store"
)

// StoreName identifies the plugin store
const StoreName = "plugin"

// CommandSync is sent to the server to synchronize plugins
const CommandSync = "plugin.sync"

// MetadataPrefix marks plugin entries in a sync outcome
const MetadataPrefix = "plugin."

// Binding is the plugin collection OID; the wildcard is the instance id
var Binding = oid.MustParse("/profile//plugin")

// Plugin is one installed plugin
type Plugin struct {
	ID      string
	Version string
	Enabled bool
	Loaded  bool
}

// Sender issues commands to the server
type Sender interface {
	Send(ctx context.Context, cvid int32, command string, payload any, opts ...command.SendOption) *future.Future[message.Outcome]
}

// Loader activates a plugin
type Loader interface {
	Load(ctx context.Context, p Plugin) error
}

// LoaderFunc adapts a function to Loader
type LoaderFunc func(ctx context.Context, p Plugin) error

// Load calls f
func (f LoaderFunc) Load(ctx context.Context, p Plugin) error {
	return f(ctx, p)
}

// SyncRequest is the payload of CommandSync
type SyncRequest struct {
	Instance  string            `json:"instance"`
	Installed map[string]string `json:"installed"`
}

// Config binds the plugin store
type Config struct {
	Tree       *state.Tree
	InstanceID string
	Commands   Sender
	// Loader is optional; without one loading only records the state
	Loader Loader
	// Executor applies sync results; nil applies them on a new goroutine
	Executor    future.Executor
	SyncTimeout time.Duration
	Clock       clock.Clock
}

// Validate checks the bindings
func (c *Config) Validate() error {
	switch {
	case c.Tree == nil:
		return fmt.Errorf("state tree required")
	case c.InstanceID == "":
		return fmt.Errorf("instance id required")
	case c.Commands == nil:
		return fmt.Errorf("command sender required")
	}
	return nil
}

// Store owns the plugin collection of the local instance
type Store struct {
	*store.Base[Config]

	cfg        Config
	collection *state.Collection

	mu sync.Mutex
	// plugin id to the version handed to the Loader in this process
	loaded map[string]string
}

// New creates an uninitialized plugin store
func New(logger *slog.Logger) *Store {
	return &Store{
		Base: store.NewBase(StoreName, Config{
			SyncTimeout: command.DefaultTimeout,
			Clock:       clock.Real(),
		}, logger),
		loaded: make(map[string]string),
	}
}

// Init commits the configuration and binds the instance's plugin collection
func (s *Store) Init(configure func(*Config)) error {
	if err := s.Base.Init(configure); err != nil {
		return err
	}
	s.cfg, _ = s.Config()

	bound, err := Binding.Bind(s.cfg.InstanceID)
	if err != nil {
		return errors.Wrap(err, "Store", "Init", "bind plugin collection")
	}
	col, err := s.cfg.Tree.ResolveCollection(bound, state.AutoCreate(state.KindCollection))
	if err != nil {
		return errors.Wrap(err, "Store", "Init", "resolve plugin collection")
	}
	s.collection = col
	return nil
}

// Collection returns the bound plugin collection
func (s *Store) Collection() (*state.Collection, error) {
	if err := s.Ready("Collection"); err != nil {
		return nil, err
	}
	return s.collection, nil
}

// Plugins returns the installed plugins in installation order
func (s *Store) Plugins() []Plugin {
	if s.Ready("Plugins") != nil {
		return nil
	}
	docs := s.collection.Documents()
	out := make([]Plugin, 0, len(docs))
	for _, doc := range docs {
		out = append(out, s.fromDocument(doc))
	}
	return out
}

// Synchronize sends the installed set to the server over cvid and records
// the plugins listed in a successful reply. The returned future carries the
// server's outcome.
func (s *Store) Synchronize(ctx context.Context, cvid int32) *future.Future[message.Outcome] {
	if err := s.Ready("Synchronize"); err != nil {
		return future.Failed[message.Outcome](err)
	}

	req := SyncRequest{Instance: s.cfg.InstanceID, Installed: make(map[string]string)}
	for _, p := range s.Plugins() {
		req.Installed[p.ID] = p.Version
	}

	s.Logger().Debug("Synchronizing plugins", "cvid", cvid, "installed", len(req.Installed))
	sent := s.cfg.Commands.Send(ctx, cvid, CommandSync, req, command.WithTimeout(s.cfg.SyncTimeout))
	return future.Then(sent, s.cfg.Executor, func(outcome message.Outcome) (message.Outcome, error) {
		if !outcome.Success {
			s.Logger().Warn("Plugin synchronization refused", "cvid", cvid, "reason", outcome.Reason)
			return outcome, nil
		}
		if err := s.apply(outcome.Metadata); err != nil {
			return outcome, errors.Wrap(err, "Store", "Synchronize", "record plugins")
		}
		return outcome, nil
	})
}

func (s *Store) apply(metadata map[string]string) error {
	ids := make([]string, 0, len(metadata))
	for key := range metadata {
		if id, ok := strings.CutPrefix(key, MetadataPrefix); ok && id != "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	now := s.cfg.Clock.Now()
	for _, id := range ids {
		doc, err := s.document(id)
		if err != nil {
			return err
		}
		version := metadata[MetadataPrefix+id]
		attrs := map[string]any{
			"id":        id,
			"version":   version,
			"synced_at": now,
		}
		if _, known := doc.Bool("enabled"); !known {
			attrs["enabled"] = true
		}
		if err := doc.SetAll(attrs); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) document(id string) (*state.Document, error) {
	doc, err := s.collection.Document(id)
	if !errors.Is(err, errors.ErrNoSuchChild) {
		return doc, err
	}
	doc, err = s.collection.CreateDocument(id, state.Persistent())
	if errors.Is(err, errors.ErrChildExists) {
		return s.collection.Document(id)
	}
	return doc, err
}

// LoadPlugins activates every enabled plugin not yet loaded. It stops at
// the first Loader error.
func (s *Store) LoadPlugins(ctx context.Context) error {
	if err := s.Ready("LoadPlugins"); err != nil {
		return err
	}

	loaded := 0
	for _, doc := range s.collection.Documents() {
		if err := ctx.Err(); err != nil {
			return errors.WrapTransient(err, "Store", "LoadPlugins", "load plugins")
		}
		p := s.fromDocument(doc)
		if !p.Enabled || p.Loaded {
			continue
		}
		if s.cfg.Loader != nil {
			if err := s.cfg.Loader.Load(ctx, p); err != nil {
				return errors.Wrap(err, "Store", "LoadPlugins", "load "+p.ID)
			}
		}
		s.mu.Lock()
		s.loaded[p.ID] = p.Version
		s.mu.Unlock()
		loaded++
	}

	s.Logger().Info("Plugins loaded", "count", loaded)
	return nil
}

// SetEnabled enables or disables plugin id
func (s *Store) SetEnabled(id string, enabled bool) error {
	if err := s.Ready("SetEnabled"); err != nil {
		return err
	}
	doc, err := s.collection.Document(id)
	if err != nil {
		return errors.WrapInvalid(err, "Store", "SetEnabled", "find plugin")
	}
	return doc.Set("enabled", enabled)
}

// Stop marks the store stopped
func (s *Store) Stop(time.Duration) error {
	s.MarkStopped()
	return nil
}

// fromDocument reads a plugin. A plugin counts as loaded only when its
// current version was loaded by this process.
func (s *Store) fromDocument(doc *state.Document) Plugin {
	p := Plugin{ID: doc.ID()}
	p.Version, _ = doc.String("version")
	p.Enabled, _ = doc.Bool("enabled")

	s.mu.Lock()
	version, ok := s.loaded[p.ID]
	s.mu.Unlock()
	p.Loaded = ok && version == p.Version
	return p
}
