// Package profile keeps one collection per known instance under /profile.
// The local instance's collection is created at Init and carries a
// metadata document describing this agent.
package profile

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sandpolis/agent/errors"
	"github.com/sandpolis/agent/pkg/clock"
	"github.com/sandpolis/agent/state"
	"github.com/sandpolis/agent/store"
)

// StoreName identifies the profile store
const StoreName = "profile"

// MetadataDocument is the per-profile document holding instance facts
const MetadataDocument = "metadata"

// Config binds the profile store
type Config struct {
	// Collection is the /profile binding
	Collection *state.Collection
	InstanceID string
	// Flavor describes the instance type recorded in the local profile
	Flavor string
	Clock  clock.Clock
}

// Validate checks the bindings
func (c *Config) Validate() error {
	if c.Collection == nil {
		return fmt.Errorf("profile collection binding required")
	}
	if _, err := uuid.Parse(c.InstanceID); err != nil {
		return fmt.Errorf("instance id: %w", err)
	}
	return nil
}

// Store tracks instance profiles
type Store struct {
	*store.Base[Config]

	cfg   Config
	local *state.Collection
}

// New creates an uninitialized profile store
func New(logger *slog.Logger) *Store {
	return &Store{
		Base: store.NewBase(StoreName, Config{
			Flavor: "agent",
			Clock:  clock.Real(),
		}, logger),
	}
}

// Init commits the configuration and creates the local profile
func (s *Store) Init(configure func(*Config)) error {
	if err := s.Base.Init(configure); err != nil {
		return err
	}
	s.cfg, _ = s.Config()

	local, err := s.Ensure(s.cfg.InstanceID)
	if err != nil {
		return errors.Wrap(err, "Store", "Init", "create local profile")
	}
	meta, err := local.Document(MetadataDocument)
	if errors.Is(err, errors.ErrNoSuchChild) {
		meta, err = local.CreateDocument(MetadataDocument, state.Persistent())
		if errors.Is(err, errors.ErrChildExists) {
			meta, err = local.Document(MetadataDocument)
		}
	}
	if err != nil {
		return errors.Wrap(err, "Store", "Init", "create profile metadata")
	}
	if err := meta.SetAll(map[string]any{
		"uuid":    s.cfg.InstanceID,
		"flavor":  s.cfg.Flavor,
		"started": s.cfg.Clock.Now(),
	}); err != nil {
		return errors.Wrap(err, "Store", "Init", "write profile metadata")
	}

	s.local = local
	s.Logger().Debug("Local profile ready", "instance", s.cfg.InstanceID)
	return nil
}

// Local returns the collection of this instance
func (s *Store) Local() (*state.Collection, error) {
	if err := s.Ready("Local"); err != nil {
		return nil, err
	}
	return s.local, nil
}

// Get returns the profile of instance id
func (s *Store) Get(id string) (*state.Collection, error) {
	if err := s.Ready("Get"); err != nil {
		return nil, err
	}
	return s.cfg.Collection.Collection(id)
}

// Ensure returns the profile of instance id, creating it when missing
func (s *Store) Ensure(id string) (*state.Collection, error) {
	if err := s.Ready("Ensure"); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidValue, err), "Store", "Ensure", "parse instance id")
	}
	col, err := s.cfg.Collection.Collection(id)
	if err == nil {
		return col, nil
	}
	if !errors.Is(err, errors.ErrNoSuchChild) {
		return nil, err
	}
	col, err = s.cfg.Collection.CreateCollection(id)
	if errors.Is(err, errors.ErrChildExists) {
		return s.cfg.Collection.Collection(id)
	}
	return col, err
}

// Profiles returns the instance ids with a profile, in creation order
func (s *Store) Profiles() []string {
	if s.Ready("Profiles") != nil {
		return nil
	}
	return s.cfg.Collection.Keys()
}

// Started returns when the local instance started
func (s *Store) Started() (time.Time, bool) {
	if s.local == nil {
		return time.Time{}, false
	}
	meta, err := s.local.Document(MetadataDocument)
	if err != nil {
		return time.Time{}, false
	}
	return meta.Time("started")
}

// Stop marks the store stopped; the profile stays in the tree
func (s *Store) Stop(time.Duration) error {
	s.MarkStopped()
	return nil
}
