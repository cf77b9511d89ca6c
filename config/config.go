package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sandpolis/agent/errors"
)

// Auth strategies
const (
	AuthNone     = "none"
	AuthPassword = "password"
)

// Transports
const (
	TransportNATS      = "nats"
	TransportWebsocket = "websocket"
)

// State persistence backends
const (
	PersistenceNone  = "none"
	PersistenceNATS  = "nats"
	PersistenceRedis = "redis"
)

// Worker pool names registered by the agent bootstrap
const (
	PoolExelet         = "net.exelet"
	PoolOutgoing       = "net.connection.outgoing"
	PoolConnectionLoop = "net.connection.loop"
	PoolIncoming       = "net.message.incoming"
	PoolConnectionBus  = "store.event_bus.connection"
	PoolNetworkBus     = "store.event_bus.network"
	PoolAttributes     = "attributes"
)

// PoolQueueSize is the queue capacity of every bootstrap pool
const PoolQueueSize = 256

// DefaultPools maps each bootstrap pool to its worker count
func DefaultPools() map[string]int {
	return map[string]int{
		PoolExelet:         2,
		PoolOutgoing:       2,
		PoolConnectionLoop: 1,
		PoolIncoming:       2,
		PoolConnectionBus:  1,
		PoolNetworkBus:     1,
		PoolAttributes:     1,
	}
}

// Config is the resolved agent configuration
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Plugin    PluginConfig    `json:"plugin"`
	Instance  InstanceConfig  `json:"instance"`
	Pools     map[string]int  `json:"pools"`
	Reconnect ReconnectConfig `json:"reconnect"`
	Command   CommandConfig   `json:"command"`
	Exelet    ExeletConfig    `json:"exelet"`
	State     StateConfig     `json:"state"`
	Metrics   MetricsConfig   `json:"metrics"`
	Log       LogConfig       `json:"log"`
}

// ServerConfig describes the coordinating server
type ServerConfig struct {
	Address     string        `json:"address"`
	Timeout     time.Duration `json:"timeout"`
	TLSInsecure bool          `json:"tls_insecure"`
	TLS         TLSConfig     `json:"tls"`
	Transport   string        `json:"transport"`
	Subject     string        `json:"subject"`
	// NATSToken authenticates to the NATS server itself
	NATSToken    string        `json:"nats_token,omitempty"`
	PingInterval time.Duration `json:"ping_interval,omitempty"`
}

// TLSConfig adds trust roots and a client certificate to the server link
type TLSConfig struct {
	CAFile     string `json:"ca_file,omitempty"`
	CertFile   string `json:"cert_file,omitempty"`
	KeyFile    string `json:"key_file,omitempty"`
	MinVersion string `json:"min_version,omitempty"`
}

// AuthConfig selects the authentication strategy
type AuthConfig struct {
	Type     string `json:"type"`
	Password string `json:"password,omitempty"`
}

// PluginConfig gates plugin synchronization
type PluginConfig struct {
	Enabled bool `json:"enabled"`
}

// InstanceConfig identifies this agent
type InstanceConfig struct {
	UUID string `json:"uuid"`
}

// ReconnectConfig controls recovery after losing the server link
type ReconnectConfig struct {
	Delay            time.Duration `json:"delay"`
	MaxDelay         time.Duration `json:"max_delay"`
	CancelOnShutdown bool          `json:"cancel_on_shutdown"`
}

// CommandConfig holds command dispatch settings
type CommandConfig struct {
	Timeout time.Duration `json:"timeout"`
}

// ExeletConfig throttles requests from the server
type ExeletConfig struct {
	RateLimit int `json:"rate_limit"`
	Burst     int `json:"burst"`
}

// StateConfig selects where persistent documents are stored
type StateConfig struct {
	Persistence string `json:"persistence"`
	NATSURL     string `json:"nats_url,omitempty"`
	Bucket      string `json:"bucket"`
	RedisAddr   string `json:"redis_addr,omitempty"`
	RedisPrefix string `json:"redis_prefix"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set
type MetricsConfig struct {
	Addr string `json:"addr,omitempty"`
}

// LogConfig selects the slog handler
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Defaults returns the configuration used for unset keys
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Timeout:   1000 * time.Millisecond,
			Transport: TransportNATS,
			Subject:   "sandpolis.server",
		},
		Auth:   AuthConfig{Type: AuthNone},
		Plugin: PluginConfig{Enabled: true},
		Pools:  DefaultPools(),
		Reconnect: ReconnectConfig{
			Delay:            time.Second,
			MaxDelay:         30 * time.Second,
			CancelOnShutdown: true,
		},
		Command: CommandConfig{Timeout: 10 * time.Second},
		Exelet:  ExeletConfig{RateLimit: 100, Burst: 10},
		State: StateConfig{
			Persistence: PersistenceNone,
			Bucket:      "sandpolis_agent_state",
			RedisPrefix: "sandpolis:agent",
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load resolves every key once from src over the defaults. A missing
// instance UUID is generated.
func Load(src Source) (*Config, error) {
	cfg := Defaults()

	str(src, "server.address", &cfg.Server.Address)
	dur(src, "server.timeout", &cfg.Server.Timeout)
	boolean(src, "server.tls_insecure", &cfg.Server.TLSInsecure)
	str(src, "server.tls.ca_file", &cfg.Server.TLS.CAFile)
	str(src, "server.tls.cert_file", &cfg.Server.TLS.CertFile)
	str(src, "server.tls.key_file", &cfg.Server.TLS.KeyFile)
	str(src, "server.tls.min_version", &cfg.Server.TLS.MinVersion)
	str(src, "server.transport", &cfg.Server.Transport)
	str(src, "server.subject", &cfg.Server.Subject)
	str(src, "server.nats_token", &cfg.Server.NATSToken)
	dur(src, "server.ping_interval", &cfg.Server.PingInterval)

	str(src, "auth.type", &cfg.Auth.Type)
	str(src, "auth.password", &cfg.Auth.Password)
	boolean(src, "plugin.enabled", &cfg.Plugin.Enabled)
	str(src, "instance.uuid", &cfg.Instance.UUID)

	for name := range cfg.Pools {
		if n, ok := src.Int("pools." + name + ".workers"); ok {
			cfg.Pools[name] = n
		}
	}

	dur(src, "reconnect.delay", &cfg.Reconnect.Delay)
	dur(src, "reconnect.max_delay", &cfg.Reconnect.MaxDelay)
	boolean(src, "reconnect.cancel_on_shutdown", &cfg.Reconnect.CancelOnShutdown)
	dur(src, "command.timeout", &cfg.Command.Timeout)
	integer(src, "exelet.rate_limit", &cfg.Exelet.RateLimit)
	integer(src, "exelet.burst", &cfg.Exelet.Burst)

	str(src, "state.persistence", &cfg.State.Persistence)
	str(src, "state.nats_url", &cfg.State.NATSURL)
	str(src, "state.bucket", &cfg.State.Bucket)
	str(src, "state.redis_addr", &cfg.State.RedisAddr)
	str(src, "state.redis_prefix", &cfg.State.RedisPrefix)

	str(src, "metrics.addr", &cfg.Metrics.Addr)
	str(src, "log.level", &cfg.Log.Level)
	str(src, "log.format", &cfg.Log.Format)

	cfg.Auth.Type = strings.ToLower(strings.TrimSpace(cfg.Auth.Type))
	if cfg.Auth.Type == "" {
		cfg.Auth.Type = AuthNone
	}
	if cfg.Instance.UUID == "" {
		cfg.Instance.UUID = uuid.NewString()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the resolved configuration
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return errors.WrapInvalid(fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidConfig}, args...)...),
			"Config", "Validate", "validate configuration")
	}

	if c.Server.Timeout <= 0 {
		return invalid("server.timeout must be positive")
	}
	switch c.Server.Transport {
	case TransportNATS, TransportWebsocket:
	default:
		return invalid("server.transport %q (must be nats or websocket)", c.Server.Transport)
	}
	if (c.Server.TLS.CertFile == "") != (c.Server.TLS.KeyFile == "") {
		return invalid("server.tls.cert_file and server.tls.key_file must be set together")
	}
	switch c.Server.TLS.MinVersion {
	case "", "1.2", "1.3":
	default:
		return invalid("server.tls.min_version %q (must be 1.2 or 1.3)", c.Server.TLS.MinVersion)
	}
	switch c.Auth.Type {
	case AuthNone:
	case AuthPassword:
		if c.Auth.Password == "" {
			return invalid("auth.password is required for password authentication")
		}
	default:
		return invalid("auth.type %q (must be none or password)", c.Auth.Type)
	}
	if _, err := uuid.Parse(c.Instance.UUID); err != nil {
		return invalid("instance.uuid %q is not a UUID", c.Instance.UUID)
	}
	for name, workers := range c.Pools {
		if workers <= 0 {
			return invalid("pools.%s.workers must be positive", name)
		}
	}
	if c.Reconnect.Delay < time.Second {
		return invalid("reconnect.delay must be at least 1s")
	}
	if c.Reconnect.MaxDelay < c.Reconnect.Delay {
		return invalid("reconnect.max_delay must be >= reconnect.delay")
	}
	if c.Server.PingInterval < 0 {
		return invalid("server.ping_interval must not be negative")
	}
	if c.Command.Timeout <= 0 {
		return invalid("command.timeout must be positive")
	}
	if c.Exelet.RateLimit < 0 {
		return invalid("exelet.rate_limit must not be negative")
	}
	if c.Exelet.RateLimit > 0 && c.Exelet.Burst <= 0 {
		return invalid("exelet.burst must be positive when exelet.rate_limit is set")
	}
	switch c.State.Persistence {
	case PersistenceNone:
	case PersistenceNATS:
		if c.State.Bucket == "" {
			return invalid("state.bucket is required for nats persistence")
		}
	case PersistenceRedis:
		if c.State.RedisAddr == "" {
			return invalid("state.redis_addr is required for redis persistence")
		}
	default:
		return invalid("state.persistence %q (must be none, nats or redis)", c.State.Persistence)
	}
	return nil
}

// Redacted returns a copy safe to print
func (c *Config) Redacted() *Config {
	out := *c
	out.Pools = make(map[string]int, len(c.Pools))
	for k, v := range c.Pools {
		out.Pools[k] = v
	}
	if out.Auth.Password != "" {
		out.Auth.Password = "********"
	}
	if out.Server.NATSToken != "" {
		out.Server.NATSToken = "********"
	}
	return &out
}

func str(src Source, key string, dst *string) {
	if v, ok := src.String(key); ok {
		*dst = v
	}
}

func integer(src Source, key string, dst *int) {
	if v, ok := src.Int(key); ok {
		*dst = v
	}
}

func boolean(src Source, key string, dst *bool) {
	if v, ok := src.Bool(key); ok {
		*dst = v
	}
}

func dur(src Source, key string, dst *time.Duration) {
	if v, ok := src.Duration(key); ok {
		*dst = v
	}
}
