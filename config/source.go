package config

import (
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/sandpolis/agent/errors"
)

// EnvPrefix prefixes environment overrides, e.g. SANDPOLIS_SERVER_ADDRESS
const EnvPrefix = "SANDPOLIS"

// Source looks up configuration keys. The boolean reports whether the key
// was set; callers supply their own defaults.
type Source interface {
	String(key string) (string, bool)
	Int(key string) (int, bool)
	Bool(key string) (bool, bool)
	Duration(key string) (time.Duration, bool)
}

// ViperSource reads a config file (YAML, JSON or TOML) with environment
// overrides
type ViperSource struct {
	v *viper.Viper
}

// NewViperSource loads path, or searches the default locations for an
// "agent" config file when path is empty. A missing default file is not an
// error.
func NewViperSource(path string) (*ViperSource, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.WrapInvalid(err, "ViperSource", "NewViperSource", "read config "+path)
		}
		return &ViperSource{v: v}, nil
	}

	v.SetConfigName("agent")
	v.AddConfigPath("/etc/sandpolis")
	v.AddConfigPath("$HOME/.sandpolis")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !stderrors.As(err, &notFound) {
			return nil, errors.WrapInvalid(err, "ViperSource", "NewViperSource", "read config")
		}
	}
	return &ViperSource{v: v}, nil
}

// NewViperSourceFrom wraps an existing viper instance
func NewViperSourceFrom(v *viper.Viper) *ViperSource {
	return &ViperSource{v: v}
}

// File returns the config file in use, if any
func (s *ViperSource) File() string {
	return s.v.ConfigFileUsed()
}

func (s *ViperSource) String(key string) (string, bool) {
	if !s.v.IsSet(key) {
		return "", false
	}
	return s.v.GetString(key), true
}

func (s *ViperSource) Int(key string) (int, bool) {
	if !s.v.IsSet(key) {
		return 0, false
	}
	return s.v.GetInt(key), true
}

func (s *ViperSource) Bool(key string) (bool, bool) {
	if !s.v.IsSet(key) {
		return false, false
	}
	return s.v.GetBool(key), true
}

// Duration accepts Go duration strings ("1.5s") and bare numbers, which are
// read as milliseconds.
func (s *ViperSource) Duration(key string) (time.Duration, bool) {
	if !s.v.IsSet(key) {
		return 0, false
	}
	d, err := parseDuration(s.v.Get(key))
	if err != nil {
		return 0, false
	}
	return d, true
}

// MapSource serves keys from a flat map. Used by tests and embedders.
type MapSource map[string]any

func (m MapSource) String(key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, err := cast.ToStringE(v)
	return s, err == nil
}

func (m MapSource) Int(key string) (int, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	i, err := cast.ToIntE(v)
	return i, err == nil
}

func (m MapSource) Bool(key string) (bool, bool) {
	v, ok := m[key]
	if !ok {
		return false, false
	}
	b, err := cast.ToBoolE(v)
	return b, err == nil
}

func (m MapSource) Duration(key string) (time.Duration, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	d, err := parseDuration(v)
	return d, err == nil
}

func parseDuration(v any) (time.Duration, error) {
	switch val := v.(type) {
	case time.Duration:
		return val, nil
	case string:
		if ms, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64); err == nil {
			return time.Duration(ms) * time.Millisecond, nil
		}
		return time.ParseDuration(val)
	default:
		ms, err := cast.ToInt64E(val)
		if err != nil {
			return 0, fmt.Errorf("not a duration: %v", v)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
}
