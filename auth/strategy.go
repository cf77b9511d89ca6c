package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/sandpolis/agent/command"
	"github.com/sandpolis/agent/config"
	"github.com/sandpolis/agent/errors"
	"github.com/sandpolis/agent/message"
	"github.com/sandpolis/agent/pkg/future"
)

// Authentication commands
const (
	CommandNone     = "auth.none"
	CommandPassword = "auth.password"
)

// Strategy is how the agent proves its identity. The set is closed: None
// and Password are the only implementations.
type Strategy interface {
	// Name is the configuration value selecting the strategy
	Name() string
	authenticate(ctx context.Context, cvid int32, sender Sender, timeout time.Duration) *future.Future[message.Outcome]
}

// None skips authentication and succeeds at once
type None struct{}

// Name returns "none"
func (None) Name() string { return config.AuthNone }

func (None) authenticate(context.Context, int32, Sender, time.Duration) *future.Future[message.Outcome] {
	return future.Resolved(message.Succeeded(CommandNone))
}

// Password authenticates with a shared credential
type Password struct {
	Credential string
}

// Name returns "password"
func (Password) Name() string { return config.AuthPassword }

// String keeps the credential out of logs
func (p Password) String() string { return "Password(********)" }

// PasswordRequest is the payload of CommandPassword
type PasswordRequest struct {
	Password string `json:"password"`
}

func (p Password) authenticate(ctx context.Context, cvid int32, sender Sender, timeout time.Duration) *future.Future[message.Outcome] {
	return sender.Send(ctx, cvid, CommandPassword, PasswordRequest{Password: p.Credential}, command.WithTimeout(timeout))
}

// FromConfig resolves the configured strategy
func FromConfig(cfg config.AuthConfig) (Strategy, error) {
	switch cfg.Type {
	case "", config.AuthNone:
		return None{}, nil
	case config.AuthPassword:
		if cfg.Password == "" {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: auth.password", errors.ErrMissingConfig),
				"auth", "FromConfig", "resolve strategy")
		}
		return Password{Credential: cfg.Password}, nil
	default:
		return nil, errors.WrapInvalid(fmt.Errorf("%w: auth.type %q", errors.ErrInvalidConfig, cfg.Type),
			"auth", "FromConfig", "resolve strategy")
	}
}
