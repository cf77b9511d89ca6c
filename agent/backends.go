package agent

import (
	"context"
	"crypto/tls"
	"log/slog"

	"github.com/sandpolis/agent/config"
	"github.com/sandpolis/agent/errors"
	"github.com/sandpolis/agent/natsclient"
	"github.com/sandpolis/agent/pkg/tlsutil"
	"github.com/sandpolis/agent/state"
	"github.com/sandpolis/agent/state/persist"
	"github.com/sandpolis/agent/transport"
)

// closer releases a backend at shutdown
type closer func(ctx context.Context) error

// newDialer builds the transport selected by server.transport
func newDialer(cfg *config.Config, logger *slog.Logger) (transport.Dialer, error) {
	switch cfg.Server.Transport {
	case config.TransportNATS:
		return natsclient.NewDialer(cfg.Server.Subject, cfg.Instance.UUID, logger,
			natsclient.WithToken(cfg.Server.NATSToken),
			natsclient.WithPingInterval(cfg.Server.PingInterval),
		), nil
	case config.TransportWebsocket:
		return transport.NewWebsocketDialer(logger), nil
	default:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "agent", "newDialer", "select transport "+cfg.Server.Transport)
	}
}

// newTLSConfig loads server.tls. It returns nil when nothing is configured
// so transports keep their defaults.
func newTLSConfig(cfg *config.Config) (*tls.Config, error) {
	opts := tlsutil.ClientOptions{
		CertFile:   cfg.Server.TLS.CertFile,
		KeyFile:    cfg.Server.TLS.KeyFile,
		MinVersion: cfg.Server.TLS.MinVersion,
	}
	if cfg.Server.TLS.CAFile != "" {
		opts.CAFiles = []string{cfg.Server.TLS.CAFile}
	}
	if opts.IsZero() {
		return nil, nil
	}
	tlsConfig, err := tlsutil.LoadClientConfig(opts)
	if err != nil {
		return nil, errors.Wrap(err, "agent", "newTLSConfig", "load server TLS")
	}
	return tlsConfig, nil
}

// newPersister opens the backend selected by state.persistence. It returns
// a nil persister for "none".
func newPersister(ctx context.Context, cfg *config.Config, tlsConfig *tls.Config, logger *slog.Logger) (state.Persister, closer, error) {
	switch cfg.State.Persistence {
	case config.PersistenceNone:
		return nil, nil, nil

	case config.PersistenceNATS:
		url := cfg.State.NATSURL
		if url == "" {
			url = cfg.Server.Address
		}
		client, err := natsclient.NewClient(url,
			natsclient.WithLogger(logger),
			natsclient.WithName("sandpolis-agent-state-"+cfg.Instance.UUID),
			natsclient.WithTimeout(cfg.Server.Timeout),
			natsclient.WithInsecureTLS(cfg.Server.TLSInsecure),
			natsclient.WithTLSConfig(tlsConfig),
			natsclient.WithToken(cfg.Server.NATSToken),
		)
		if err != nil {
			return nil, nil, errors.Wrap(err, "agent", "newPersister", "create NATS client")
		}
		if err := client.Connect(ctx); err != nil {
			return nil, nil, errors.Wrap(err, "agent", "newPersister", "connect to "+url)
		}
		kv, err := client.KeyValue(ctx, cfg.State.Bucket)
		if err != nil {
			_ = client.Close(ctx)
			return nil, nil, errors.Wrap(err, "agent", "newPersister", "open bucket "+cfg.State.Bucket)
		}
		logger.Info("State persisted to NATS KV", "url", url, "bucket", cfg.State.Bucket)
		return persist.NewKV(kv), client.Close, nil

	case config.PersistenceRedis:
		r := persist.NewRedis(cfg.State.RedisAddr, persist.WithPrefix(cfg.State.RedisPrefix))
		if err := r.Ping(ctx); err != nil {
			_ = r.Close()
			return nil, nil, errors.Wrap(err, "agent", "newPersister", "ping redis "+cfg.State.RedisAddr)
		}
		logger.Info("State persisted to Redis", "addr", cfg.State.RedisAddr, "prefix", cfg.State.RedisPrefix)
		return r, func(context.Context) error { return r.Close() }, nil

	default:
		return nil, nil, errors.WrapInvalid(errors.ErrInvalidConfig, "agent", "newPersister",
			"select persistence "+cfg.State.Persistence)
	}
}
