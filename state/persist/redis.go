package persist

import (
	"context"
	stderrors "errors"

	backend "github.com/redis/go-redis/v9"

	"github.com/sandpolis/agent/errors"
)

// DefaultRedisPrefix namespaces agent keys
const DefaultRedisPrefix = "sandpolis:agent"

// Redis persists documents in Redis
type Redis struct {
	client *backend.Client
	prefix string
}

// RedisOption configures a Redis persister
type RedisOption func(*Redis)

// WithPrefix sets the key prefix
func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

// NewRedis connects to the server at addr
func NewRedis(addr string, opts ...RedisOption) *Redis {
	return NewRedisFromClient(backend.NewClient(&backend.Options{Addr: addr}), opts...)
}

// NewRedisFromClient creates a persister over an existing client
func NewRedisFromClient(client *backend.Client, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		prefix: DefaultRedisPrefix,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) key(path string) string {
	return r.prefix + path
}

func (r *Redis) indexKey() string {
	return r.prefix + ":index"
}

// Ping checks the server is reachable
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return errors.WrapTransient(err, "Redis", "Ping", "ping "+r.client.Options().Addr)
	}
	return nil
}

// Save writes data under path and indexes it
func (r *Redis) Save(ctx context.Context, path string, data []byte) error {
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.key(path), data, 0)
	pipe.SAdd(ctx, r.indexKey(), path)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.WrapTransient(err, "Redis", "Save", "write "+path)
	}
	return nil
}

// Delete removes path and its index entry
func (r *Redis) Delete(ctx context.Context, path string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.key(path))
	pipe.SRem(ctx, r.indexKey(), path)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.WrapTransient(err, "Redis", "Delete", "delete "+path)
	}
	return nil
}

// Load reads every indexed document. Index entries whose key vanished are
// dropped from the result.
func (r *Redis) Load(ctx context.Context) (map[string][]byte, error) {
	paths, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		if stderrors.Is(err, backend.Nil) {
			return map[string][]byte{}, nil
		}
		return nil, errors.WrapTransient(err, "Redis", "Load", "read index")
	}

	out := make(map[string][]byte, len(paths))
	if len(paths) == 0 {
		return out, nil
	}

	keys := make([]string, len(paths))
	for i, p := range paths {
		keys[i] = r.key(p)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.WrapTransient(err, "Redis", "Load", "read documents")
	}

	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		out[paths[i]] = []byte(s)
	}
	return out, nil
}

// Close closes the client
func (r *Redis) Close() error {
	return r.client.Close()
}
