package persist

import (
	"context"
	"strings"

	"github.com/sandpolis/agent/errors"
	"github.com/sandpolis/agent/natsclient"
)

// KeyValue is the subset of natsclient.Bucket used by KV
type KeyValue interface {
	Get(ctx context.Context, key string) (*natsclient.Entry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// KV persists documents in a JetStream bucket
type KV struct {
	store KeyValue
}

// NewKV creates a KV persister over store
func NewKV(store KeyValue) *KV {
	return &KV{store: store}
}

// kvKey maps a tree path to a bucket key. Bucket keys may not start with a
// separator, so the leading slash is dropped.
func kvKey(path string) string {
	return strings.TrimPrefix(path, "/")
}

// Save writes data under path
func (p *KV) Save(ctx context.Context, path string, data []byte) error {
	if _, err := p.store.Put(ctx, kvKey(path), data); err != nil {
		if errors.Is(err, natsclient.ErrValueTooLarge) {
			return errors.WrapInvalid(err, "KV", "Save", "put "+path)
		}
		return errors.WrapTransient(err, "KV", "Save", "put "+path)
	}
	return nil
}

// Delete removes path. A missing path is not an error.
func (p *KV) Delete(ctx context.Context, path string) error {
	if err := p.store.Delete(ctx, kvKey(path)); err != nil && !natsclient.IsNotFound(err) {
		return errors.WrapTransient(err, "KV", "Delete", "delete "+path)
	}
	return nil
}

// Load reads every stored document
func (p *KV) Load(ctx context.Context) (map[string][]byte, error) {
	keys, err := p.store.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "KV", "Load", "list keys")
	}

	out := make(map[string][]byte, len(keys))
	for _, key := range keys {
		entry, err := p.store.Get(ctx, key)
		if err != nil {
			// deleted between listing and reading
			if natsclient.IsNotFound(err) {
				continue
			}
			return nil, errors.WrapTransient(err, "KV", "Load", "get "+key)
		}
		out["/"+key] = entry.Value
	}
	return out, nil
}
