package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Entry is a stored value and the revision it was written at
type Entry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// BucketOptions bounds bucket operations
type BucketOptions struct {
	Timeout      time.Duration // per operation
	MaxValueSize int           // largest accepted value in bytes
}

// DefaultBucketOptions returns the limits used for state persistence
func DefaultBucketOptions() BucketOptions {
	return BucketOptions{
		Timeout:      5 * time.Second,
		MaxValueSize: 1024 * 1024,
	}
}

// Bucket is a JetStream key-value bucket holding persisted documents
type Bucket struct {
	kv      jetstream.KeyValue
	options BucketOptions
	logger  *slog.Logger
}

// NewBucket wraps kv
func NewBucket(kv jetstream.KeyValue, logger *slog.Logger, opts ...func(*BucketOptions)) *Bucket {
	options := DefaultBucketOptions()
	for _, opt := range opts {
		opt(&options)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bucket{
		kv:      kv,
		options: options,
		logger:  logger.With("bucket", kv.Bucket()),
	}
}

func (b *Bucket) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.options.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, b.options.Timeout)
}

// Get returns the entry under key, or ErrKeyNotFound
func (b *Bucket) Get(ctx context.Context, key string) (*Entry, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	entry, err := b.kv.Get(ctx, key)
	if err != nil {
		if IsNotFound(err) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("bucket get %s: %w", key, err)
	}
	return &Entry{Key: key, Value: entry.Value(), Revision: entry.Revision()}, nil
}

// Put writes value under key, last writer wins
func (b *Bucket) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if b.options.MaxValueSize > 0 && len(value) > b.options.MaxValueSize {
		return 0, fmt.Errorf("bucket put %s: %w: %d bytes exceeds %d",
			key, ErrValueTooLarge, len(value), b.options.MaxValueSize)
	}

	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	rev, err := b.kv.Put(ctx, key, value)
	if err != nil {
		return 0, fmt.Errorf("bucket put %s: %w", key, err)
	}
	b.logger.Debug("Document stored", "key", key, "revision", rev)
	return rev, nil
}

// Delete removes key. A missing key is not an error.
func (b *Bucket) Delete(ctx context.Context, key string) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	if err := b.kv.Delete(ctx, key); err != nil && !IsNotFound(err) {
		return fmt.Errorf("bucket delete %s: %w", key, err)
	}
	return nil
}

// Keys lists every live key
func (b *Bucket) Keys(ctx context.Context) ([]string, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	lister, err := b.kv.ListKeys(ctx)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("bucket keys: %w", err)
	}
	defer func() { _ = lister.Stop() }()

	var keys []string
	for key := range lister.Keys() {
		keys = append(keys, key)
	}
	return keys, nil
}

// IsNotFound reports whether err means the key does not exist or was
// deleted
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, ErrKeyNotFound) || stderrors.Is(err, jetstream.ErrKeyNotFound) ||
		stderrors.Is(err, jetstream.ErrKeyDeleted) {
		return true
	}
	// JetStream API error code for a missing message
	return strings.Contains(err.Error(), "10037")
}

// Bucket errors
var (
	ErrKeyNotFound   = stderrors.New("bucket: key not found")
	ErrValueTooLarge = stderrors.New("bucket: value too large")
)
