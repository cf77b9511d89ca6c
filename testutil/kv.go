package testutil

import (
	"context"
	"sort"
	"sync"

	"github.com/sandpolis/agent/natsclient"
)

// MemoryBucket is an in-memory natsclient.Bucket. Safe for concurrent use.
type MemoryBucket struct {
	mu       sync.RWMutex
	data     map[string][]byte
	revision uint64
	puts     []string
	failWith error
}

// NewMemoryBucket creates an empty store
func NewMemoryBucket() *MemoryBucket {
	return &MemoryBucket{data: make(map[string][]byte)}
}

// FailWith makes every later call return err; nil restores normal behavior
func (kv *MemoryBucket) FailWith(err error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.failWith = err
}

// Get returns the value stored under key
func (kv *MemoryBucket) Get(_ context.Context, key string) (*natsclient.Entry, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	if kv.failWith != nil {
		return nil, kv.failWith
	}
	v, ok := kv.data[key]
	if !ok {
		return nil, natsclient.ErrKeyNotFound
	}
	return &natsclient.Entry{Key: key, Value: append([]byte(nil), v...), Revision: kv.revision}, nil
}

// Put stores value under key
func (kv *MemoryBucket) Put(_ context.Context, key string, value []byte) (uint64, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if kv.failWith != nil {
		return 0, kv.failWith
	}
	kv.revision++
	kv.data[key] = append([]byte(nil), value...)
	kv.puts = append(kv.puts, key)
	return kv.revision, nil
}

// Delete removes key
func (kv *MemoryBucket) Delete(_ context.Context, key string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if kv.failWith != nil {
		return kv.failWith
	}
	if _, ok := kv.data[key]; !ok {
		return natsclient.ErrKeyNotFound
	}
	delete(kv.data, key)
	return nil
}

// Keys returns all keys in sorted order
func (kv *MemoryBucket) Keys(_ context.Context) ([]string, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	if kv.failWith != nil {
		return nil, kv.failWith
	}
	keys := make([]string, 0, len(kv.data))
	for k := range kv.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Puts returns every key written, in write order
func (kv *MemoryBucket) Puts() []string {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return append([]string(nil), kv.puts...)
}
