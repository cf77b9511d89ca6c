// Package state implements the agent's hierarchical state tree.
//
// The tree is made of collections (insertion-ordered children) and
// documents (typed attributes) addressed by oid.OID paths. The root is an
// ephemeral collection. Each node carries its own RW lock, so stores
// working in disjoint subtrees never contend.
//
// Resolution is read-only until a missing node must be created; the missing
// chain is then built detached and attached with a single insertion, so a
// failed resolution never leaves partial nodes behind.
package state

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sandpolis/agent/errors"
	"github.com/sandpolis/agent/pkg/future"
	"github.com/sandpolis/agent/pkg/retry"
	"github.com/sandpolis/agent/state/oid"
)

// Persister stores encoded persistent documents keyed by path
type Persister interface {
	Save(ctx context.Context, path string, data []byte) error
	Delete(ctx context.Context, path string) error
	Load(ctx context.Context) (map[string][]byte, error)
}

// Tree is the root of the state hierarchy
type Tree struct {
	root      *Collection
	persister Persister
	exec      future.Executor
	retry     retry.Config
	timeout   time.Duration
	logger    *slog.Logger

	// queued holds the latest unwritten change per path; flushing takes it
	// under flushMu so changes to one path land in order
	mu      sync.Mutex
	queued  map[string]*write
	flushMu sync.Mutex
}

// write is a queued change to one persisted path; nil data deletes it
type write struct {
	op   string
	data []byte
}

// Option configures a Tree
type Option func(*Tree)

// WithPersister enables write-behind persistence. Writes run on exec,
// normally the single-worker attributes pool, so saves of one document
// keep their order. A nil exec writes synchronously.
func WithPersister(p Persister, exec future.Executor) Option {
	return func(t *Tree) {
		t.persister = p
		t.exec = exec
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tree) {
		t.logger = logger
	}
}

// WithRetry sets the retry policy for persistence writes
func WithRetry(cfg retry.Config) Option {
	return func(t *Tree) {
		t.retry = cfg
	}
}

// NewTree creates an empty tree
func NewTree(opts ...Option) *Tree {
	t := &Tree{
		retry:   retry.DefaultConfig(),
		timeout: 5 * time.Second,
		queued:  make(map[string]*write),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	t.logger = t.logger.With("component", "state")
	t.root = newCollection(t, "", nil, nil)
	return t
}

// Root returns the root collection
func (t *Tree) Root() *Collection {
	return t.root
}

// ResolveOption adjusts Resolve
type ResolveOption func(*resolveOptions)

type resolveOptions struct {
	create   bool
	kind     Kind
	nodeOpts []NodeOption
}

// AutoCreate creates missing nodes from the first wildcard onward, with the
// final node of the given kind and intermediate nodes as collections. For
// an OID without wildcards only the final node may be created. Literal
// segments before the first wildcard must already exist.
func AutoCreate(kind Kind, opts ...NodeOption) ResolveOption {
	return func(o *resolveOptions) {
		o.create = true
		o.kind = kind
		o.nodeOpts = opts
	}
}

// Resolve walks o from the root. Same OID and bound values always yield the
// same node.
func (t *Tree) Resolve(o oid.OID, opts ...ResolveOption) (Node, error) {
	keys, err := o.Keys()
	if err != nil {
		return nil, err
	}
	var ro resolveOptions
	for _, opt := range opts {
		opt(&ro)
	}

	firstCreatable := len(keys) - 1
	for i, seg := range o.Segments() {
		if seg.Wildcard {
			firstCreatable = i
			break
		}
	}

	for {
		n, raced, err := t.resolveOnce(keys, firstCreatable, ro)
		if !raced {
			return n, err
		}
	}
}

func (t *Tree) resolveOnce(keys []string, firstCreatable int, ro resolveOptions) (Node, bool, error) {
	cur := t.root
	for i, key := range keys {
		last := i == len(keys)-1
		child, ok := cur.Child(key)
		if ok {
			if last {
				if ro.create && child.Kind() != ro.kind {
					return nil, false, wrongKind(child, ro.kind)
				}
				return child, false, nil
			}
			col, isCol := child.(*Collection)
			if !isCol {
				return nil, false, wrongKind(child, KindCollection)
			}
			cur = col
			continue
		}

		if !ro.create || i < firstCreatable {
			return nil, false, noSuchChild(cur, key)
		}

		head, leaf := t.buildChain(cur, keys[i:], ro)
		if _, inserted := cur.attachOrGet(head); !inserted {
			return nil, true, nil
		}
		return leaf, false, nil
	}
	return cur, false, nil
}

// buildChain creates detached nodes for keys below parent
func (t *Tree) buildChain(parent *Collection, keys []string, ro resolveOptions) (head, leaf Node) {
	cur := parent
	for i, key := range keys {
		var n Node
		if i == len(keys)-1 {
			if ro.kind == KindDocument {
				n = newDocument(t, key, cur, ro.nodeOpts)
			} else {
				n = newCollection(t, key, cur, ro.nodeOpts)
			}
		} else {
			n = newCollection(t, key, cur, nil)
		}
		if head == nil {
			head = n
		} else {
			cur.children[key] = n
			cur.order = append(cur.order, key)
		}
		leaf = n
		if col, ok := n.(*Collection); ok {
			cur = col
		}
	}
	return head, leaf
}

// ResolveDocument resolves o and checks the node is a document
func (t *Tree) ResolveDocument(o oid.OID, opts ...ResolveOption) (*Document, error) {
	n, err := t.Resolve(o, opts...)
	if err != nil {
		return nil, err
	}
	doc, ok := n.(*Document)
	if !ok {
		return nil, wrongKind(n, KindDocument)
	}
	return doc, nil
}

// ResolveCollection resolves o and checks the node is a collection
func (t *Tree) ResolveCollection(o oid.OID, opts ...ResolveOption) (*Collection, error) {
	n, err := t.Resolve(o, opts...)
	if err != nil {
		return nil, err
	}
	col, ok := n.(*Collection)
	if !ok {
		return nil, wrongKind(n, KindCollection)
	}
	return col, nil
}

// Lookup parses path and resolves it without creating anything
func (t *Tree) Lookup(path string) (Node, error) {
	o, err := oid.Parse(path)
	if err != nil {
		return nil, err
	}
	return t.Resolve(o)
}

// Ensure creates every missing segment of o as a collection and returns the
// last one. Stores use it to create their bindings at bootstrap.
func (t *Tree) Ensure(o oid.OID, opts ...NodeOption) (*Collection, error) {
	keys, err := o.Keys()
	if err != nil {
		return nil, err
	}
	return t.ensureKeys(keys, opts)
}

func (t *Tree) ensureKeys(keys []string, opts []NodeOption) (*Collection, error) {
	cur := t.root
	for i, key := range keys {
		var nodeOpts []NodeOption
		if i == len(keys)-1 {
			nodeOpts = opts
		}
		n, _ := cur.attachOrGet(newCollection(t, key, cur, nodeOpts))
		col, ok := n.(*Collection)
		if !ok {
			return nil, wrongKind(n, KindCollection)
		}
		cur = col
	}
	return cur, nil
}

// Load restores persisted documents. Missing parents are created as
// collections.
func (t *Tree) Load(ctx context.Context) (int, error) {
	if t.persister == nil {
		return 0, nil
	}
	records, err := t.persister.Load(ctx)
	if err != nil {
		return 0, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrStorageFailure, err),
			"Tree", "Load", "load persisted documents")
	}

	paths := make([]string, 0, len(records))
	for p := range records {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	loaded := 0
	for _, p := range paths {
		path, attrs, err := decodeRecord(records[p])
		if err != nil {
			t.logger.Warn("Skipping undecodable document", "path", p, "error", err)
			continue
		}
		keys := strings.Split(strings.Trim(path, "/"), "/")
		parent, err := t.ensureKeys(keys[:len(keys)-1], nil)
		if err != nil {
			t.logger.Warn("Skipping document with conflicting parent", "path", path, "error", err)
			continue
		}
		n, _ := parent.attachOrGet(newDocument(t, keys[len(keys)-1], parent, []NodeOption{Persistent()}))
		doc, ok := n.(*Document)
		if !ok {
			t.logger.Warn("Skipping document shadowed by collection", "path", path)
			continue
		}
		doc.restore(attrs)
		loaded++
	}
	return loaded, nil
}

func (t *Tree) save(path string, attrs map[string]any) {
	if t.persister == nil {
		return
	}
	data, err := encodeRecord(path, attrs)
	if err != nil {
		t.logger.Error("Encode document failed", "path", path, "error", err)
		return
	}
	t.writeBehind(path, &write{op: "save", data: data})
}

func (t *Tree) forget(n Node) {
	if t.persister == nil {
		return
	}
	switch v := n.(type) {
	case *Document:
		if !v.Persistent() {
			return
		}
		t.writeBehind(v.Path(), &write{op: "delete"})
	case *Collection:
		v.mu.RLock()
		children := make([]Node, 0, len(v.order))
		for _, id := range v.order {
			children = append(children, v.children[id])
		}
		v.mu.RUnlock()
		for _, child := range children {
			t.forget(child)
		}
	}
}

// writeBehind queues w as the latest change to path. A change already
// queued for path is replaced rather than written, so a slow or full
// queue never lets an older snapshot land after a newer one.
func (t *Tree) writeBehind(path string, w *write) {
	t.mu.Lock()
	_, pending := t.queued[path]
	t.queued[path] = w
	t.mu.Unlock()
	if pending {
		return
	}

	task := func() { t.flush(path) }
	if t.exec == nil {
		task()
		return
	}
	if err := t.exec.Execute(task); err != nil {
		t.logger.Warn("Persistence queue rejected write, writing inline", "op", w.op, "path", path, "error", err)
		task()
	}
}

// flush writes the latest queued change to path, if any
func (t *Tree) flush(path string) {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	t.mu.Lock()
	w, ok := t.queued[path]
	delete(t.queued, path)
	t.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	err := retry.Do(ctx, t.retry, func() error {
		var err error
		if w.data == nil {
			err = t.persister.Delete(ctx, path)
		} else {
			err = t.persister.Save(ctx, path, w.data)
		}
		if errors.IsInvalid(err) {
			return retry.NonRetryable(err)
		}
		return err
	})
	if err != nil {
		t.logger.Error("Persistence write failed", "op", w.op, "path", path, "error", err)
	}
}
