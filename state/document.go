package state

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sandpolis/agent/errors"
)

// Document holds named attributes. Values are normalized to string, bool,
// int64, float64, []byte or time.Time.
type Document struct {
	node
	mu    sync.RWMutex
	attrs map[string]any
}

func newDocument(tree *Tree, id string, parent *Collection, opts []NodeOption) *Document {
	return &Document{
		node:  newNode(tree, id, parent, opts),
		attrs: make(map[string]any),
	}
}

// Kind returns KindDocument
func (d *Document) Kind() Kind {
	return KindDocument
}

// Set stores one attribute
func (d *Document) Set(name string, value any) error {
	return d.SetAll(map[string]any{name: value})
}

// SetAll stores several attributes atomically. Nothing is written if any
// value is unsupported.
func (d *Document) SetAll(values map[string]any) error {
	normalized := make(map[string]any, len(values))
	for name, v := range values {
		nv, err := normalize(v)
		if err != nil {
			return errors.WrapInvalid(fmt.Errorf("%w: %s.%s: %T", errors.ErrInvalidValue, d.Path(), name, v),
				"Document", "Set", "normalize value")
		}
		normalized[name] = nv
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for name, v := range normalized {
		d.attrs[name] = v
	}
	d.persistLocked()
	return nil
}

// persistLocked queues the current attributes. Callers hold d.mu, so
// snapshots reach the write queue in mutation order.
func (d *Document) persistLocked() {
	if d.persistent && d.tree != nil {
		d.tree.save(d.Path(), d.snapshotLocked())
	}
}

// Delete removes an attribute
func (d *Document) Delete(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.attrs[name]; ok {
		delete(d.attrs, name)
		d.persistLocked()
	}
}

// Get returns an attribute
func (d *Document) Get(name string) (any, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.attrs[name]
	if b, isBytes := v.([]byte); isBytes {
		return append([]byte(nil), b...), ok
	}
	return v, ok
}

// String returns a string attribute
func (d *Document) String(name string) (string, bool) {
	v, ok := d.Get(name)
	s, isString := v.(string)
	return s, ok && isString
}

// Int64 returns an integer attribute
func (d *Document) Int64(name string) (int64, bool) {
	v, ok := d.Get(name)
	i, isInt := v.(int64)
	return i, ok && isInt
}

// Bool returns a boolean attribute
func (d *Document) Bool(name string) (bool, bool) {
	v, ok := d.Get(name)
	b, isBool := v.(bool)
	return b, ok && isBool
}

// Time returns a timestamp attribute
func (d *Document) Time(name string) (time.Time, bool) {
	v, ok := d.Get(name)
	t, isTime := v.(time.Time)
	return t, ok && isTime
}

// Names returns the attribute names in sorted order
func (d *Document) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.attrs))
	for name := range d.attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Attributes returns a copy of all attributes
func (d *Document) Attributes() map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snapshotLocked()
}

func (d *Document) snapshotLocked() map[string]any {
	out := make(map[string]any, len(d.attrs))
	for k, v := range d.attrs {
		if b, ok := v.([]byte); ok {
			v = append([]byte(nil), b...)
		}
		out[k] = v
	}
	return out
}

// restore replaces attributes without triggering persistence
func (d *Document) restore(attrs map[string]any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, v := range attrs {
		d.attrs[k] = v
	}
}

func normalize(v any) (any, error) {
	switch val := v.(type) {
	case string, bool, int64, float64, time.Time:
		return val, nil
	case []byte:
		return append([]byte(nil), val...), nil
	case int:
		return int64(val), nil
	case int8:
		return int64(val), nil
	case int16:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case uint8:
		return int64(val), nil
	case uint16:
		return int64(val), nil
	case uint32:
		return int64(val), nil
	case uint:
		if uint64(val) > math.MaxInt64 {
			return nil, errors.ErrInvalidValue
		}
		return int64(val), nil
	case uint64:
		if val > math.MaxInt64 {
			return nil, errors.ErrInvalidValue
		}
		return int64(val), nil
	case float32:
		return float64(val), nil
	case time.Duration:
		return int64(val), nil
	default:
		return nil, errors.ErrInvalidValue
	}
}
