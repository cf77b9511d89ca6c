// Package oid parses and binds the path-like object identifiers that address
// nodes in the state tree.
//
// An OID is a sequence of segments separated by '/'. An empty segment is a
// wildcard: "/profile//plugin" has a wildcard between "profile" and
// "plugin". Wildcards are bound to concrete keys with Bind before the OID
// can be resolved.
package oid

import (
	"fmt"
	"strings"

	"github.com/sandpolis/agent/errors"
)

// Segment is one step of an OID
type Segment struct {
	Key      string
	Wildcard bool // true until bound
	Bound    bool // true for a wildcard that received a key
}

// OID is an immutable object identifier
type OID struct {
	segments []Segment
}

// Parse reads a path such as "/profile//plugin". The leading slash is
// optional; a trailing slash is ignored.
func Parse(path string) (OID, error) {
	trimmed := strings.TrimPrefix(path, "/")
	trimmed = strings.TrimSuffix(trimmed, "/")
	if trimmed == "" {
		return OID{}, errors.WrapInvalid(fmt.Errorf("%w: empty path %q", errors.ErrInvalidOID, path),
			"oid", "Parse", "parse OID")
	}

	parts := strings.Split(trimmed, "/")
	segments := make([]Segment, len(parts))
	for i, part := range parts {
		if part == "" {
			segments[i] = Segment{Wildcard: true}
			continue
		}
		segments[i] = Segment{Key: part}
	}
	return OID{segments: segments}, nil
}

// MustParse is Parse for package-level constants
func MustParse(path string) OID {
	o, err := Parse(path)
	if err != nil {
		panic(err)
	}
	return o
}

// Bind fills unbound wildcards left to right. Extra values are an error;
// fewer values leave trailing wildcards unbound.
func (o OID) Bind(values ...string) (OID, error) {
	out := OID{segments: make([]Segment, len(o.segments))}
	copy(out.segments, o.segments)

	next := 0
	for i, seg := range out.segments {
		if !seg.Wildcard || seg.Bound {
			continue
		}
		if next == len(values) {
			break
		}
		v := values[next]
		next++
		if v == "" || strings.Contains(v, "/") {
			return OID{}, errors.WrapInvalid(fmt.Errorf("%w: bad wildcard value %q", errors.ErrInvalidOID, v),
				"oid", "Bind", "bind wildcard")
		}
		out.segments[i] = Segment{Key: v, Wildcard: true, Bound: true}
	}
	if next < len(values) {
		return OID{}, errors.WrapInvalid(fmt.Errorf("%w: %d values for %s", errors.ErrInvalidOID, len(values), o),
			"oid", "Bind", "bind wildcard")
	}
	return out, nil
}

// Child appends a literal segment
func (o OID) Child(key string) OID {
	out := OID{segments: make([]Segment, len(o.segments), len(o.segments)+1)}
	copy(out.segments, o.segments)
	out.segments = append(out.segments, Segment{Key: key})
	return out
}

// Segments returns a copy of the segments
func (o OID) Segments() []Segment {
	out := make([]Segment, len(o.segments))
	copy(out, o.segments)
	return out
}

// Len returns the number of segments
func (o OID) Len() int {
	return len(o.segments)
}

// IsZero reports whether o was never parsed
func (o OID) IsZero() bool {
	return len(o.segments) == 0
}

// Unbound reports whether any wildcard still lacks a key
func (o OID) Unbound() bool {
	for _, seg := range o.segments {
		if seg.Wildcard && !seg.Bound {
			return true
		}
	}
	return false
}

// Keys returns the concrete key of every segment. It fails if a wildcard is
// unbound.
func (o OID) Keys() ([]string, error) {
	keys := make([]string, len(o.segments))
	for i, seg := range o.segments {
		if seg.Wildcard && !seg.Bound {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: unbound wildcard at %d in %s", errors.ErrInvalidOID, i, o),
				"oid", "Keys", "resolve keys")
		}
		keys[i] = seg.Key
	}
	return keys, nil
}

// String renders the OID; unbound wildcards print as empty segments
func (o OID) String() string {
	var b strings.Builder
	for _, seg := range o.segments {
		b.WriteByte('/')
		b.WriteString(seg.Key)
	}
	return b.String()
}
