package state

import (
	"strings"
)

// Kind distinguishes documents from collections
type Kind int

const (
	// KindDocument is a leaf holding typed attributes
	KindDocument Kind = iota
	// KindCollection holds insertion-ordered children
	KindCollection
)

// String returns the kind name
func (k Kind) String() string {
	switch k {
	case KindDocument:
		return "document"
	case KindCollection:
		return "collection"
	default:
		return "unknown"
	}
}

// Node is a document or collection in the tree
type Node interface {
	ID() string
	Kind() Kind
	Parent() *Collection
	Path() string
	Persistent() bool
}

// node holds the fields shared by documents and collections. parent is
// written once, before the node becomes reachable from the root.
type node struct {
	id         string
	parent     *Collection
	persistent bool
	tree       *Tree
}

func (n *node) ID() string {
	return n.id
}

func (n *node) Parent() *Collection {
	return n.parent
}

func (n *node) Persistent() bool {
	return n.persistent
}

// Path returns the slash-separated keys from the root; the root is "/"
func (n *node) Path() string {
	if n.parent == nil {
		return "/"
	}
	var parts []string
	for cur := n; cur.parent != nil; cur = &cur.parent.node {
		parts = append(parts, cur.id)
	}
	var b strings.Builder
	for i := len(parts) - 1; i >= 0; i-- {
		b.WriteByte('/')
		b.WriteString(parts[i])
	}
	return b.String()
}

// NodeOption configures a node at creation
type NodeOption func(*node)

// Persistent marks a node for write-behind persistence. Children of a
// persistent collection inherit the flag.
func Persistent() NodeOption {
	return func(n *node) {
		n.persistent = true
	}
}

func newNode(tree *Tree, id string, parent *Collection, opts []NodeOption) node {
	n := node{id: id, parent: parent, tree: tree}
	if parent != nil && parent.persistent {
		n.persistent = true
	}
	for _, opt := range opts {
		opt(&n)
	}
	return n
}
