package state

import (
	"fmt"
	"sync"

	"github.com/sandpolis/agent/errors"
)

// Collection is an insertion-ordered set of child nodes
type Collection struct {
	node
	mu       sync.RWMutex
	children map[string]Node
	order    []string
}

func newCollection(tree *Tree, id string, parent *Collection, opts []NodeOption) *Collection {
	return &Collection{
		node:     newNode(tree, id, parent, opts),
		children: make(map[string]Node),
	}
}

// Kind returns KindCollection
func (c *Collection) Kind() Kind {
	return KindCollection
}

// Child looks up a direct child
func (c *Collection) Child(id string) (Node, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.children[id]
	return n, ok
}

// Document returns the child document id
func (c *Collection) Document(id string) (*Document, error) {
	n, ok := c.Child(id)
	if !ok {
		return nil, noSuchChild(c, id)
	}
	doc, ok := n.(*Document)
	if !ok {
		return nil, wrongKind(n, KindDocument)
	}
	return doc, nil
}

// Collection returns the child collection id
func (c *Collection) Collection(id string) (*Collection, error) {
	n, ok := c.Child(id)
	if !ok {
		return nil, noSuchChild(c, id)
	}
	col, ok := n.(*Collection)
	if !ok {
		return nil, wrongKind(n, KindCollection)
	}
	return col, nil
}

// CreateDocument adds a new document. It fails with ErrChildExists if id is taken.
func (c *Collection) CreateDocument(id string, opts ...NodeOption) (*Document, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	doc := newDocument(c.tree, id, c, opts)
	if err := c.attach(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// CreateCollection adds a new collection. It fails with ErrChildExists if id is taken.
func (c *Collection) CreateCollection(id string, opts ...NodeOption) (*Collection, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	col := newCollection(c.tree, id, c, opts)
	if err := c.attach(col); err != nil {
		return nil, err
	}
	return col, nil
}

// Keys returns child ids in insertion order
func (c *Collection) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Len returns the number of children
func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

// Documents returns the child documents in insertion order
func (c *Collection) Documents() []*Document {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Document, 0, len(c.order))
	for _, id := range c.order {
		if doc, ok := c.children[id].(*Document); ok {
			out = append(out, doc)
		}
	}
	return out
}

// Remove detaches a child. Persistent documents beneath it are deleted from
// the backing store. It reports false if id was absent.
func (c *Collection) Remove(id string) bool {
	c.mu.Lock()
	n, ok := c.children[id]
	if ok {
		delete(c.children, id)
		for i, key := range c.order {
			if key == id {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
	}
	c.mu.Unlock()

	if ok && c.tree != nil {
		c.tree.forget(n)
	}
	return ok
}

// attach inserts a fully built node under the collection lock
func (c *Collection) attach(n Node) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.children[n.ID()]; exists {
		return errors.WrapInvalid(fmt.Errorf("%w: %s/%s", errors.ErrChildExists, trimRoot(c.Path()), n.ID()),
			"Collection", "attach", "insert child")
	}
	c.children[n.ID()] = n
	c.order = append(c.order, n.ID())
	return nil
}

// attachOrGet inserts n unless id is taken, in which case the existing node
// is returned with inserted=false
func (c *Collection) attachOrGet(n Node) (existing Node, inserted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, exists := c.children[n.ID()]; exists {
		return cur, false
	}
	c.children[n.ID()] = n
	c.order = append(c.order, n.ID())
	return n, true
}

func validID(id string) error {
	for i := 0; i < len(id); i++ {
		if id[i] == '/' {
			return errors.WrapInvalid(fmt.Errorf("%w: id %q contains '/'", errors.ErrInvalidOID, id),
				"Collection", "create", "validate id")
		}
	}
	if id == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: empty id", errors.ErrInvalidOID),
			"Collection", "create", "validate id")
	}
	return nil
}

func noSuchChild(c *Collection, id string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s/%s", errors.ErrNoSuchChild, trimRoot(c.Path()), id),
		"Collection", "lookup", "find child")
}

func wrongKind(n Node, want Kind) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s is a %s, want %s", errors.ErrNodeKind, n.Path(), n.Kind(), want),
		"Collection", "lookup", "check kind")
}

func trimRoot(p string) string {
	if p == "/" {
		return ""
	}
	return p
}
