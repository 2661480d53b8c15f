// Package topology holds the spanning tree carried by election tokens.
//
// A Tree is an arena of nodes indexed by id. Parent links are stored as ids
// and children as ordered id lists, so a tree has no pointer cycles and a
// Clone is a plain value copy. On the wire the tree is a recursive JSON
// object; decoding rejects snapshots in which an id appears more than once.
package topology

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrDuplicateNode = errors.New("topology: duplicate node")
	ErrUnknownNode   = errors.New("topology: unknown node")
	ErrEmptyID       = errors.New("topology: empty node id")
)

// Node is one vertex of the tree.
type Node struct {
	ID       string
	Parent   string // empty for the root
	Children []string
	Ready    bool
}

// Tree is a rooted tree snapshot for one round.
type Tree struct {
	root  string
	nodes map[string]*Node
}

// New returns a tree containing only root.
func New(root string) *Tree {
	return &Tree{
		root:  root,
		nodes: map[string]*Node{root: {ID: root}},
	}
}

// Root returns the id of the root node.
func (t *Tree) Root() string { return t.root }

// Len returns the number of distinct ids in the tree.
func (t *Tree) Len() int { return len(t.nodes) }

// Has reports whether id appears anywhere in the tree.
func (t *Tree) Has(id string) bool {
	_, ok := t.nodes[id]
	return ok
}

// Get returns a copy of the node for id.
func (t *Tree) Get(id string) (Node, bool) {
	n, ok := t.nodes[id]
	if !ok {
		return Node{}, false
	}
	cp := *n
	cp.Children = append([]string(nil), n.Children...)
	return cp, true
}

// IsChild reports whether child is a direct child of parent.
func (t *Tree) IsChild(parent, child string) bool {
	n, ok := t.nodes[child]
	return ok && n.Parent == parent && child != t.root
}

// AddChild appends child under parent.
func (t *Tree) AddChild(parent, child string) error {
	if child == "" {
		return ErrEmptyID
	}
	p, ok := t.nodes[parent]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, parent)
	}
	if _, dup := t.nodes[child]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, child)
	}
	p.Children = append(p.Children, child)
	t.nodes[child] = &Node{ID: child, Parent: parent}
	return nil
}

// MarkReady flags id as having exhausted its unvisited neighbors.
func (t *Tree) MarkReady(id string) error {
	n, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	n.Ready = true
	return nil
}

// Subtree returns id and all of its descendants in depth-first pre-order.
// It returns nil if id is not in the tree.
func (t *Tree) Subtree(id string) []string {
	if !t.Has(id) {
		return nil
	}
	var out []string
	var walk func(string)
	walk = func(cur string) {
		out = append(out, cur)
		for _, c := range t.nodes[cur].Children {
			walk(c)
		}
	}
	walk(id)
	return out
}

// IDs returns every id in the tree in depth-first pre-order from the root.
func (t *Tree) IDs() []string { return t.Subtree(t.root) }

// Clone returns an independent copy of t.
func (t *Tree) Clone() *Tree {
	cp := &Tree{root: t.root, nodes: make(map[string]*Node, len(t.nodes))}
	for id, n := range t.nodes {
		nn := *n
		nn.Children = append([]string(nil), n.Children...)
		cp.nodes[id] = &nn
	}
	return cp
}

// Render returns an indented, one-node-per-line representation of the tree.
// label maps an id to the text printed for it; nil prints the bare id.
func (t *Tree) Render(label func(id string) string) string {
	if label == nil {
		label = func(id string) string { return id }
	}
	var b strings.Builder
	var walk func(string, int)
	walk = func(id string, depth int) {
		n := t.nodes[id]
		b.WriteString(strings.Repeat("  ", depth))
		if depth > 0 {
			b.WriteString("└─ ")
		}
		b.WriteString(label(id))
		if n.Ready {
			b.WriteString(" ✓")
		}
		b.WriteByte('\n')
		for _, c := range n.Children {
			walk(c, depth+1)
		}
	}
	walk(t.root, 0)
	return b.String()
}

func (t *Tree) String() string { return t.Render(nil) }

// wireNode is the recursive JSON form of a tree node.
type wireNode struct {
	ID       string     `json:"id"`
	ParentID string     `json:"parentId,omitempty"`
	Children []wireNode `json:"children"`
	Ready    bool       `json:"ready"`
}

func (t *Tree) toWire(id string) wireNode {
	n := t.nodes[id]
	w := wireNode{ID: n.ID, ParentID: n.Parent, Ready: n.Ready, Children: []wireNode{}}
	for _, c := range n.Children {
		w.Children = append(w.Children, t.toWire(c))
	}
	return w
}

// MarshalJSON encodes the tree in its recursive wire form.
func (t *Tree) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.toWire(t.root))
}

// UnmarshalJSON decodes the recursive wire form. Parent links are derived
// from the nesting; a repeated id anywhere in the snapshot is rejected.
func (t *Tree) UnmarshalJSON(b []byte) error {
	var w wireNode
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if w.ID == "" {
		return ErrEmptyID
	}
	tree := &Tree{root: w.ID, nodes: make(map[string]*Node)}
	if err := tree.fromWire(w, ""); err != nil {
		return err
	}
	*t = *tree
	return nil
}

func (t *Tree) fromWire(w wireNode, parent string) error {
	if w.ID == "" {
		return ErrEmptyID
	}
	if _, dup := t.nodes[w.ID]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, w.ID)
	}
	n := &Node{ID: w.ID, Parent: parent, Ready: w.Ready}
	t.nodes[w.ID] = n
	for _, c := range w.Children {
		if err := t.fromWire(c, w.ID); err != nil {
			return err
		}
		n.Children = append(n.Children, c.ID)
	}
	return nil
}
