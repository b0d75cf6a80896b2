package dialog

import (
	"errors"
	"fmt"
	"slices"

	"github.com/voicetyped/vi/pkg/speech"
)

// RootKey is the key of the implicit root node.
const RootKey = "root"

var (
	// ErrNotFound is returned for unknown node keys or handles.
	ErrNotFound = errors.New("dialog node not found")
	// ErrCycle is returned when re-parenting would make a node its own ancestor.
	ErrCycle = errors.New("dialog tree cycle")
)

// NodeSpec is the declarative form of a node and its subtree.
type NodeSpec struct {
	Key       string
	Speaker   Speaker
	Priority  Priority
	Template  string
	Condition Condition
	Flags     Flag
	HandlerID string
	Payload   map[string]string
	Disabled  bool
	Children  []NodeSpec
}

// Tree is an arena of nodes rooted at a None-speaker node. Nodes are never
// removed; handles stay valid for the life of the tree.
type Tree struct {
	nodes    []*Node
	root     NodeID
	byKey    map[string]NodeID
	grammars []*Grammar
	byHandle map[speech.GrammarHandle]*Grammar
}

// NewTree returns a tree holding only the root.
func NewTree() *Tree {
	t := &Tree{
		byKey:    make(map[string]NodeID),
		byHandle: make(map[speech.GrammarHandle]*Grammar),
	}
	t.root = t.Add(Node{Key: RootKey, Speaker: SpeakerNone, Priority: PriorityNormal})
	return t
}

// Add places n in the arena, detached, and returns its handle. Player nodes
// get their grammars compiled here.
func (t *Tree) Add(n Node) NodeID {
	id := NodeID(len(t.nodes))
	n.ID = id
	n.parent = NoNode
	n.children = nil
	if n.Key == "" {
		n.Key = fmt.Sprintf("node-%d", id)
	}
	node := &n
	t.nodes = append(t.nodes, node)
	if _, dup := t.byKey[n.Key]; !dup {
		t.byKey[n.Key] = id
	}
	if n.Speaker.behavior().grammar {
		for _, rule := range CompileRules(n.Template) {
			t.grammars = append(t.grammars, &Grammar{Node: id, Source: n.Template, Rule: rule})
		}
	}
	return id
}

// Register attaches id under parent, detaching it from any previous parent
// first.
func (t *Tree) Register(id, parent NodeID) error {
	n, p := t.Node(id), t.Node(parent)
	if n == nil || p == nil {
		return ErrNotFound
	}
	if id == t.root {
		return fmt.Errorf("register root: %w", ErrCycle)
	}
	for a := parent; a != NoNode; a = t.nodes[a].parent {
		if a == id {
			return fmt.Errorf("register %q under %q: %w", n.Key, p.Key, ErrCycle)
		}
	}
	if n.parent != NoNode {
		old := t.nodes[n.parent]
		old.children = slices.DeleteFunc(old.children, func(c NodeID) bool { return c == id })
	}
	n.parent = parent
	p.children = append(p.children, id)
	return nil
}

// BuildTree registers a declarative forest under a fresh root.
func BuildTree(forest []NodeSpec) (*Tree, error) {
	t := NewTree()
	for _, spec := range forest {
		if _, err := t.build(spec, t.root); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Tree) build(spec NodeSpec, parent NodeID) (NodeID, error) {
	if spec.Key != "" {
		if _, dup := t.byKey[spec.Key]; dup {
			return NoNode, fmt.Errorf("duplicate node key %q", spec.Key)
		}
	}
	id := t.Add(Node{
		Key:       spec.Key,
		Speaker:   spec.Speaker,
		Priority:  spec.Priority,
		Template:  spec.Template,
		Condition: spec.Condition,
		Flags:     spec.Flags,
		HandlerID: spec.HandlerID,
		Payload:   spec.Payload,
		Disabled:  spec.Disabled,
	})
	if err := t.Register(id, parent); err != nil {
		return NoNode, err
	}
	for _, child := range spec.Children {
		if _, err := t.build(child, id); err != nil {
			return NoNode, err
		}
	}
	return id, nil
}

// Root returns the root handle.
func (t *Tree) Root() NodeID { return t.root }

// Node returns the node for id, or nil.
func (t *Tree) Node(id NodeID) *Node {
	if id < 0 || int(id) >= len(t.nodes) {
		return nil
	}
	return t.nodes[id]
}

// Lookup returns the handle registered for key.
func (t *Tree) Lookup(key string) (NodeID, bool) {
	id, ok := t.byKey[key]
	return id, ok
}

// Nodes returns the flat index in handle order.
func (t *Tree) Nodes() []*Node { return t.nodes }

// Len returns the number of nodes including the root.
func (t *Tree) Len() int { return len(t.nodes) }

// Grammars returns the grammar table.
func (t *Tree) Grammars() []*Grammar { return t.grammars }

// BindGrammar records the recognizer handle compiled for g.
func (t *Tree) BindGrammar(g *Grammar, h speech.GrammarHandle) {
	if g.Handle != "" {
		delete(t.byHandle, g.Handle)
	}
	g.Handle = h
	t.byHandle[h] = g
}

// GrammarFor routes a recognizer handle back to its grammar.
func (t *Tree) GrammarFor(h speech.GrammarHandle) (*Grammar, bool) {
	g, ok := t.byHandle[h]
	return g, ok
}

// CheckCondition evaluates the node's predicate; nodes without one pass.
func (t *Tree) CheckCondition(id NodeID) bool {
	n := t.Node(id)
	if n == nil {
		return false
	}
	if n.Condition == nil {
		return true
	}
	return n.Condition()
}

// Key returns the key of id, or "" for NoNode.
func (t *Tree) Key(id NodeID) string {
	if n := t.Node(id); n != nil {
		return n.Key
	}
	return ""
}
