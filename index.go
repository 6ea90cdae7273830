package rtsync

import "strings"

// NamedNode is a child together with its key.
type NamedNode struct {
	Name string
	Node Node
}

// Index orders the children of a node. Ties between equal index values are
// always broken by key order, so every Index is a total order.
type Index interface {
	Compare(a, b NamedNode) int
	IsDefinedOn(n Node) bool
	IndexedValueChanged(oldNode, newNode Node) bool
	MinPost() NamedNode
	MaxPost() NamedNode
	// MakePost builds a sentinel sorting exactly where a child with the
	// given index value and key would.
	MakePost(indexValue Node, name string) NamedNode
	String() string
}

var (
	KeyIndex      Index = keyIndex{}
	PriorityIndex Index = priorityIndex{}
	ValueIndex    Index = valueIndex{}
)

// NewPathIndex orders children by the value found at p below each child.
func NewPathIndex(p Path) Index {
	assertf(!p.IsEmpty() && p.Front() != ".priority", "invalid path index %s", p)
	return pathIndex{path: p}
}

func sameIndex(a, b Index) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.String() == b.String()
}

func isKeyIndex(idx Index) bool {
	_, ok := idx.(keyIndex)
	return ok
}

// indexFromString is the inverse of Index.String as used on the wire.
func indexFromString(s string) Index {
	switch s {
	case "", ".priority":
		return PriorityIndex
	case ".key":
		return KeyIndex
	case ".value":
		return ValueIndex
	}
	return NewPathIndex(ParsePath(s))
}

type keyIndex struct{}

func (keyIndex) Compare(a, b NamedNode) int         { return CompareKeys(a.Name, b.Name) }
func (keyIndex) IsDefinedOn(Node) bool              { return true }
func (keyIndex) IndexedValueChanged(_, _ Node) bool { return false }
func (keyIndex) MinPost() NamedNode                 { return NamedNode{Name: MinName, Node: Empty} }
func (keyIndex) MaxPost() NamedNode                 { return NamedNode{Name: MaxName, Node: Empty} }
func (keyIndex) String() string                     { return ".key" }
func (keyIndex) MakePost(v Node, _ string) NamedNode {
	name, ok := v.Value(false).(string)
	assertf(ok, "key index post must be a string")
	return NamedNode{Name: name, Node: Empty}
}

type priorityIndex struct{}

func (priorityIndex) Compare(a, b NamedNode) int {
	if c := a.Node.Priority().compareTo(b.Node.Priority()); c != 0 {
		return c
	}
	return CompareKeys(a.Name, b.Name)
}

func (priorityIndex) IsDefinedOn(n Node) bool { return !n.Priority().IsEmpty() }

func (priorityIndex) IndexedValueChanged(oldNode, newNode Node) bool {
	return !oldNode.Priority().Equals(newNode.Priority())
}

func (priorityIndex) MinPost() NamedNode { return NamedNode{Name: MinName, Node: Empty} }

func (priorityIndex) MaxPost() NamedNode {
	return NamedNode{Name: MaxName, Node: newLeaf("[PRIORITY-POST]", maxNode)}
}

func (priorityIndex) MakePost(v Node, name string) NamedNode {
	return NamedNode{Name: name, Node: newLeaf("[PRIORITY-POST]", v)}
}

func (priorityIndex) String() string { return ".priority" }

type valueIndex struct{}

func (valueIndex) Compare(a, b NamedNode) int {
	if c := a.Node.compareTo(b.Node); c != 0 {
		return c
	}
	return CompareKeys(a.Name, b.Name)
}

func (valueIndex) IsDefinedOn(Node) bool                          { return true }
func (valueIndex) IndexedValueChanged(oldNode, newNode Node) bool { return !oldNode.Equals(newNode) }
func (valueIndex) MinPost() NamedNode                             { return NamedNode{Name: MinName, Node: Empty} }
func (valueIndex) MaxPost() NamedNode                             { return NamedNode{Name: MaxName, Node: maxNode} }
func (valueIndex) MakePost(v Node, name string) NamedNode         { return NamedNode{Name: name, Node: v} }
func (valueIndex) String() string                                 { return ".value" }

type pathIndex struct {
	path Path
}

func (i pathIndex) Compare(a, b NamedNode) int {
	if c := a.Node.Child(i.path).compareTo(b.Node.Child(i.path)); c != 0 {
		return c
	}
	return CompareKeys(a.Name, b.Name)
}

func (i pathIndex) IsDefinedOn(n Node) bool { return !n.Child(i.path).IsEmpty() }

func (i pathIndex) IndexedValueChanged(oldNode, newNode Node) bool {
	return !oldNode.Child(i.path).Equals(newNode.Child(i.path))
}

func (i pathIndex) MinPost() NamedNode { return NamedNode{Name: MinName, Node: Empty} }

func (i pathIndex) MaxPost() NamedNode {
	return NamedNode{Name: MaxName, Node: Empty.UpdateChild(i.path, maxNode)}
}

func (i pathIndex) MakePost(v Node, name string) NamedNode {
	return NamedNode{Name: name, Node: Empty.UpdateChild(i.path, v)}
}

func (i pathIndex) String() string { return strings.Join(i.path.segs, "/") }
