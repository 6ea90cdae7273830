package rtsync

// OperationSource records where an operation came from. Server operations
// may be tagged, in which case they target exactly one query's view.
type OperationSource struct {
	FromUser   bool
	FromServer bool
	QueryID    string
	Tagged     bool
}

var (
	sourceUser   = OperationSource{FromUser: true}
	sourceServer = OperationSource{FromServer: true}
)

func sourceServerTaggedQuery(queryID string) OperationSource {
	return OperationSource{FromServer: true, QueryID: queryID, Tagged: true}
}

// Operation is a change applied to views. The set of implementations is
// closed: *Overwrite, *Merge, *AckUserWrite and *ListenComplete.
type Operation interface {
	Source() OperationSource
	Path() Path
	// ForChild re-roots the operation one level down at key. It returns nil
	// when the operation does not affect that child.
	ForChild(key string) Operation

	operation()
}

// Overwrite replaces the value at a path.
type Overwrite struct {
	source OperationSource
	path   Path
	Snap   Node
}

func newOverwrite(source OperationSource, p Path, snap Node) *Overwrite {
	return &Overwrite{source: source, path: p, Snap: snap}
}

func (o *Overwrite) Source() OperationSource { return o.source }
func (o *Overwrite) Path() Path              { return o.path }
func (*Overwrite) operation()                {}

func (o *Overwrite) ForChild(key string) Operation {
	if o.path.IsEmpty() {
		return newOverwrite(o.source, RootPath, o.Snap.ImmediateChild(key))
	}
	if o.path.Front() != key {
		return nil
	}
	return newOverwrite(o.source, o.path.PopFront(), o.Snap)
}

// Merge overwrites several descendants of a path at once. Children is keyed
// by path relative to the merge location.
type Merge struct {
	source   OperationSource
	path     Path
	Children *ImmutableTree[Node]
}

func newMerge(source OperationSource, p Path, children *ImmutableTree[Node]) *Merge {
	return &Merge{source: source, path: p, Children: children}
}

func (m *Merge) Source() OperationSource { return m.source }
func (m *Merge) Path() Path              { return m.path }
func (*Merge) operation()                {}

func (m *Merge) ForChild(key string) Operation {
	if m.path.IsEmpty() {
		child := m.Children.Subtree(NewPath(key))
		if child.IsEmpty() {
			return nil
		}
		if v, ok := child.Value(); ok {
			return newOverwrite(m.source, RootPath, v)
		}
		return newMerge(m.source, RootPath, child)
	}
	if m.path.Front() != key {
		return nil
	}
	return newMerge(m.source, m.path.PopFront(), m.Children)
}

// AckUserWrite removes a user write from the views, either because the
// server confirmed it or, with Revert set, because it was rejected.
// AffectedTree marks the paths (relative to Path) the write touched.
type AckUserWrite struct {
	path         Path
	AffectedTree *ImmutableTree[bool]
	Revert       bool
}

func newAckUserWrite(p Path, affected *ImmutableTree[bool], revert bool) *AckUserWrite {
	return &AckUserWrite{path: p, AffectedTree: affected, Revert: revert}
}

func (a *AckUserWrite) Source() OperationSource { return sourceUser }
func (a *AckUserWrite) Path() Path              { return a.path }
func (*AckUserWrite) operation()                {}

func (a *AckUserWrite) ForChild(key string) Operation {
	if !a.path.IsEmpty() {
		if a.path.Front() != key {
			return nil
		}
		return newAckUserWrite(a.path.PopFront(), a.AffectedTree, a.Revert)
	}
	if _, ok := a.AffectedTree.Value(); ok {
		assertf(len(a.AffectedTree.children) == 0, "affectedTree should not have overlapping affected paths")
		return a
	}
	child := a.AffectedTree.Subtree(NewPath(key))
	if child.IsEmpty() {
		return nil
	}
	return newAckUserWrite(RootPath, child, a.Revert)
}

// ListenComplete marks the server data at a path as fully loaded.
type ListenComplete struct {
	source OperationSource
	path   Path
}

func newListenComplete(source OperationSource, p Path) *ListenComplete {
	return &ListenComplete{source: source, path: p}
}

func (l *ListenComplete) Source() OperationSource { return l.source }
func (l *ListenComplete) Path() Path              { return l.path }
func (*ListenComplete) operation()                {}

func (l *ListenComplete) ForChild(key string) Operation {
	if l.path.IsEmpty() {
		return newListenComplete(l.source, RootPath)
	}
	if l.path.Front() != key {
		return nil
	}
	return newListenComplete(l.source, l.path.PopFront())
}
