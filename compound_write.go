package rtsync

// CompoundWrite is a set of overwrites layered into a tree. A write at a
// path shadows every write below it; writes on disjoint paths coexist.
type CompoundWrite struct {
	tree *ImmutableTree[Node]
}

func emptyCompoundWrite() CompoundWrite {
	return CompoundWrite{tree: newImmutableTree[Node]()}
}

func (w CompoundWrite) IsEmpty() bool { return w.tree.IsEmpty() }

// AddWrite layers n at p. If a write already covers p, n is folded into it.
func (w CompoundWrite) AddWrite(p Path, n Node) CompoundWrite {
	if p.IsEmpty() {
		return CompoundWrite{tree: newImmutableTreeValue[Node](n)}
	}
	if rootPath, rootValue, ok := w.tree.FindRootMostValueAndPath(p); ok {
		rel := RelativePath(rootPath, p)
		return CompoundWrite{tree: w.tree.Set(rootPath, rootValue.UpdateChild(rel, n))}
	}
	return CompoundWrite{tree: w.tree.SetTree(p, newImmutableTreeValue[Node](n))}
}

// AddWrites layers every entry of children (keyed by relative path) below p.
func (w CompoundWrite) AddWrites(p Path, children *ImmutableTree[Node]) CompoundWrite {
	out := w
	children.ForEach(func(rel Path, n Node) {
		out = out.AddWrite(p.Join(rel), n)
	})
	return out
}

// RemoveWrite drops whatever is stored at or below p. Writes above p are
// untouched, so this only undoes writes made exactly at p or deeper.
func (w CompoundWrite) RemoveWrite(p Path) CompoundWrite {
	if p.IsEmpty() {
		return emptyCompoundWrite()
	}
	return CompoundWrite{tree: w.tree.SetTree(p, newImmutableTree[Node]())}
}

// HasCompleteWrite reports whether some write fully covers p.
func (w CompoundWrite) HasCompleteWrite(p Path) bool {
	return w.GetCompleteNode(p) != nil
}

// GetCompleteNode returns the written value at p if a write covers it.
func (w CompoundWrite) GetCompleteNode(p Path) Node {
	if rootPath, rootValue, ok := w.tree.FindRootMostValueAndPath(p); ok {
		return rootValue.Child(RelativePath(rootPath, p))
	}
	return nil
}

// GetCompleteChildren lists the direct children that are fully written.
func (w CompoundWrite) GetCompleteChildren() []NamedNode {
	var out []NamedNode
	if v, ok := w.tree.Value(); ok {
		if !v.IsLeaf() {
			out = append(out, v.Children(PriorityIndex)...)
		}
		return out
	}
	w.tree.ForEachChild(func(key string, n Node) {
		out = append(out, NamedNode{Name: key, Node: n})
	})
	return out
}

// ChildCompoundWrite re-roots the write at p.
func (w CompoundWrite) ChildCompoundWrite(p Path) CompoundWrite {
	if p.IsEmpty() {
		return w
	}
	if shadow := w.GetCompleteNode(p); shadow != nil {
		return CompoundWrite{tree: newImmutableTreeValue[Node](shadow)}
	}
	return CompoundWrite{tree: w.tree.Subtree(p)}
}

// Apply layers the writes over n.
func (w CompoundWrite) Apply(n Node) Node {
	return applySubtreeWrite(RootPath, w.tree, n)
}

func applySubtreeWrite(rel Path, tree *ImmutableTree[Node], n Node) Node {
	if v, ok := tree.Value(); ok {
		return n.UpdateChild(rel, v)
	}
	var priorityWrite Node
	for _, key := range tree.ChildKeys() {
		child := tree.childTree(key)
		if key == ".priority" {
			v, ok := child.Value()
			assertf(ok, "priority writes must always be leaf nodes")
			priorityWrite = v
			continue
		}
		n = applySubtreeWrite(rel.Child(key), child, n)
	}
	if priorityWrite != nil && !n.Child(rel).IsEmpty() {
		n = n.UpdateChild(rel.Child(".priority"), priorityWrite)
	}
	return n
}
