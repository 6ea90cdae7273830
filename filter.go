package rtsync

// NodeFilter applies a query's constraints while a cached node is updated.
// Every change it makes is reported to the accumulator when one is given.
type NodeFilter interface {
	UpdateChild(snap Node, key string, newChild Node, affectedPath Path, source CompleteChildSource, acc *ChildChangeAccumulator) Node
	UpdateFullNode(oldSnap, newSnap Node, acc *ChildChangeAccumulator) Node
	UpdatePriority(oldSnap, newPriority Node) Node
	// FiltersNodes reports whether the filter may drop children, in which
	// case its output is never complete server data.
	FiltersNodes() bool
	IndexedFilter() NodeFilter
	Index() Index
}

// indexedFilter keeps nodes ordered by an index and drops nothing.
type indexedFilter struct {
	index Index
}

func newIndexedFilter(idx Index) *indexedFilter { return &indexedFilter{index: idx} }

func (f *indexedFilter) UpdateChild(snap Node, key string, newChild Node, affectedPath Path, _ CompleteChildSource, acc *ChildChangeAccumulator) Node {
	oldChild := snap.ImmediateChild(key)
	if oldChild.Child(affectedPath).Equals(newChild.Child(affectedPath)) && oldChild.IsEmpty() == newChild.IsEmpty() {
		// Writes to a path a filter ignores can leave the affected child
		// untouched.
		return snap
	}
	if acc != nil {
		switch {
		case newChild.IsEmpty():
			if snap.HasChild(key) {
				acc.TrackChildChange(childRemovedChange(key, oldChild))
			} else {
				assertf(snap.IsLeaf(), "a child remove without an old child only makes sense on a leaf node")
			}
		case oldChild.IsEmpty():
			acc.TrackChildChange(childAddedChange(key, newChild))
		default:
			acc.TrackChildChange(childChangedChange(key, newChild, oldChild))
		}
	}
	if snap.IsLeaf() && newChild.IsEmpty() {
		return snap
	}
	return snap.UpdateImmediateChild(key, newChild).WithIndex(f.index)
}

func (f *indexedFilter) UpdateFullNode(oldSnap, newSnap Node, acc *ChildChangeAccumulator) Node {
	if acc != nil {
		for _, nn := range oldSnap.Children(PriorityIndex) {
			if !newSnap.HasChild(nn.Name) {
				acc.TrackChildChange(childRemovedChange(nn.Name, nn.Node))
			}
		}
		for _, nn := range newSnap.Children(PriorityIndex) {
			if !oldSnap.HasChild(nn.Name) {
				acc.TrackChildChange(childAddedChange(nn.Name, nn.Node))
				continue
			}
			if oldChild := oldSnap.ImmediateChild(nn.Name); !oldChild.Equals(nn.Node) {
				acc.TrackChildChange(childChangedChange(nn.Name, nn.Node, oldChild))
			}
		}
	}
	return newSnap.WithIndex(f.index)
}

func (f *indexedFilter) UpdatePriority(oldSnap, newPriority Node) Node {
	if oldSnap.IsEmpty() {
		return Empty
	}
	return oldSnap.UpdatePriority(newPriority)
}

func (f *indexedFilter) FiltersNodes() bool        { return false }
func (f *indexedFilter) IndexedFilter() NodeFilter { return f }
func (f *indexedFilter) Index() Index              { return f.index }
