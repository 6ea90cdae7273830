package rtsync

// limitedFilter keeps at most limit children of a range, taken from the
// front of the index order or, when reverse is set, from the back.
type limitedFilter struct {
	ranged  *rangedFilter
	index   Index
	limit   int
	reverse bool
}

func newLimitedFilter(params QueryParams) *limitedFilter {
	return &limitedFilter{
		ranged:  newRangedFilter(params),
		index:   params.Index(),
		limit:   params.limit,
		reverse: !params.viewFromLeft(),
	}
}

// compare orders children so that the window always starts at the front.
func (f *limitedFilter) compare(a, b NamedNode) int {
	if f.reverse {
		return f.index.Compare(b, a)
	}
	return f.index.Compare(a, b)
}

func (f *limitedFilter) UpdateChild(snap Node, key string, newChild Node, affectedPath Path, source CompleteChildSource, acc *ChildChangeAccumulator) Node {
	if !f.ranged.matches(NamedNode{Name: key, Node: newChild}) {
		newChild = Empty
	}
	switch {
	case snap.ImmediateChild(key).Equals(newChild):
		return snap
	case snap.NumChildren() < f.limit:
		return f.ranged.IndexedFilter().UpdateChild(snap, key, newChild, affectedPath, source, acc)
	}
	return f.fullLimitUpdateChild(snap, key, newChild, source, acc)
}

// fullLimitUpdateChild handles a change to a window that is already full:
// an insertion may evict the boundary child, and a child leaving the window
// is replaced by the next one found through source.
func (f *limitedFilter) fullLimitUpdateChild(snap Node, key string, childSnap Node, source CompleteChildSource, acc *ChildChangeAccumulator) Node {
	assertf(snap.NumChildren() == f.limit, "limited filter window must be full")
	ordered := snap.Children(f.index)
	boundary := ordered[len(ordered)-1]
	if f.reverse {
		boundary = ordered[0]
	}
	newChild := NamedNode{Name: key, Node: childSnap}
	inRange := f.ranged.matches(newChild)

	if snap.HasChild(key) {
		oldChild := snap.ImmediateChild(key)
		next, ok := source.ChildAfterChild(f.index, boundary, f.reverse)
		for ok && (next.Name == key || snap.HasChild(next.Name)) {
			// A child changed by a merge in the write tree that this
			// filter has not seen yet; it is handled later.
			next, ok = source.ChildAfterChild(f.index, next, f.reverse)
		}
		compareNext := 1
		if ok {
			compareNext = f.compare(next, newChild)
		}
		if inRange && !childSnap.IsEmpty() && compareNext >= 0 {
			if acc != nil {
				acc.TrackChildChange(childChangedChange(key, childSnap, oldChild))
			}
			return snap.UpdateImmediateChild(key, childSnap)
		}
		if acc != nil {
			acc.TrackChildChange(childRemovedChange(key, oldChild))
		}
		out := snap.UpdateImmediateChild(key, Empty)
		if ok && f.ranged.matches(next) {
			if acc != nil {
				acc.TrackChildChange(childAddedChange(next.Name, next.Node))
			}
			out = out.UpdateImmediateChild(next.Name, next.Node)
		}
		return out
	}

	if childSnap.IsEmpty() || !inRange {
		return snap
	}
	if f.compare(boundary, newChild) >= 0 {
		if acc != nil {
			acc.TrackChildChange(childRemovedChange(boundary.Name, boundary.Node))
			acc.TrackChildChange(childAddedChange(key, childSnap))
		}
		return snap.UpdateImmediateChild(key, childSnap).UpdateImmediateChild(boundary.Name, Empty)
	}
	return snap
}

func (f *limitedFilter) UpdateFullNode(oldSnap, newSnap Node, acc *ChildChangeAccumulator) Node {
	filtered := Empty
	if !newSnap.IsLeaf() && !newSnap.IsEmpty() {
		filtered = newSnap.WithIndex(f.index).UpdatePriority(Empty)
		startPost, endPost := f.ranged.startPost, f.ranged.endPost
		ordered := filtered.Children(f.index)
		if f.reverse {
			startPost, endPost = endPost, startPost
			rev := make([]NamedNode, len(ordered))
			for i, nn := range ordered {
				rev[len(ordered)-1-i] = nn
			}
			ordered = rev
		}
		count := 0
		for _, nn := range ordered {
			if count < f.limit && f.compare(startPost, nn) <= 0 && f.compare(nn, endPost) <= 0 {
				count++
				continue
			}
			filtered = filtered.UpdateImmediateChild(nn.Name, Empty)
		}
	}
	return f.ranged.IndexedFilter().UpdateFullNode(oldSnap, filtered, acc)
}

// Limit queries never carry the parent's priority.
func (f *limitedFilter) UpdatePriority(oldSnap, _ Node) Node { return oldSnap }

func (f *limitedFilter) FiltersNodes() bool        { return true }
func (f *limitedFilter) IndexedFilter() NodeFilter { return f.ranged.IndexedFilter() }
func (f *limitedFilter) Index() Index              { return f.index }
