package rtsync

// WriteRecord is one pending local write: either an overwrite (Snap set) or
// a merge (Children set, keyed by relative path).
type WriteRecord struct {
	WriteID  int64
	Path     Path
	Snap     Node
	Children map[string]Node
	Visible  bool
}

func (w WriteRecord) isOverwrite() bool { return w.Snap != nil }

// containsPath reports whether the write fully covers p.
func (w WriteRecord) containsPath(p Path) bool {
	if w.isOverwrite() {
		return w.Path.Contains(p)
	}
	for k := range w.Children {
		if w.Path.Join(ParsePath(k)).Contains(p) {
			return true
		}
	}
	return false
}

// WriteTree tracks every outstanding local write, oldest first, together
// with a compound write of the visible ones. Folding allWrites in order over
// server data always gives the optimistic value.
type WriteTree struct {
	visibleWrites CompoundWrite
	allWrites     []WriteRecord
	lastWriteID   int64
}

func newWriteTree() *WriteTree {
	return &WriteTree{visibleWrites: emptyCompoundWrite(), lastWriteID: -1}
}

// ChildWrites returns a view of the tree rooted at p.
func (t *WriteTree) ChildWrites(p Path) WriteTreeRef {
	return WriteTreeRef{treePath: p, tree: t}
}

// AddOverwrite records an overwrite. Write ids must increase.
func (t *WriteTree) AddOverwrite(p Path, snap Node, writeID int64, visible bool) {
	assertf(writeID > t.lastWriteID, "stacking an older write on top of newer ones")
	t.allWrites = append(t.allWrites, WriteRecord{WriteID: writeID, Path: p, Snap: snap, Visible: visible})
	if visible {
		t.visibleWrites = t.visibleWrites.AddWrite(p, snap)
	}
	t.lastWriteID = writeID
}

// AddMerge records a merge. Merges are always visible.
func (t *WriteTree) AddMerge(p Path, children map[string]Node, writeID int64) {
	assertf(writeID > t.lastWriteID, "stacking an older merge on top of newer ones")
	t.allWrites = append(t.allWrites, WriteRecord{WriteID: writeID, Path: p, Children: children, Visible: true})
	t.visibleWrites = t.visibleWrites.AddWrites(p, treeFromMap(children))
	t.lastWriteID = writeID
}

// GetWrite returns the pending write with the given id.
func (t *WriteTree) GetWrite(writeID int64) (WriteRecord, bool) {
	for _, w := range t.allWrites {
		if w.WriteID == writeID {
			return w, true
		}
	}
	return WriteRecord{}, false
}

// Len is the number of outstanding writes.
func (t *WriteTree) Len() int { return len(t.allWrites) }

// RemoveWrite drops a write after it was acknowledged or rejected. It
// returns true when the write may have been visible, meaning views
// overlapping its path must re-evaluate. A write completely shadowed by a
// later visible write never needs that.
func (t *WriteTree) RemoveWrite(writeID int64) bool {
	idx := -1
	for i, w := range t.allWrites {
		if w.WriteID == writeID {
			idx = i
			break
		}
	}
	assertf(idx >= 0, "RemoveWrite called with nonexistent write id %d", writeID)
	removed := t.allWrites[idx]
	t.allWrites = append(t.allWrites[:idx:idx], t.allWrites[idx+1:]...)

	wasVisible := removed.Visible
	overlaps := false
	for i := len(t.allWrites) - 1; wasVisible && i >= 0; i-- {
		current := t.allWrites[i]
		if !current.Visible {
			continue
		}
		if i >= idx && current.containsPath(removed.Path) {
			wasVisible = false
		} else if removed.Path.Contains(current.Path) || current.Path.Contains(removed.Path) {
			// Any other write on the same branch may set values the
			// incremental removal would wipe; rebuild instead.
			overlaps = true
		}
	}

	switch {
	case !wasVisible:
		return false
	case overlaps:
		t.resetTree()
		return true
	}
	if removed.isOverwrite() {
		t.visibleWrites = t.visibleWrites.RemoveWrite(removed.Path)
	} else {
		for k := range removed.Children {
			t.visibleWrites = t.visibleWrites.RemoveWrite(removed.Path.Join(ParsePath(k)))
		}
	}
	return true
}

// RemoveAllWrites drops every pending write and returns them, oldest first.
func (t *WriteTree) RemoveAllWrites() []WriteRecord {
	all := t.allWrites
	t.allWrites = nil
	t.visibleWrites = emptyCompoundWrite()
	return all
}

func (t *WriteTree) resetTree() {
	t.visibleWrites = layerTree(t.allWrites, func(w WriteRecord) bool { return w.Visible }, RootPath)
	if n := len(t.allWrites); n > 0 {
		t.lastWriteID = t.allWrites[n-1].WriteID
	} else {
		t.lastWriteID = -1
	}
}

// layerTree folds the accepted writes, oldest first, into a compound write
// rooted at treeRoot.
func layerTree(writes []WriteRecord, accept func(WriteRecord) bool, treeRoot Path) CompoundWrite {
	cw := emptyCompoundWrite()
	for _, w := range writes {
		if !accept(w) {
			continue
		}
		switch {
		case w.isOverwrite() && treeRoot.Contains(w.Path):
			cw = cw.AddWrite(RelativePath(treeRoot, w.Path), w.Snap)
		case w.isOverwrite() && w.Path.Contains(treeRoot):
			cw = cw.AddWrite(RootPath, w.Snap.Child(RelativePath(w.Path, treeRoot)))
		case !w.isOverwrite() && treeRoot.Contains(w.Path):
			cw = cw.AddWrites(RelativePath(treeRoot, w.Path), treeFromMap(w.Children))
		case !w.isOverwrite() && w.Path.Contains(treeRoot):
			rel := RelativePath(w.Path, treeRoot)
			if rel.IsEmpty() {
				cw = cw.AddWrites(RootPath, treeFromMap(w.Children))
				continue
			}
			// Merge keys may span several segments, so look for the
			// entry covering rel rather than only its first segment.
			for k, n := range w.Children {
				kp := ParsePath(k)
				switch {
				case kp.Contains(rel):
					cw = cw.AddWrite(RootPath, n.Child(RelativePath(kp, rel)))
				case rel.Contains(kp):
					cw = cw.AddWrite(RelativePath(rel, kp), n)
				}
			}
		}
	}
	return cw
}

// GetCompleteWriteData returns the visible written value at p, ignoring
// server data.
func (t *WriteTree) GetCompleteWriteData(p Path) Node {
	return t.visibleWrites.GetCompleteNode(p)
}

// CalcCompleteEventCache layers the visible writes over completeServerCache.
// It returns nil when neither the server cache nor the writes give a
// complete value.
func (t *WriteTree) CalcCompleteEventCache(treePath Path, completeServerCache Node) Node {
	if shadow := t.visibleWrites.GetCompleteNode(treePath); shadow != nil {
		return shadow
	}
	sub := t.visibleWrites.ChildCompoundWrite(treePath)
	switch {
	case sub.IsEmpty():
		return completeServerCache
	case completeServerCache == nil && !sub.HasCompleteWrite(RootPath):
		return nil
	}
	base := completeServerCache
	if base == nil {
		base = Empty
	}
	return sub.Apply(base)
}

// CalcCompleteEventCacheExcluding is CalcCompleteEventCache with control over
// which writes take part: writes in exclude are skipped and, with
// includeHidden, invisible writes are layered too.
func (t *WriteTree) CalcCompleteEventCacheExcluding(treePath Path, completeServerCache Node, exclude []int64, includeHidden bool) Node {
	merge := t.visibleWrites.ChildCompoundWrite(treePath)
	if !includeHidden && merge.IsEmpty() {
		return completeServerCache
	}
	if !includeHidden && completeServerCache == nil && !merge.HasCompleteWrite(RootPath) {
		return nil
	}
	excluded := make(map[int64]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}
	accept := func(w WriteRecord) bool {
		return (w.Visible || includeHidden) && !excluded[w.WriteID] &&
			(w.Path.Contains(treePath) || treePath.Contains(w.Path))
	}
	base := completeServerCache
	if base == nil {
		base = Empty
	}
	return layerTree(t.allWrites, accept, treePath).Apply(base)
}

// CalcCompleteEventChildren returns the children for which the writes (or
// the writes over completeServerChildren) give complete data. Used to pre-fill
// new views.
func (t *WriteTree) CalcCompleteEventChildren(treePath Path, completeServerChildren Node) Node {
	complete := Empty
	if top := t.visibleWrites.GetCompleteNode(treePath); top != nil {
		if !top.IsLeaf() {
			for _, nn := range top.Children(PriorityIndex) {
				complete = complete.UpdateImmediateChild(nn.Name, nn.Node)
			}
		}
		return complete
	}
	merge := t.visibleWrites.ChildCompoundWrite(treePath)
	if completeServerChildren != nil {
		for _, nn := range completeServerChildren.Children(PriorityIndex) {
			n := merge.ChildCompoundWrite(NewPath(nn.Name)).Apply(nn.Node)
			complete = complete.UpdateImmediateChild(nn.Name, n)
		}
	}
	for _, nn := range merge.GetCompleteChildren() {
		complete = complete.UpdateImmediateChild(nn.Name, nn.Node)
	}
	return complete
}

// CalcEventCacheAfterServerOverwrite decides what a server change at
// treePath/childPath means for the event cache. It returns nil when a write
// completely shadows the change, so no event may be raised.
func (t *WriteTree) CalcEventCacheAfterServerOverwrite(treePath, childPath Path, existingEventSnap, existingServerSnap Node) Node {
	assertf(existingEventSnap != nil || existingServerSnap != nil, "either existingEventSnap or existingServerSnap must exist")
	p := treePath.Join(childPath)
	if t.visibleWrites.HasCompleteWrite(p) {
		return nil
	}
	childMerge := t.visibleWrites.ChildCompoundWrite(p)
	if childMerge.IsEmpty() {
		return existingServerSnap.Child(childPath)
	}
	return childMerge.Apply(existingServerSnap.Child(childPath))
}

// CalcCompleteChild returns the complete value of one child after applying
// user writes, or nil when neither writes nor server data cover it.
func (t *WriteTree) CalcCompleteChild(treePath Path, childKey string, existingServerSnap CacheNode) Node {
	p := treePath.Child(childKey)
	if shadow := t.visibleWrites.GetCompleteNode(p); shadow != nil {
		return shadow
	}
	if !existingServerSnap.IsCompleteForChild(childKey) {
		return nil
	}
	return t.visibleWrites.ChildCompoundWrite(p).Apply(existingServerSnap.Node().ImmediateChild(childKey))
}

// ShadowingWrite returns the written value covering p, if any.
func (t *WriteTree) ShadowingWrite(p Path) Node {
	return t.visibleWrites.GetCompleteNode(p)
}

// CalcIndexedSlice returns up to count children that follow start in idx
// order (or precede it with reverse), computed over server data with the
// writes applied. Limited views use it to pull children into their window.
func (t *WriteTree) CalcIndexedSlice(treePath Path, completeServerData Node, start NamedNode, count int, reverse bool, idx Index) []NamedNode {
	merge := t.visibleWrites.ChildCompoundWrite(treePath)
	var toIterate Node
	if shadow := merge.GetCompleteNode(RootPath); shadow != nil {
		toIterate = shadow
	} else if completeServerData != nil {
		toIterate = merge.Apply(completeServerData)
	} else {
		return nil
	}
	if toIterate.IsEmpty() || toIterate.IsLeaf() {
		return nil
	}
	ordered := toIterate.Children(idx)
	var out []NamedNode
	if reverse {
		for i := len(ordered) - 1; i >= 0 && len(out) < count; i-- {
			if idx.Compare(ordered[i], start) < 0 {
				out = append(out, ordered[i])
			}
		}
		return out
	}
	for _, nn := range ordered {
		if len(out) >= count {
			break
		}
		if idx.Compare(nn, start) > 0 {
			out = append(out, nn)
		}
	}
	return out
}

// WriteTreeRef is a WriteTree seen from a fixed path. Views hold one so that
// all their lookups are relative to the view's location.
type WriteTreeRef struct {
	treePath Path
	tree     *WriteTree
}

func (r WriteTreeRef) CalcCompleteEventCache(completeServerCache Node) Node {
	return r.tree.CalcCompleteEventCache(r.treePath, completeServerCache)
}

func (r WriteTreeRef) CalcCompleteEventChildren(completeServerChildren Node) Node {
	return r.tree.CalcCompleteEventChildren(r.treePath, completeServerChildren)
}

func (r WriteTreeRef) CalcEventCacheAfterServerOverwrite(p Path, existingEventSnap, existingServerSnap Node) Node {
	return r.tree.CalcEventCacheAfterServerOverwrite(r.treePath, p, existingEventSnap, existingServerSnap)
}

func (r WriteTreeRef) ShadowingWrite(p Path) Node {
	return r.tree.ShadowingWrite(r.treePath.Join(p))
}

func (r WriteTreeRef) CalcIndexedSlice(completeServerData Node, start NamedNode, count int, reverse bool, idx Index) []NamedNode {
	return r.tree.CalcIndexedSlice(r.treePath, completeServerData, start, count, reverse, idx)
}

func (r WriteTreeRef) CalcCompleteChild(childKey string, existingServerCache CacheNode) Node {
	return r.tree.CalcCompleteChild(r.treePath, childKey, existingServerCache)
}

// Child descends one level.
func (r WriteTreeRef) Child(key string) WriteTreeRef {
	return WriteTreeRef{treePath: r.treePath.Child(key), tree: r.tree}
}
