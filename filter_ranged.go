package rtsync

// rangedFilter admits only children between a start and an end post,
// both inclusive.
type rangedFilter struct {
	indexed   *indexedFilter
	index     Index
	startPost NamedNode
	endPost   NamedNode
}

func newRangedFilter(params QueryParams) *rangedFilter {
	idx := params.Index()
	f := &rangedFilter{indexed: newIndexedFilter(idx), index: idx}
	if params.hasStart {
		f.startPost = idx.MakePost(params.startValue, params.indexStartName())
	} else {
		f.startPost = idx.MinPost()
	}
	if params.hasEnd {
		f.endPost = idx.MakePost(params.endValue, params.indexEndName())
	} else {
		f.endPost = idx.MaxPost()
	}
	return f
}

func (f *rangedFilter) matches(nn NamedNode) bool {
	return f.index.Compare(f.startPost, nn) <= 0 && f.index.Compare(nn, f.endPost) <= 0
}

func (f *rangedFilter) UpdateChild(snap Node, key string, newChild Node, affectedPath Path, source CompleteChildSource, acc *ChildChangeAccumulator) Node {
	if !f.matches(NamedNode{Name: key, Node: newChild}) {
		newChild = Empty
	}
	return f.indexed.UpdateChild(snap, key, newChild, affectedPath, source, acc)
}

func (f *rangedFilter) UpdateFullNode(oldSnap, newSnap Node, acc *ChildChangeAccumulator) Node {
	filtered := Empty
	if !newSnap.IsLeaf() {
		filtered = newSnap.WithIndex(f.index).UpdatePriority(Empty)
		for _, nn := range newSnap.Children(PriorityIndex) {
			if !f.matches(nn) {
				filtered = filtered.UpdateImmediateChild(nn.Name, Empty)
			}
		}
	}
	return f.indexed.UpdateFullNode(oldSnap, filtered, acc)
}

// Range queries never carry the parent's priority.
func (f *rangedFilter) UpdatePriority(oldSnap, _ Node) Node { return oldSnap }

func (f *rangedFilter) FiltersNodes() bool        { return true }
func (f *rangedFilter) IndexedFilter() NodeFilter { return f.indexed }
func (f *rangedFilter) Index() Index              { return f.index }
