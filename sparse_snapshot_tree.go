package rtsync

// sparseSnapshotTree remembers values at arbitrary paths. Remembering a
// value replaces everything below it; forgetting carves a hole. The repo
// keeps onDisconnect writes in one.
type sparseSnapshotTree struct {
	value    Node
	children map[string]*sparseSnapshotTree
}

func newSparseSnapshotTree() *sparseSnapshotTree {
	return &sparseSnapshotTree{children: make(map[string]*sparseSnapshotTree)}
}

func (t *sparseSnapshotTree) find(p Path) Node {
	if t.value != nil {
		return t.value.Child(p)
	}
	if p.IsEmpty() {
		return nil
	}
	child, ok := t.children[p.Front()]
	if !ok {
		return nil
	}
	return child.find(p.PopFront())
}

func (t *sparseSnapshotTree) remember(p Path, n Node) {
	if p.IsEmpty() {
		t.value = n
		t.children = make(map[string]*sparseSnapshotTree)
		return
	}
	if t.value != nil {
		t.value = t.value.UpdateChild(p, n)
		return
	}
	key := p.Front()
	child, ok := t.children[key]
	if !ok {
		child = newSparseSnapshotTree()
		t.children[key] = child
	}
	child.remember(p.PopFront(), n)
}

// forget removes the value at p and reports whether the tree is now empty.
func (t *sparseSnapshotTree) forget(p Path) bool {
	if p.IsEmpty() {
		t.value = nil
		t.children = make(map[string]*sparseSnapshotTree)
		return true
	}
	if t.value != nil {
		if t.value.IsLeaf() {
			// Forgetting below a leaf is a no-op.
			return false
		}
		value := t.value
		t.value = nil
		for _, nn := range value.Children(KeyIndex) {
			t.remember(NewPath(nn.Name), nn.Node)
		}
		return t.forget(p)
	}
	key := p.Front()
	if child, ok := t.children[key]; ok {
		if child.forget(p.PopFront()) {
			delete(t.children, key)
		}
	}
	return len(t.children) == 0
}

// forEachTree visits every remembered value with its full path.
func (t *sparseSnapshotTree) forEachTree(prefix Path, fn func(Path, Node)) {
	if t.value != nil {
		fn(prefix, t.value)
		return
	}
	for _, key := range sortedKeys(t.children) {
		t.children[key].forEachTree(prefix.Child(key), fn)
	}
}

func (t *sparseSnapshotTree) isEmpty() bool {
	return t.value == nil && len(t.children) == 0
}
