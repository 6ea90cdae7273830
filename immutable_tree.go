package rtsync

import "sort"

// ImmutableTree maps paths to values. Every mutation returns a new tree that
// shares untouched branches with the old one.
type ImmutableTree[T any] struct {
	value    T
	hasValue bool
	children map[string]*ImmutableTree[T]
}

func newImmutableTree[T any]() *ImmutableTree[T] {
	return &ImmutableTree[T]{}
}

func newImmutableTreeValue[T any](v T) *ImmutableTree[T] {
	return &ImmutableTree[T]{value: v, hasValue: true}
}

// treeFromMap builds a tree from relative path strings, as used by merges.
func treeFromMap[T any](m map[string]T) *ImmutableTree[T] {
	t := newImmutableTree[T]()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		t = t.Set(ParsePath(k), m[k])
	}
	return t
}

func (t *ImmutableTree[T]) Value() (T, bool) { return t.value, t.hasValue }

func (t *ImmutableTree[T]) IsEmpty() bool {
	return !t.hasValue && len(t.children) == 0
}

// ChildKeys returns the keys of the direct children in key order.
func (t *ImmutableTree[T]) ChildKeys() []string {
	return sortedKeys(t.children)
}

func (t *ImmutableTree[T]) childTree(key string) *ImmutableTree[T] {
	return t.children[key]
}

// FindRootMostMatchingPathAndValue walks from the root toward p and returns
// the first value accepted by pred together with its path.
func (t *ImmutableTree[T]) FindRootMostMatchingPathAndValue(p Path, pred func(T) bool) (Path, T, bool) {
	if t.hasValue && pred(t.value) {
		return RootPath, t.value, true
	}
	var zero T
	if p.IsEmpty() {
		return RootPath, zero, false
	}
	front := p.Front()
	child := t.children[front]
	if child == nil {
		return RootPath, zero, false
	}
	rel, v, ok := child.FindRootMostMatchingPathAndValue(p.PopFront(), pred)
	if !ok {
		return RootPath, zero, false
	}
	return NewPath(front).Join(rel), v, true
}

// FindRootMostValueAndPath returns the value closest to the root on p.
func (t *ImmutableTree[T]) FindRootMostValueAndPath(p Path) (Path, T, bool) {
	return t.FindRootMostMatchingPathAndValue(p, func(T) bool { return true })
}

// Get returns the value stored exactly at p.
func (t *ImmutableTree[T]) Get(p Path) (T, bool) {
	node := t
	for _, seg := range p.segs {
		node = node.children[seg]
		if node == nil {
			var zero T
			return zero, false
		}
	}
	return node.value, node.hasValue
}

// Subtree returns the tree rooted at p, or an empty tree.
func (t *ImmutableTree[T]) Subtree(p Path) *ImmutableTree[T] {
	node := t
	for _, seg := range p.segs {
		node = node.children[seg]
		if node == nil {
			return newImmutableTree[T]()
		}
	}
	return node
}

func (t *ImmutableTree[T]) withChild(key string, child *ImmutableTree[T]) *ImmutableTree[T] {
	out := &ImmutableTree[T]{value: t.value, hasValue: t.hasValue}
	out.children = make(map[string]*ImmutableTree[T], len(t.children)+1)
	for k, v := range t.children {
		out.children[k] = v
	}
	if child == nil || child.IsEmpty() {
		delete(out.children, key)
	} else {
		out.children[key] = child
	}
	return out
}

// Set stores v at p.
func (t *ImmutableTree[T]) Set(p Path, v T) *ImmutableTree[T] {
	if p.IsEmpty() {
		return &ImmutableTree[T]{value: v, hasValue: true, children: t.children}
	}
	front := p.Front()
	child := t.children[front]
	if child == nil {
		child = newImmutableTree[T]()
	}
	return t.withChild(front, child.Set(p.PopFront(), v))
}

// Remove deletes the value at p and prunes branches left empty.
func (t *ImmutableTree[T]) Remove(p Path) *ImmutableTree[T] {
	if p.IsEmpty() {
		if len(t.children) == 0 {
			return newImmutableTree[T]()
		}
		return &ImmutableTree[T]{children: t.children}
	}
	front := p.Front()
	child := t.children[front]
	if child == nil {
		return t
	}
	return t.withChild(front, child.Remove(p.PopFront()))
}

// SetTree replaces the subtree at p.
func (t *ImmutableTree[T]) SetTree(p Path, sub *ImmutableTree[T]) *ImmutableTree[T] {
	if p.IsEmpty() {
		return sub
	}
	front := p.Front()
	child := t.children[front]
	if child == nil {
		child = newImmutableTree[T]()
	}
	return t.withChild(front, child.SetTree(p.PopFront(), sub))
}

// Fold reduces the tree bottom-up. childResults holds the folded value of
// every non-empty child.
func Fold[T, R any](t *ImmutableTree[T], fn func(p Path, v T, ok bool, childResults map[string]R) R) R {
	return foldAt(t, RootPath, fn)
}

func foldAt[T, R any](t *ImmutableTree[T], p Path, fn func(Path, T, bool, map[string]R) R) R {
	results := make(map[string]R, len(t.children))
	for _, k := range t.ChildKeys() {
		results[k] = foldAt(t.children[k], p.Child(k), fn)
	}
	return fn(p, t.value, t.hasValue, results)
}

// ForEachOnPath calls fn for every value found on the way from the root to
// p, root first.
func (t *ImmutableTree[T]) ForEachOnPath(p Path, fn func(at Path, v T)) {
	node := t
	at := RootPath
	for {
		if node.hasValue {
			fn(at, node.value)
		}
		if p.IsEmpty() {
			return
		}
		front := p.Front()
		node = node.children[front]
		if node == nil {
			return
		}
		at = at.Child(front)
		p = p.PopFront()
	}
}

// FindOnPath returns the first result of fn that reports true while walking
// from the root to p.
func FindOnPath[T, R any](t *ImmutableTree[T], p Path, fn func(at Path, v T) (R, bool)) (R, bool) {
	node := t
	at := RootPath
	for {
		if node.hasValue {
			if r, ok := fn(at, node.value); ok {
				return r, true
			}
		}
		if p.IsEmpty() {
			var zero R
			return zero, false
		}
		front := p.Front()
		node = node.children[front]
		if node == nil {
			var zero R
			return zero, false
		}
		at = at.Child(front)
		p = p.PopFront()
	}
}

// ForEach visits every value, parents before children, children in key
// order.
func (t *ImmutableTree[T]) ForEach(fn func(p Path, v T)) {
	t.forEachAt(RootPath, fn)
}

func (t *ImmutableTree[T]) forEachAt(p Path, fn func(Path, T)) {
	if t.hasValue {
		fn(p, t.value)
	}
	for _, k := range t.ChildKeys() {
		t.children[k].forEachAt(p.Child(k), fn)
	}
}

// ForEachChild visits the values stored directly below the root.
func (t *ImmutableTree[T]) ForEachChild(fn func(key string, v T)) {
	for _, k := range t.ChildKeys() {
		if c := t.children[k]; c.hasValue {
			fn(k, c.value)
		}
	}
}

// sortedKeys returns the keys of m in key order.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return CompareKeys(keys[i], keys[j]) < 0 })
	return keys
}
