package rtsync

import (
	"sort"
	"strings"
	"sync"
)

// Snapshot is persisted server data: the merged tree plus the locations
// whose full contents were confirmed by a completed listen.
type Snapshot struct {
	Root     Node
	Complete []Path
}

// SnapshotStore persists the server data a Repo has seen so new views can
// start from it before the server answers. Calls are made from the event
// loop, one at a time.
type SnapshotStore interface {
	LoadSnapshot() (Snapshot, error)
	SaveServerOverwrite(p Path, n Node) error
	SaveServerMerge(p Path, children map[string]Node) error
	MarkComplete(p Path) error
}

// ============================================================================
// MemorySnapshotStore
// ============================================================================

// MemorySnapshotStore keeps snapshots in memory. It survives Repo restarts
// within one process, which is enough for tests and short-lived tools.
type MemorySnapshotStore struct {
	mu       sync.RWMutex
	values   map[string]any
	complete map[string]bool
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{
		values:   make(map[string]any),
		complete: make(map[string]bool),
	}
}

func (s *MemorySnapshotStore) LoadSnapshot() (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make(map[string]Node, len(s.values))
	for k, v := range s.values {
		n, err := NodeFromValue(v)
		if err != nil {
			return Snapshot{}, err
		}
		entries[k] = n
	}
	snap := Snapshot{Root: BuildSnapshotTree(entries)}
	for k := range s.complete {
		snap.Complete = append(snap.Complete, ParsePath(k))
	}
	sort.Slice(snap.Complete, func(i, j int) bool { return ComparePaths(snap.Complete[i], snap.Complete[j]) < 0 })
	return snap, nil
}

func (s *MemorySnapshotStore) SaveServerOverwrite(p Path, n Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overwrite(p, n)
	return nil
}

func (s *MemorySnapshotStore) SaveServerMerge(p Path, children map[string]Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range sortedKeys(children) {
		s.overwrite(p.Join(ParsePath(k)), children[k])
	}
	return nil
}

func (s *MemorySnapshotStore) overwrite(p Path, n Node) {
	key := p.String()
	for k := range s.values {
		if IsPathKeyWithin(k, key) {
			delete(s.values, k)
		}
	}
	s.values[key] = n.Value(true)
}

func (s *MemorySnapshotStore) MarkComplete(p Path) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.complete[p.String()] = true
	return nil
}

// BuildSnapshotTree layers per-path entries, shallow paths first, into one
// tree. Stores keep one entry per overwritten location.
func BuildSnapshotTree(entries map[string]Node) Node {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		pi, pj := ParsePath(keys[i]), ParsePath(keys[j])
		if pi.Len() != pj.Len() {
			return pi.Len() < pj.Len()
		}
		return ComparePaths(pi, pj) < 0
	})
	var root Node = Empty
	for _, k := range keys {
		root = root.UpdateChild(ParsePath(k), entries[k])
	}
	return root
}

// IsPathKeyWithin reports whether the path string k is at or below prefix.
func IsPathKeyWithin(k, prefix string) bool {
	if prefix == "/" || k == prefix {
		return true
	}
	return strings.HasPrefix(k, prefix+"/")
}

// ============================================================================
// snapshotCache
// ============================================================================

// snapshotCache mirrors a SnapshotStore in memory on the event loop and
// answers warm-cache lookups for new views.
type snapshotCache struct {
	store    SnapshotStore
	root     Node
	complete []Path
	onError  func(op string, err error)
}

func newSnapshotCache(store SnapshotStore, onError func(string, error)) (*snapshotCache, error) {
	snap, err := store.LoadSnapshot()
	if err != nil {
		return nil, err
	}
	root := snap.Root
	if root == nil {
		root = Empty
	}
	return &snapshotCache{store: store, root: root, complete: snap.Complete, onError: onError}, nil
}

func (c *snapshotCache) lookup(p Path) (Node, bool) {
	n := c.root.Child(p)
	for _, cp := range c.complete {
		if cp.Contains(p) {
			return n, true
		}
	}
	if n.IsEmpty() {
		return nil, false
	}
	return n, false
}

func (c *snapshotCache) overwrite(p Path, n Node) {
	c.root = c.root.UpdateChild(p, n)
	if err := c.store.SaveServerOverwrite(p, n); err != nil {
		c.onError("save overwrite", err)
	}
}

func (c *snapshotCache) merge(p Path, children map[string]Node) {
	for _, k := range sortedKeys(children) {
		c.root = c.root.UpdateChild(p.Join(ParsePath(k)), children[k])
	}
	if err := c.store.SaveServerMerge(p, children); err != nil {
		c.onError("save merge", err)
	}
}

func (c *snapshotCache) markComplete(p Path) {
	for _, cp := range c.complete {
		if cp.Contains(p) {
			return
		}
	}
	c.complete = append(c.complete, p)
	if err := c.store.MarkComplete(p); err != nil {
		c.onError("mark complete", err)
	}
}
