package rtsync

import (
	"math/rand"
	"testing"
)

var testSegments = []string{"a", "b", "c"}

func randomPath(rng *rand.Rand, maxDepth int) Path {
	depth := rng.Intn(maxDepth + 1)
	segs := make([]string, depth)
	for i := range segs {
		segs[i] = testSegments[rng.Intn(len(testSegments))]
	}
	return NewPath(segs...)
}

func randomNode(rng *rand.Rand, depth int) Node {
	switch r := rng.Intn(5); {
	case r == 0:
		return Empty
	case r < 3 || depth == 0:
		return newLeaf(float64(rng.Intn(10)), nil)
	}
	var n Node = Empty
	for _, k := range testSegments {
		if rng.Intn(2) == 0 {
			n = n.UpdateImmediateChild(k, randomNode(rng, depth-1))
		}
	}
	return n
}

// naiveFold applies every write in order to base.
func naiveFold(base Node, writes []WriteRecord) Node {
	n := base
	for _, w := range writes {
		if w.isOverwrite() {
			n = n.UpdateChild(w.Path, w.Snap)
			continue
		}
		for _, k := range sortedKeys(w.Children) {
			n = n.UpdateChild(w.Path.Join(ParsePath(k)), w.Children[k])
		}
	}
	return n
}

func TestWriteTreeMatchesNaiveFold(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		server := randomNode(rng, 3)
		tree := newWriteTree()
		var live []WriteRecord
		nextID := int64(0)

		for step := 0; step < 40; step++ {
			if len(live) > 0 && rng.Intn(3) == 0 {
				i := rng.Intn(len(live))
				tree.RemoveWrite(live[i].WriteID)
				live = append(live[:i:i], live[i+1:]...)
			} else {
				p := randomPath(rng, 2)
				if rng.Intn(2) == 0 {
					snap := randomNode(rng, 2)
					tree.AddOverwrite(p, snap, nextID, true)
					live = append(live, WriteRecord{WriteID: nextID, Path: p, Snap: snap, Visible: true})
				} else {
					children := make(map[string]Node)
					for _, k := range testSegments {
						if rng.Intn(2) == 0 {
							key := k
							if rng.Intn(3) == 0 {
								key = k + "/" + testSegments[rng.Intn(len(testSegments))]
							}
							children[key] = randomNode(rng, 1)
						}
					}
					if len(children) == 0 {
						children["a"] = newLeaf(1.0, nil)
					}
					tree.AddMerge(p, children, nextID)
					live = append(live, WriteRecord{WriteID: nextID, Path: p, Children: children, Visible: true})
				}
				nextID++
			}

			got := tree.CalcCompleteEventCache(RootPath, server)
			want := naiveFold(server, live)
			if !got.Equals(want) {
				t.Fatalf("round %d step %d: got %v, want %v", round, step, got.Value(true), want.Value(true))
			}
		}
	}
}

func TestWriteTreeRemoveNonOverlappingKeepsOthers(t *testing.T) {
	tree := newWriteTree()
	tree.AddOverwrite(ParsePath("a"), newLeaf("first", nil), 1, true)
	tree.AddOverwrite(ParsePath("b"), newLeaf("second", nil), 2, true)

	if !tree.RemoveWrite(1) {
		t.Fatal("removing a visible write should report it")
	}
	got := tree.CalcCompleteEventCache(RootPath, Empty)
	if v := got.Child(ParsePath("b")).Value(false); v != "second" {
		t.Fatalf("b = %v after removing the write at a", v)
	}
	if !got.Child(ParsePath("a")).IsEmpty() {
		t.Fatalf("a should be gone, got %v", got.Child(ParsePath("a")).Value(false))
	}
}

func TestWriteTreeShadowedRemovalIsInvisible(t *testing.T) {
	tree := newWriteTree()
	tree.AddOverwrite(ParsePath("a/b"), newLeaf(1.0, nil), 1, true)
	tree.AddOverwrite(ParsePath("a"), newLeaf(2.0, nil), 2, true)

	if tree.RemoveWrite(1) {
		t.Fatal("a write hidden by a later overwrite above it should not need re-evaluation")
	}
	if v := tree.CalcCompleteEventCache(ParsePath("a"), nil).Value(false); v != 2.0 {
		t.Fatalf("a = %v", v)
	}
}

func TestWriteTreeRemoveBelowOlderWrite(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*WriteTree)
		want  any
	}{
		{
			name: "merge at root",
			setup: func(tree *WriteTree) {
				tree.AddMerge(RootPath, map[string]Node{"c": newLeaf(9.0, nil)}, 1)
				tree.AddOverwrite(ParsePath("c"), Empty, 2, true)
			},
			want: map[string]any{"c": 9.0},
		},
		{
			name: "deep merge child",
			setup: func(tree *WriteTree) {
				tree.AddMerge(RootPath, map[string]Node{"x/y": newLeaf(5.0, nil)}, 1)
				tree.AddMerge(ParsePath("x"), map[string]Node{"y": newLeaf(6.0, nil)}, 2)
			},
			want: map[string]any{"x": map[string]any{"y": 5.0}},
		},
		{
			name: "overwrite above",
			setup: func(tree *WriteTree) {
				tree.AddOverwrite(ParsePath("a"), mustNodeFromValue(map[string]any{"b": 1.0, "k": 2.0}), 1, true)
				tree.AddOverwrite(ParsePath("a/b"), newLeaf(3.0, nil), 2, true)
			},
			want: map[string]any{"a": map[string]any{"b": 1.0, "k": 2.0}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree := newWriteTree()
			tt.setup(tree)
			if !tree.RemoveWrite(2) {
				t.Fatal("removing a visible write should report it")
			}
			got := tree.CalcCompleteEventCache(RootPath, Empty)
			if !got.Equals(mustNode(t, tt.want)) {
				t.Fatalf("cache = %v, want %v", got.Value(false), tt.want)
			}
		})
	}
}

func TestWriteTreeHiddenWrites(t *testing.T) {
	tree := newWriteTree()
	tree.AddOverwrite(ParsePath("x"), newLeaf("hidden", nil), 1, false)

	if got := tree.CalcCompleteEventCache(ParsePath("x"), nil); got != nil {
		t.Fatalf("hidden write should not be visible, got %v", got.Value(false))
	}
	got := tree.CalcCompleteEventCacheExcluding(ParsePath("x"), nil, nil, true)
	if got.Value(false) != "hidden" {
		t.Fatalf("includeHidden = %v", got.Value(false))
	}
	if got := tree.CalcCompleteEventCacheExcluding(ParsePath("x"), Empty, []int64{1}, true); !got.IsEmpty() {
		t.Fatalf("excluded write still applied: %v", got.Value(false))
	}
}

func TestWriteTreeRemoveAll(t *testing.T) {
	tree := newWriteTree()
	tree.AddOverwrite(ParsePath("a"), newLeaf(1.0, nil), 1, true)
	tree.AddMerge(ParsePath("b"), map[string]Node{"c": newLeaf(2.0, nil)}, 2)

	removed := tree.RemoveAllWrites()
	if len(removed) != 2 || removed[0].WriteID != 1 || removed[1].WriteID != 2 {
		t.Fatalf("removed = %+v", removed)
	}
	if tree.Len() != 0 {
		t.Fatalf("Len = %d", tree.Len())
	}
	if got := tree.CalcCompleteEventCache(RootPath, Empty); !got.IsEmpty() {
		t.Fatalf("cache after RemoveAllWrites = %v", got.Value(false))
	}
}
