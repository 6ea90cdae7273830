package rtsync

import (
	"reflect"
	"testing"
)

func TestBuildSnapshotTree(t *testing.T) {
	entries := map[string]Node{
		"/":    mustNode(t, map[string]any{"a": 1, "b": map[string]any{"c": 2, "d": 3}}),
		"/b/c": mustNode(t, 20),
		"/b/d": Empty,
		"/e":   mustNode(t, "x"),
	}
	got := BuildSnapshotTree(entries).Value(false)
	want := map[string]any{"a": 1.0, "b": map[string]any{"c": 20.0}, "e": "x"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("tree = %#v", got)
	}
}

func TestIsPathKeyWithin(t *testing.T) {
	tests := []struct {
		k, prefix string
		want      bool
	}{
		{"/a", "/", true},
		{"/a", "/a", true},
		{"/a/b", "/a", true},
		{"/ab", "/a", false},
		{"/b", "/a", false},
	}
	for _, tt := range tests {
		if got := IsPathKeyWithin(tt.k, tt.prefix); got != tt.want {
			t.Errorf("IsPathKeyWithin(%q, %q) = %v", tt.k, tt.prefix, got)
		}
	}
}

func TestMemorySnapshotStore(t *testing.T) {
	s := NewMemorySnapshotStore()
	if err := s.SaveServerOverwrite(ParsePath("users"), mustNode(t, map[string]any{"alice": 1, "bob": 2})); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveServerMerge(ParsePath("users"), map[string]Node{"bob": Empty, "carol": mustNode(t, 3)}); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkComplete(ParsePath("users")); err != nil {
		t.Fatal(err)
	}

	snap, err := s.LoadSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]any{"users": map[string]any{"alice": 1.0, "carol": 3.0}}
	if got := snap.Root.Value(false); !reflect.DeepEqual(got, want) {
		t.Fatalf("root = %#v", got)
	}
	if len(snap.Complete) != 1 || snap.Complete[0].String() != "/users" {
		t.Fatalf("complete = %v", snap.Complete)
	}

	// Overwriting a parent drops what was stored below it.
	if err := s.SaveServerOverwrite(RootPath, mustNode(t, map[string]any{"x": true})); err != nil {
		t.Fatal(err)
	}
	snap, _ = s.LoadSnapshot()
	if got := snap.Root.Value(false); !reflect.DeepEqual(got, map[string]any{"x": true}) {
		t.Fatalf("root = %#v", got)
	}
}

func TestSnapshotCacheLookup(t *testing.T) {
	s := NewMemorySnapshotStore()
	var errs []string
	c, err := newSnapshotCache(s, func(op string, err error) { errs = append(errs, op) })
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := c.lookup(ParsePath("a")); ok {
		t.Fatal("empty cache reported complete")
	}

	c.overwrite(ParsePath("a"), mustNode(t, map[string]any{"b": 1}))
	n, complete := c.lookup(ParsePath("a/b"))
	if n == nil || complete || n.Value(false) != 1.0 {
		t.Fatalf("lookup = %v, %v", n, complete)
	}

	c.markComplete(ParsePath("a"))
	c.markComplete(ParsePath("a/b"))
	if len(c.complete) != 1 {
		t.Fatalf("complete = %v, nested path should be covered", c.complete)
	}
	n, complete = c.lookup(ParsePath("a/missing"))
	if !complete || !n.IsEmpty() {
		t.Fatalf("lookup in complete location = %v, %v", n, complete)
	}

	c.merge(ParsePath("a"), map[string]Node{"c": mustNode(t, 2)})
	if got := c.root.Child(ParsePath("a/c")).Value(false); got != 2.0 {
		t.Fatalf("a/c = %v", got)
	}
	if len(errs) != 0 {
		t.Fatalf("store errors: %v", errs)
	}

	// A fresh cache sees what the store kept.
	c2, err := newSnapshotCache(s, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n, complete := c2.lookup(ParsePath("a")); !complete || !reflect.DeepEqual(n.Value(false), map[string]any{"b": 1.0, "c": 2.0}) {
		t.Fatalf("reloaded lookup = %v, %v", n.Value(false), complete)
	}
}
