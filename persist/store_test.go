package persist

import (
	"path/filepath"
	"reflect"
	"testing"

	"github.com/Prismer-AI/rtsync"
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(path, Options{IsTesting: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func node(t *testing.T, v any) rtsync.Node {
	t.Helper()
	n, err := rtsync.NodeFromValue(v)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.db")
	s := openTestStore(t, path)

	if err := s.SaveServerOverwrite(rtsync.ParsePath("rooms"), node(t, map[string]any{
		"lobby": map[string]any{"topic": "hi", "count": 2},
		"dev":   map[string]any{"topic": "go"},
	})); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveServerMerge(rtsync.ParsePath("rooms/lobby"), map[string]rtsync.Node{
		"count": node(t, 3),
		"topic": rtsync.Empty,
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveServerOverwrite(rtsync.ParsePath("rooms/dev/topic"), node(t, "rust")); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkComplete(rtsync.ParsePath("rooms")); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	// Reopen to read what was persisted.
	s = openTestStore(t, path)
	defer s.Close()
	snap, err := s.LoadSnapshot()
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	want := map[string]any{
		"rooms": map[string]any{
			"lobby": map[string]any{"count": 3.0},
			"dev":   map[string]any{"topic": "rust"},
		},
	}
	if got := snap.Root.Value(false); !reflect.DeepEqual(got, want) {
		t.Fatalf("root = %#v", got)
	}
	if len(snap.Complete) != 1 || snap.Complete[0].String() != "/rooms" {
		t.Fatalf("complete = %v", snap.Complete)
	}
}

func TestStoreOverwriteDropsDescendants(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "snapshots.db"))
	defer s.Close()

	s.SaveServerOverwrite(rtsync.ParsePath("a/b/c"), node(t, 1))
	s.SaveServerOverwrite(rtsync.ParsePath("ab"), node(t, "sibling"))
	s.SaveServerOverwrite(rtsync.ParsePath("a"), node(t, map[string]any{"x": true}))

	snap, err := s.LoadSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]any{"a": map[string]any{"x": true}, "ab": "sibling"}
	if got := snap.Root.Value(false); !reflect.DeepEqual(got, want) {
		t.Fatalf("root = %#v", got)
	}

	// Deleting a location keeps it deleted even below a stored ancestor.
	s.SaveServerOverwrite(rtsync.ParsePath("a/x"), rtsync.Empty)
	snap, _ = s.LoadSnapshot()
	if got := snap.Root.Value(false); !reflect.DeepEqual(got, map[string]any{"ab": "sibling"}) {
		t.Fatalf("root after delete = %#v", got)
	}
}

func TestStorePriorities(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "snapshots.db"))
	defer s.Close()
	n := node(t, map[string]any{".value": "v", ".priority": 5})
	if err := s.SaveServerOverwrite(rtsync.ParsePath("p"), n); err != nil {
		t.Fatal(err)
	}
	snap, err := s.LoadSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	if got := snap.Root.Child(rtsync.ParsePath("p")); !got.Equals(n) {
		t.Fatalf("p = %#v", got.Value(true))
	}
}

func TestStoreEmptyRoot(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "snapshots.db"))
	defer s.Close()
	if err := s.SaveServerOverwrite(rtsync.RootPath, rtsync.Empty); err != nil {
		t.Fatal(err)
	}
	snap, err := s.LoadSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	if !snap.Root.IsEmpty() {
		t.Fatalf("root = %#v", snap.Root.Value(true))
	}
}
