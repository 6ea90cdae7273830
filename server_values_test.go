package rtsync

import (
	"reflect"
	"testing"
	"time"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func TestResolveServerValues(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	existing := mustNode(t, map[string]any{"count": 5, "name": "x"})
	write := mustNode(t, map[string]any{
		"count":   Increment(2),
		"name":    Increment(1),
		"fresh":   Increment(3),
		"updated": ServerTimestamp,
		"plain":   "v",
	})

	got := ResolveServerValues(write, existing, now).Value(false)
	want := map[string]any{
		"count":   7.0,
		"name":    1.0,
		"fresh":   3.0,
		"updated": float64(now.UnixMilli()),
		"plain":   "v",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("resolved = %#v, want %#v", got, want)
	}
}

func TestResolveServerValuesKeepsUntouchedNodes(t *testing.T) {
	n := mustNode(t, map[string]any{"a": map[string]any{"b": 1}})
	if got := ResolveServerValues(n, Empty, time.Now()); got != n {
		t.Fatal("a node without placeholders should be returned as is")
	}
}

func TestResolveServerValuesPriority(t *testing.T) {
	now := time.UnixMilli(42)
	n := mustNode(t, map[string]any{".value": "v", ".priority": ServerTimestamp})
	got := ResolveServerValues(n, Empty, now)
	if p := got.Priority().Value(false); p != 42.0 {
		t.Fatalf("priority = %v", p)
	}
}

func TestGenerateServerValuesUsesOffset(t *testing.T) {
	clock := fixedClock{t: time.UnixMilli(1000)}
	sv := generateServerValues(clock, 250*time.Millisecond)
	if sv.timestamp != 1250 {
		t.Fatalf("timestamp = %v", sv.timestamp)
	}
}

func TestResolveAgainstSyncTree(t *testing.T) {
	st := newSyncTree(&recordingProvider{})
	fireAll(st.AddEventRegistration(NewQuery("c").spec(), (&eventLog{}).register()))
	fireAll(st.ApplyServerOverwrite(ParsePath("c"), mustNode(t, 10)))
	fireAll(st.ApplyUserOverwrite(ParsePath("c"), mustNode(t, 11), 1, true))

	sv := serverValues{timestamp: 1}
	got := resolveDeferredValueTree(ParsePath("c"), mustNode(t, Increment(1)), st, sv)
	if got.Value(false) != 12.0 {
		t.Fatalf("increment over pending write = %v", got.Value(false))
	}
}
