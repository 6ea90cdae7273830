package rtsync

// EventType identifies the kind of change a listener is told about.
type EventType int

const (
	EventValue EventType = iota
	EventChildAdded
	EventChildRemoved
	EventChildChanged
	EventChildMoved
)

func (t EventType) String() string {
	switch t {
	case EventValue:
		return "value"
	case EventChildAdded:
		return "child_added"
	case EventChildRemoved:
		return "child_removed"
	case EventChildChanged:
		return "child_changed"
	case EventChildMoved:
		return "child_moved"
	}
	return "unknown"
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(s string) (EventType, bool) {
	for t := EventValue; t <= EventChildMoved; t++ {
		if t.String() == s {
			return t, true
		}
	}
	return 0, false
}

// Change is one raw delta produced while applying an operation to a view.
type Change struct {
	Type      EventType
	Node      Node
	OldNode   Node
	ChildName string
	PrevName  string
}

func valueChange(n Node) Change { return Change{Type: EventValue, Node: n} }

func childAddedChange(key string, n Node) Change {
	return Change{Type: EventChildAdded, Node: n, ChildName: key}
}

func childRemovedChange(key string, old Node) Change {
	return Change{Type: EventChildRemoved, Node: old, ChildName: key}
}

func childChangedChange(key string, n, old Node) Change {
	return Change{Type: EventChildChanged, Node: n, OldNode: old, ChildName: key}
}

func childMovedChange(key string, n Node) Change {
	return Change{Type: EventChildMoved, Node: n, ChildName: key}
}

// ChildChangeAccumulator coalesces the per-child deltas of one operation so
// listeners never observe intermediate states. Changes are kept in the order
// their key was first tracked.
type ChildChangeAccumulator struct {
	keys    []string
	changes map[string]Change
}

func newChildChangeAccumulator() *ChildChangeAccumulator {
	return &ChildChangeAccumulator{changes: make(map[string]Change)}
}

// TrackChildChange records change, combining it with an earlier change to
// the same child.
func (a *ChildChangeAccumulator) TrackChildChange(change Change) {
	assertf(change.Type == EventChildAdded || change.Type == EventChildChanged || change.Type == EventChildRemoved,
		"only child changes supported for tracking")
	key := change.ChildName
	assertf(key != ".priority", "only non-priority child changes can be tracked")
	old, ok := a.changes[key]
	if !ok {
		a.keys = append(a.keys, key)
		a.changes[key] = change
		return
	}
	switch {
	case change.Type == EventChildAdded && old.Type == EventChildRemoved:
		a.changes[key] = childChangedChange(key, change.Node, old.Node)
	case change.Type == EventChildRemoved && old.Type == EventChildAdded:
		a.remove(key)
	case change.Type == EventChildRemoved && old.Type == EventChildChanged:
		a.changes[key] = childRemovedChange(key, old.OldNode)
	case change.Type == EventChildChanged && old.Type == EventChildAdded:
		a.changes[key] = childAddedChange(key, change.Node)
	case change.Type == EventChildChanged && old.Type == EventChildChanged:
		a.changes[key] = childChangedChange(key, change.Node, old.OldNode)
	default:
		assertf(false, "illegal combination of changes: %s occurred after %s", change.Type, old.Type)
	}
}

func (a *ChildChangeAccumulator) remove(key string) {
	delete(a.changes, key)
	for i, k := range a.keys {
		if k == key {
			a.keys = append(a.keys[:i:i], a.keys[i+1:]...)
			return
		}
	}
}

// Changes returns the coalesced changes in tracking order.
func (a *ChildChangeAccumulator) Changes() []Change {
	out := make([]Change, 0, len(a.keys))
	for _, k := range a.keys {
		out = append(out, a.changes[k])
	}
	return out
}
