package rtsync

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
)

// DataSnapshot is an immutable copy of the data at a location, as seen by a
// query.
type DataSnapshot struct {
	path  Path
	node  Node
	index Index
}

func newDataSnapshot(p Path, n Node, idx Index) DataSnapshot {
	if n == nil {
		n = Empty
	}
	if idx == nil {
		idx = PriorityIndex
	}
	return DataSnapshot{path: p, node: n, index: idx}
}

// Key is the last segment of the location, or "" for the root.
func (s DataSnapshot) Key() string { return s.path.Back() }

func (s DataSnapshot) Path() Path   { return s.path }
func (s DataSnapshot) Node() Node   { return s.node }
func (s DataSnapshot) Exists() bool { return !s.node.IsEmpty() }

// Value converts the data to plain Go values: nil, bool, float64, string,
// []any or map[string]any.
func (s DataSnapshot) Value() any { return s.node.Value(false) }

// ExportValue is Value with priorities kept in ".value"/".priority" form.
func (s DataSnapshot) ExportValue() any { return s.node.Value(true) }

// Priority returns the priority of the location, or nil.
func (s DataSnapshot) Priority() any { return s.node.Priority().Value(false) }

// Decode unmarshals the data into v through its JSON form.
func (s DataSnapshot) Decode(v any) error {
	b, err := json.Marshal(s.Value())
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", s.path, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode snapshot %s: %w", s.path, err)
	}
	return nil
}

// Child returns the snapshot of a descendant.
func (s DataSnapshot) Child(p string) DataSnapshot {
	cp := ParsePath(p)
	return newDataSnapshot(s.path.Join(cp), s.node.Child(cp), PriorityIndex)
}

func (s DataSnapshot) HasChild(p string) bool {
	return !s.node.Child(ParsePath(p)).IsEmpty()
}

func (s DataSnapshot) NumChildren() int { return s.node.NumChildren() }

// Children lists the direct children in query order.
func (s DataSnapshot) Children() []DataSnapshot {
	if s.node.IsLeaf() {
		return nil
	}
	children := s.node.Children(s.index)
	out := make([]DataSnapshot, 0, len(children))
	for _, nn := range children {
		out = append(out, newDataSnapshot(s.path.Child(nn.Name), nn.Node, PriorityIndex))
	}
	return out
}

// Event is delivered to a listener. PrevName is the key of the sibling
// preceding the child in query order, for child_added, child_changed and
// child_moved.
type Event struct {
	Type     EventType
	Snapshot DataSnapshot
	PrevName string
}

// EventHandler receives events on the repo's event loop.
type EventHandler func(Event)

// CancelHandler is told when the server revokes a listen. No events follow.
type CancelHandler func(error)

// eventRegistration is one Listen call. It is shared by the event loop and
// the goroutine holding the unsubscribe func, so the cancelled flag is
// atomic.
type eventRegistration struct {
	id        uint64
	types     uint8
	onEvent   EventHandler
	onCancel  CancelHandler
	cancelled atomic.Bool
}

func newEventRegistration(id uint64, onEvent EventHandler, onCancel CancelHandler, types []EventType) *eventRegistration {
	r := &eventRegistration{id: id, onEvent: onEvent, onCancel: onCancel}
	for _, t := range types {
		r.types |= 1 << t
	}
	return r
}

func (r *eventRegistration) respondsTo(t EventType) bool {
	return r.types == 0 || r.types&(1<<t) != 0
}

func (r *eventRegistration) createEvent(c Change, q querySpec) Event {
	if c.Type == EventValue {
		return Event{Type: EventValue, Snapshot: newDataSnapshot(q.path, c.Node, q.params.Index())}
	}
	return Event{
		Type:     c.Type,
		Snapshot: newDataSnapshot(q.path.Child(c.ChildName), c.Node, PriorityIndex),
		PrevName: c.PrevName,
	}
}

// queuedEvent is an event or a cancellation bound to its registration.
type queuedEvent struct {
	reg       *eventRegistration
	event     Event
	cancelErr error
}

func (e queuedEvent) fire(logger *slog.Logger) {
	if e.reg.cancelled.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("listener panicked", "path", e.event.Snapshot.path.String(), "panic", r)
		}
	}()
	if e.cancelErr != nil {
		if e.reg.onCancel != nil {
			e.reg.onCancel(e.cancelErr)
		}
		return
	}
	e.reg.onEvent(e.event)
}

// eventGenerator turns the changes of one view into events, grouped by type
// (removed, added, moved, changed, value) and ordered by index within each
// group.
type eventGenerator struct {
	query querySpec
	index Index
}

// generate orders events by type: child_removed, child_added, child_moved,
// child_changed, then value. Within a type, child events follow the query
// index of the child, so listeners see the window in its sorted order.
func (g eventGenerator) generate(changes []Change, eventCache Node, regs []*eventRegistration) []queuedEvent {
	var moves []Change
	for _, c := range changes {
		if c.Type == EventChildChanged && g.index.IndexedValueChanged(c.OldNode, c.Node) {
			moves = append(moves, childMovedChange(c.ChildName, c.Node))
		}
	}
	var out []queuedEvent
	out = g.generateForType(out, EventChildRemoved, changes, eventCache, regs)
	out = g.generateForType(out, EventChildAdded, changes, eventCache, regs)
	out = g.generateForType(out, EventChildMoved, moves, eventCache, regs)
	out = g.generateForType(out, EventChildChanged, changes, eventCache, regs)
	out = g.generateForType(out, EventValue, changes, eventCache, regs)
	return out
}

func (g eventGenerator) generateForType(out []queuedEvent, t EventType, changes []Change, eventCache Node, regs []*eventRegistration) []queuedEvent {
	var filtered []Change
	for _, c := range changes {
		if c.Type == t {
			filtered = append(filtered, c)
		}
	}
	if t != EventValue {
		sort.SliceStable(filtered, func(i, j int) bool {
			return g.index.Compare(NamedNode{Name: filtered[i].ChildName, Node: filtered[i].Node},
				NamedNode{Name: filtered[j].ChildName, Node: filtered[j].Node}) < 0
		})
	}
	for _, c := range filtered {
		if c.Type != EventValue && c.Type != EventChildRemoved {
			c.PrevName = eventCache.PredecessorChildName(c.ChildName, c.Node, g.index)
		}
		for _, r := range regs {
			if r.respondsTo(c.Type) {
				out = append(out, queuedEvent{reg: r, event: r.createEvent(c, g.query)})
			}
		}
	}
	return out
}
