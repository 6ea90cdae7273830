package rtsync

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"testing"
)

// ============================================================================
// Test Helpers
// ============================================================================

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type listenCall struct {
	query      querySpec
	tag        int64
	onComplete func(string) []queuedEvent
}

type recordingProvider struct {
	started []listenCall
	stopped []listenCall
}

func (p *recordingProvider) startListening(q querySpec, tag int64, _ func() string, onComplete func(string) []queuedEvent) []queuedEvent {
	p.started = append(p.started, listenCall{query: q, tag: tag, onComplete: onComplete})
	return nil
}

func (p *recordingProvider) stopListening(q querySpec, tag int64) {
	p.stopped = append(p.stopped, listenCall{query: q, tag: tag})
}

type eventLog struct {
	events  []Event
	cancels []error
	nextID  uint64
}

func (l *eventLog) register(types ...EventType) *eventRegistration {
	l.nextID++
	return newEventRegistration(l.nextID,
		func(e Event) { l.events = append(l.events, e) },
		func(err error) { l.cancels = append(l.cancels, err) },
		types)
}

func fireAll(events []queuedEvent) {
	for _, e := range events {
		e.fire(discardLogger)
	}
}

// summary renders events as "type:key" for compact comparisons.
func (l *eventLog) summary() []string {
	out := make([]string, len(l.events))
	for i, e := range l.events {
		out[i] = fmt.Sprintf("%s:%s", e.Type, e.Snapshot.Key())
	}
	return out
}

func (l *eventLog) lastValue(t *testing.T) any {
	t.Helper()
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Type == EventValue {
			return l.events[i].Snapshot.Value()
		}
	}
	t.Fatal("no value event")
	return nil
}

func (l *eventLog) reset() { l.events, l.cancels = nil, nil }

func nodeOf(t *testing.T, v any) Node { return mustNode(t, v) }

// ============================================================================
// SyncTree
// ============================================================================

func TestSyncTreeServerOverwriteUnderPendingWrite(t *testing.T) {
	provider := &recordingProvider{}
	st := newSyncTree(provider)
	log := &eventLog{}
	q := NewQuery("x").spec()

	fireAll(st.AddEventRegistration(q, log.register(EventValue)))
	fireAll(st.ApplyUserOverwrite(ParsePath("x"), nodeOf(t, map[string]any{"a": 1}), 1, true))
	fireAll(st.ApplyUserOverwrite(ParsePath("x/a"), nodeOf(t, 5), 2, true))
	fireAll(st.AckUserWrite(1, false))
	fireAll(st.ApplyServerOverwrite(ParsePath("x"), nodeOf(t, map[string]any{"a": 2, "b": 3})))

	want := map[string]any{"a": 5.0, "b": 3.0}
	if got := log.lastValue(t); !reflect.DeepEqual(got, want) {
		t.Fatalf("value = %#v, want %#v", got, want)
	}
	if got := st.CalcCompleteEventCache(ParsePath("x")).Value(false); !reflect.DeepEqual(got, want) {
		t.Fatalf("complete cache = %#v, want %#v", got, want)
	}

	// The server confirms write 2; nothing visible changes.
	log.reset()
	fireAll(st.ApplyServerOverwrite(ParsePath("x/a"), nodeOf(t, 5)))
	fireAll(st.AckUserWrite(2, false))
	if len(log.events) != 0 {
		t.Fatalf("unexpected events after confirmation: %v", log.summary())
	}
}

func TestSyncTreeLimitWindow(t *testing.T) {
	provider := &recordingProvider{}
	st := newSyncTree(provider)
	log := &eventLog{}
	q := NewQuery("list").OrderByValue().LimitToFirst(2)
	if q.Err() != nil {
		t.Fatal(q.Err())
	}
	spec := q.spec()

	fireAll(st.AddEventRegistration(spec, log.register()))
	if len(provider.started) != 1 || provider.started[0].tag != 1 {
		t.Fatalf("started = %+v, want one tagged listen", provider.started)
	}
	tag := provider.started[0].tag
	fireAll(st.ApplyTaggedQueryOverwrite(ParsePath("list"), Empty, tag))
	fireAll(provider.started[0].onComplete(statusOK))

	fireAll(st.ApplyTaggedQueryOverwrite(ParsePath("list/p1"), nodeOf(t, 10), tag))
	fireAll(st.ApplyTaggedQueryOverwrite(ParsePath("list/p2"), nodeOf(t, 5), tag))

	log.reset()
	fireAll(st.ApplyTaggedQueryOverwrite(ParsePath("list/p3"), nodeOf(t, 7), tag))

	want := []string{"child_removed:p1", "child_added:p3", "value:list"}
	if got := log.summary(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if got := log.events[1].PrevName; got != "p2" {
		t.Errorf("prev name of p3 = %q, want p2", got)
	}
	if got := log.lastValue(t); !reflect.DeepEqual(got, map[string]any{"p2": 5.0, "p3": 7.0}) {
		t.Fatalf("window = %#v", got)
	}
}

func TestSyncTreeUnchangedDataRaisesNothing(t *testing.T) {
	st := newSyncTree(&recordingProvider{})
	log := &eventLog{}
	q := NewQuery("x").spec()

	fireAll(st.AddEventRegistration(q, log.register()))
	fireAll(st.ApplyServerOverwrite(ParsePath("x"), nodeOf(t, map[string]any{"a": 1, "b": 2})))
	if len(log.events) == 0 {
		t.Fatal("expected initial events")
	}

	log.reset()
	fireAll(st.ApplyServerOverwrite(ParsePath("x"), nodeOf(t, map[string]any{"b": 2, "a": 1})))
	fireAll(st.ApplyServerMerge(ParsePath("x"), map[string]Node{"a": nodeOf(t, 1)}))
	if len(log.events) != 0 {
		t.Fatalf("deep-equal data raised %v", log.summary())
	}
}

func TestSyncTreeChildEvents(t *testing.T) {
	st := newSyncTree(&recordingProvider{})
	log := &eventLog{}
	fireAll(st.AddEventRegistration(NewQuery("x").spec(), log.register(EventChildAdded, EventChildChanged, EventChildRemoved)))
	fireAll(st.ApplyServerOverwrite(ParsePath("x"), nodeOf(t, map[string]any{"a": 1, "b": 2})))

	log.reset()
	fireAll(st.ApplyServerMerge(ParsePath("x"), map[string]Node{"a": Empty, "b": nodeOf(t, 3), "c": nodeOf(t, 4)}))
	want := []string{"child_removed:a", "child_added:c", "child_changed:b"}
	if got := log.summary(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestSyncTreeRejectedWriteReverts(t *testing.T) {
	st := newSyncTree(&recordingProvider{})
	log := &eventLog{}
	fireAll(st.AddEventRegistration(NewQuery("x").spec(), log.register(EventValue)))
	fireAll(st.ApplyServerOverwrite(ParsePath("x"), nodeOf(t, "server")))
	fireAll(st.ApplyUserOverwrite(ParsePath("x"), nodeOf(t, "local"), 1, true))
	if got := log.lastValue(t); got != "local" {
		t.Fatalf("optimistic value = %v", got)
	}
	fireAll(st.AckUserWrite(1, true))
	if got := log.lastValue(t); got != "server" {
		t.Fatalf("after revert = %v", got)
	}
	if events := st.AckUserWrite(1, true); events != nil {
		t.Fatal("acking an unknown write should do nothing")
	}
}

func TestSyncTreeRemoveAllWrites(t *testing.T) {
	st := newSyncTree(&recordingProvider{})
	log := &eventLog{}
	fireAll(st.AddEventRegistration(NewQuery("x").spec(), log.register(EventValue)))
	fireAll(st.ApplyServerOverwrite(ParsePath("x"), Empty))
	fireAll(st.ApplyUserOverwrite(ParsePath("x/a"), nodeOf(t, 1), 1, true))
	fireAll(st.ApplyUserMerge(ParsePath("x"), map[string]Node{"b": nodeOf(t, 2)}, 2))

	purged, events := st.RemoveAllWrites()
	fireAll(events)
	if len(purged) != 2 {
		t.Fatalf("purged %d writes", len(purged))
	}
	if got := log.lastValue(t); got != nil {
		t.Fatalf("value after purge = %v", got)
	}
}

func TestSyncTreeDefaultListenShadowsQueries(t *testing.T) {
	provider := &recordingProvider{}
	st := newSyncTree(provider)
	log := &eventLog{}

	limited := NewQuery("a/b").LimitToLast(1).spec()
	fireAll(st.AddEventRegistration(limited, log.register()))
	fireAll(st.AddEventRegistration(NewQuery("a").spec(), log.register()))

	if len(provider.started) != 2 || provider.started[1].tag != 0 {
		t.Fatalf("started = %+v", provider.started)
	}
	if len(provider.stopped) != 1 || provider.stopped[0].tag != 1 {
		t.Fatalf("stopped = %+v, want the shadowed query", provider.stopped)
	}

	// Dropping the default listen brings the query listen back.
	fireAll(st.RemoveEventRegistration(NewQuery("a").spec(), nil, nil))
	if len(provider.started) != 3 || provider.started[2].tag != 1 {
		t.Fatalf("started after removal = %+v", provider.started)
	}
}

func TestSyncTreeFailedListenCancels(t *testing.T) {
	provider := &recordingProvider{}
	st := newSyncTree(provider)
	log := &eventLog{}
	fireAll(st.AddEventRegistration(NewQuery("secret").spec(), log.register()))
	fireAll(provider.started[0].onComplete(statusPermissionDenied))

	if len(log.cancels) != 1 {
		t.Fatalf("cancels = %v", log.cancels)
	}
	var lce *ListenCancelledError
	if !errors.As(log.cancels[0], &lce) || lce.Code != statusPermissionDenied {
		t.Fatalf("cancel error = %v", log.cancels[0])
	}
	if len(provider.stopped) != 0 {
		t.Fatal("a failed listen is already gone server side")
	}
}
