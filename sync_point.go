package rtsync

// SyncPoint holds the views of one location, keyed by query id. Views keep
// their creation order so events are raised deterministically.
type SyncPoint struct {
	order []string
	views map[string]*View
}

func newSyncPoint() *SyncPoint {
	return &SyncPoint{views: make(map[string]*View)}
}

func (sp *SyncPoint) IsEmpty() bool { return len(sp.views) == 0 }

func (sp *SyncPoint) each(fn func(*View)) {
	for _, id := range sp.order {
		fn(sp.views[id])
	}
}

func (sp *SyncPoint) deleteView(id string) {
	delete(sp.views, id)
	for i, o := range sp.order {
		if o == id {
			sp.order = append(sp.order[:i:i], sp.order[i+1:]...)
			return
		}
	}
}

func (sp *SyncPoint) applyOperation(op Operation, writes WriteTreeRef, completeServerCache Node) []queuedEvent {
	if qid := op.Source().QueryID; qid != "" {
		v := sp.views[qid]
		assertf(v != nil, "sync tree gave us an op for an invalid query")
		return v.ApplyOperation(op, writes, completeServerCache)
	}
	var events []queuedEvent
	sp.each(func(v *View) {
		events = append(events, v.ApplyOperation(op, writes, completeServerCache)...)
	})
	return events
}

// getView returns the existing view for q or builds a new, unregistered
// one from the given server cache and the pending writes.
func (sp *SyncPoint) getView(q querySpec, writes WriteTreeRef, serverCache Node, serverCacheComplete bool) *View {
	if v, ok := sp.views[q.id()]; ok {
		return v
	}
	var complete Node
	if serverCacheComplete {
		complete = serverCache
	}
	eventCache := writes.CalcCompleteEventCache(complete)
	eventCacheComplete := eventCache != nil
	if eventCache == nil {
		if !serverCache.IsLeaf() {
			eventCache = writes.CalcCompleteEventChildren(serverCache)
		} else {
			eventCache = Empty
		}
	}
	return newView(q, ViewCache{
		eventCache:  newCacheNode(eventCache, eventCacheComplete, false),
		serverCache: newCacheNode(serverCache, serverCacheComplete, false),
	})
}

func (sp *SyncPoint) addRegistration(q querySpec, r *eventRegistration, writes WriteTreeRef, serverCache Node, serverCacheComplete bool) []queuedEvent {
	v := sp.getView(q, writes, serverCache, serverCacheComplete)
	if _, ok := sp.views[q.id()]; !ok {
		sp.views[q.id()] = v
		sp.order = append(sp.order, q.id())
	}
	v.addRegistration(r)
	return v.initialEvents(r)
}

// removeRegistration detaches r (or everything when r is nil) from the
// view of q; the default query searches every view. It returns the queries
// whose views went away and any cancel events.
func (sp *SyncPoint) removeRegistration(q querySpec, r *eventRegistration, cancelErr error) ([]querySpec, []queuedEvent) {
	var removed []querySpec
	var cancels []queuedEvent
	hadCompleteView := sp.hasCompleteView()
	detach := func(id string, v *View) {
		cancels = append(cancels, v.removeRegistration(r, cancelErr)...)
		if v.IsEmpty() {
			sp.deleteView(id)
			if !v.query.params.LoadsAllData() {
				removed = append(removed, v.query)
			}
		}
	}
	if q.params.IsDefault() {
		for _, id := range append([]string(nil), sp.order...) {
			v := sp.views[id]
			if r != nil && !v.hasRegistration(r) {
				continue
			}
			detach(id, v)
		}
	} else if v, ok := sp.views[q.id()]; ok {
		detach(q.id(), v)
	}
	if hadCompleteView && !sp.hasCompleteView() {
		// The last complete view is gone.
		removed = append(removed, querySpec{path: q.path})
	}
	return removed, cancels
}

// queryViews lists the views that do not load all data.
func (sp *SyncPoint) queryViews() []*View {
	var out []*View
	sp.each(func(v *View) {
		if !v.query.params.LoadsAllData() {
			out = append(out, v)
		}
	})
	return out
}

func (sp *SyncPoint) completeServerCache(p Path) Node {
	var out Node
	sp.each(func(v *View) {
		if out == nil {
			out = v.CompleteServerCache(p)
		}
	})
	return out
}

func (sp *SyncPoint) viewForQuery(q querySpec) *View {
	if q.params.LoadsAllData() {
		return sp.completeView()
	}
	return sp.views[q.id()]
}

func (sp *SyncPoint) viewExistsForQuery(q querySpec) bool { return sp.viewForQuery(q) != nil }

func (sp *SyncPoint) hasCompleteView() bool { return sp.completeView() != nil }

func (sp *SyncPoint) completeView() *View {
	for _, id := range sp.order {
		if v := sp.views[id]; v.query.params.LoadsAllData() {
			return v
		}
	}
	return nil
}
