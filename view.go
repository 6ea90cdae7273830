package rtsync

// querySpec is a location plus the parameters of a query on it.
type querySpec struct {
	path   Path
	params QueryParams
}

func (q querySpec) id() string { return q.params.ID() }

// key identifies the query across the whole tree.
func (q querySpec) key() string { return q.path.String() + "$" + q.id() }

// forListening maps index-only queries to the default query: the server
// sends the same data for both.
func (q querySpec) forListening() querySpec {
	if q.params.LoadsAllData() && !q.params.IsDefault() {
		return querySpec{path: q.path}
	}
	return q
}

// View is the materialized result of one query at one location together
// with the listeners attached to it.
type View struct {
	query         querySpec
	processor     *viewProcessor
	cache         ViewCache
	registrations []*eventRegistration
	generator     eventGenerator
}

func newView(q querySpec, initial ViewCache) *View {
	idx := q.params.Index()
	indexFilter := newIndexedFilter(idx)
	filter := q.params.NodeFilter()
	// The server cache is only index-filtered until a tagged listen
	// delivers query-filtered data.
	serverSnap := indexFilter.UpdateFullNode(Empty, initial.serverCache.node, nil)
	eventSnap := filter.UpdateFullNode(Empty, initial.eventCache.node, nil)
	return &View{
		query:     q,
		processor: &viewProcessor{filter: filter},
		cache: ViewCache{
			eventCache:  newCacheNode(eventSnap, initial.eventCache.fullyInitialized, filter.FiltersNodes()),
			serverCache: newCacheNode(serverSnap, initial.serverCache.fullyInitialized, indexFilter.FiltersNodes()),
		},
		generator: eventGenerator{query: q, index: idx},
	}
}

// ServerCache is the server data the view currently holds.
func (v *View) ServerCache() Node { return v.cache.serverCache.node }

// CompleteNode is the event cache once it is initialized.
func (v *View) CompleteNode() Node { return v.cache.completeEventSnap() }

// CompleteServerCache returns complete server data at p below the view, or
// nil. A filtered view only knows the children it holds.
func (v *View) CompleteServerCache(p Path) Node {
	cache := v.cache.completeServerSnap()
	if cache == nil {
		return nil
	}
	if v.query.params.LoadsAllData() || (!p.IsEmpty() && !cache.ImmediateChild(p.Front()).IsEmpty()) {
		return cache.Child(p)
	}
	return nil
}

func (v *View) IsEmpty() bool { return len(v.registrations) == 0 }

func (v *View) addRegistration(r *eventRegistration) {
	v.registrations = append(v.registrations, r)
}

// removeRegistration drops r, or every registration when r is nil. With
// cancelErr set, every registration gets a cancel event.
func (v *View) removeRegistration(r *eventRegistration, cancelErr error) []queuedEvent {
	var cancels []queuedEvent
	if cancelErr != nil {
		assertf(r == nil, "a cancel should cancel all event registrations")
		for _, reg := range v.registrations {
			if reg.onCancel != nil {
				cancels = append(cancels, queuedEvent{reg: reg, cancelErr: cancelErr})
			}
		}
	}
	if r == nil {
		v.registrations = nil
		return cancels
	}
	for i, reg := range v.registrations {
		if reg == r {
			v.registrations = append(v.registrations[:i:i], v.registrations[i+1:]...)
			break
		}
	}
	return cancels
}

func (v *View) hasRegistration(r *eventRegistration) bool {
	for _, reg := range v.registrations {
		if reg == r {
			return true
		}
	}
	return false
}

// ApplyOperation updates the caches and returns the events for every
// attached listener.
func (v *View) ApplyOperation(op Operation, writes WriteTreeRef, completeServerCache Node) []queuedEvent {
	if m, ok := op.(*Merge); ok && m.source.QueryID != "" {
		assertf(v.cache.completeServerSnap() != nil, "we should always have a full cache before handling merges")
		assertf(v.cache.completeEventSnap() != nil, "missing event cache, even though we have a server cache")
	}
	old := v.cache
	next, changes := v.processor.applyOperation(old, op, writes, completeServerCache)
	assertf(next.serverCache.fullyInitialized || !old.serverCache.fullyInitialized, "once a server snap is complete, it should never go back")
	v.cache = next
	return v.generator.generate(changes, next.eventCache.node, v.registrations)
}

// initialEvents are the events a new registration sees: child_added for
// every child, then value once the data is known.
func (v *View) initialEvents(r *eventRegistration) []queuedEvent {
	eventSnap := v.cache.eventCache
	var changes []Change
	if !eventSnap.node.IsLeaf() {
		for _, nn := range eventSnap.node.Children(PriorityIndex) {
			changes = append(changes, childAddedChange(nn.Name, nn.Node))
		}
	}
	if eventSnap.fullyInitialized {
		changes = append(changes, valueChange(eventSnap.node))
	}
	return v.generator.generate(changes, eventSnap.node, []*eventRegistration{r})
}
