package rtsync

// listenProvider starts and stops server listens for a SyncTree. onComplete
// must be called on the event loop with the listen's final status.
type listenProvider interface {
	startListening(q querySpec, tag int64, hash func() string, onComplete func(status string) []queuedEvent) []queuedEvent
	stopListening(q querySpec, tag int64)
}

// SyncTree is the root of the client data model: a tree of SyncPoints, one
// per location with listeners, plus the pending writes. Every operation,
// local or from the server, enters here and comes out as events.
//
// Queries that filter data get a numeric tag so that the server can address
// updates to them alone. Tag 0 means untagged.
type SyncTree struct {
	syncPoints *ImmutableTree[*SyncPoint]
	writes     *WriteTree
	provider   listenProvider

	nextTag    int64
	tagToQuery map[int64]querySpec
	queryToTag map[string]int64

	// warmCache supplies persisted server data for new views that have no
	// server data in memory yet. The bool reports whether it is complete.
	warmCache func(p Path) (Node, bool)
}

func newSyncTree(provider listenProvider) *SyncTree {
	return &SyncTree{
		syncPoints: newImmutableTree[*SyncPoint](),
		writes:     newWriteTree(),
		provider:   provider,
		nextTag:    1,
		tagToQuery: make(map[int64]querySpec),
		queryToTag: make(map[string]int64),
	}
}

// ApplyUserOverwrite records a local set and returns its events.
func (st *SyncTree) ApplyUserOverwrite(p Path, n Node, writeID int64, visible bool) []queuedEvent {
	st.writes.AddOverwrite(p, n, writeID, visible)
	if !visible {
		return nil
	}
	return st.applyOperationToSyncPoints(newOverwrite(sourceUser, p, n))
}

// ApplyUserMerge records a local update; children is keyed by relative path.
func (st *SyncTree) ApplyUserMerge(p Path, children map[string]Node, writeID int64) []queuedEvent {
	st.writes.AddMerge(p, children, writeID)
	return st.applyOperationToSyncPoints(newMerge(sourceUser, p, treeFromMap(children)))
}

// AckUserWrite removes a write once the server answered. With revert the
// write was rejected and views fall back to server data. Unknown ids are
// ignored; the write may have been purged.
func (st *SyncTree) AckUserWrite(writeID int64, revert bool) []queuedEvent {
	w, ok := st.writes.GetWrite(writeID)
	if !ok {
		return nil
	}
	if !st.writes.RemoveWrite(writeID) {
		return nil
	}
	affected := newImmutableTree[bool]()
	if w.isOverwrite() {
		affected = affected.Set(RootPath, true)
	} else {
		for k := range w.Children {
			affected = affected.Set(ParsePath(k), true)
		}
	}
	return st.applyOperationToSyncPoints(newAckUserWrite(w.Path, affected, revert))
}

// RemoveAllWrites drops every pending write, reverting the views. It
// returns the purged records and the events.
func (st *SyncTree) RemoveAllWrites() ([]WriteRecord, []queuedEvent) {
	purged := st.writes.RemoveAllWrites()
	if len(purged) == 0 {
		return nil, nil
	}
	affected := newImmutableTreeValue(true)
	return purged, st.applyOperationToSyncPoints(newAckUserWrite(RootPath, affected, true))
}

func (st *SyncTree) ApplyServerOverwrite(p Path, n Node) []queuedEvent {
	return st.applyOperationToSyncPoints(newOverwrite(sourceServer, p, n))
}

func (st *SyncTree) ApplyServerMerge(p Path, children map[string]Node) []queuedEvent {
	return st.applyOperationToSyncPoints(newMerge(sourceServer, p, treeFromMap(children)))
}

func (st *SyncTree) ApplyListenComplete(p Path) []queuedEvent {
	return st.applyOperationToSyncPoints(newListenComplete(sourceServer, p))
}

func (st *SyncTree) ApplyTaggedListenComplete(p Path, tag int64) []queuedEvent {
	q, ok := st.tagToQuery[tag]
	if !ok {
		// Already removed.
		return nil
	}
	return st.applyTaggedOperation(q.path, newListenComplete(sourceServerTaggedQuery(q.id()), RelativePath(q.path, p)))
}

func (st *SyncTree) ApplyTaggedQueryOverwrite(p Path, n Node, tag int64) []queuedEvent {
	q, ok := st.tagToQuery[tag]
	if !ok || !q.path.Contains(p) {
		return nil
	}
	return st.applyTaggedOperation(q.path, newOverwrite(sourceServerTaggedQuery(q.id()), RelativePath(q.path, p), n))
}

func (st *SyncTree) ApplyTaggedQueryMerge(p Path, children map[string]Node, tag int64) []queuedEvent {
	q, ok := st.tagToQuery[tag]
	if !ok || !q.path.Contains(p) {
		return nil
	}
	return st.applyTaggedOperation(q.path, newMerge(sourceServerTaggedQuery(q.id()), RelativePath(q.path, p), treeFromMap(children)))
}

func (st *SyncTree) applyTaggedOperation(queryPath Path, op Operation) []queuedEvent {
	sp, ok := st.syncPoints.Get(queryPath)
	assertf(ok, "missing sync point for query tag that we're tracking")
	return sp.applyOperation(op, st.writes.ChildWrites(queryPath), nil)
}

// AddEventRegistration attaches r to the view of q, creating the view and
// the server listen when needed, and returns the initial events.
func (st *SyncTree) AddEventRegistration(q querySpec, r *eventRegistration) []queuedEvent {
	p := q.path
	var serverCache Node
	foundAncestorDefaultView := false
	st.syncPoints.ForEachOnPath(p, func(at Path, sp *SyncPoint) {
		if serverCache == nil {
			serverCache = sp.completeServerCache(RelativePath(at, p))
		}
		foundAncestorDefaultView = foundAncestorDefaultView || sp.hasCompleteView()
	})
	sp, ok := st.syncPoints.Get(p)
	if !ok {
		sp = newSyncPoint()
		st.syncPoints = st.syncPoints.Set(p, sp)
	} else {
		foundAncestorDefaultView = foundAncestorDefaultView || sp.hasCompleteView()
		if serverCache == nil {
			serverCache = sp.completeServerCache(RootPath)
		}
	}

	serverCacheComplete := serverCache != nil
	if !serverCacheComplete {
		serverCache = Empty
		st.syncPoints.Subtree(p).ForEachChild(func(key string, child *SyncPoint) {
			if complete := child.completeServerCache(RootPath); complete != nil {
				serverCache = serverCache.UpdateImmediateChild(key, complete)
			}
		})
		if st.warmCache != nil && !sp.viewExistsForQuery(q) {
			if n, complete := st.warmCache(p); complete {
				serverCache, serverCacheComplete = n, true
			} else if serverCache.IsEmpty() && n != nil {
				serverCache = n
			}
		}
	}

	viewAlreadyExists := sp.viewExistsForQuery(q)
	if !viewAlreadyExists && !q.params.LoadsAllData() {
		_, tagged := st.queryToTag[q.key()]
		assertf(!tagged, "view does not exist, but we have a tag")
		tag := st.nextTag
		st.nextTag++
		st.queryToTag[q.key()] = tag
		st.tagToQuery[tag] = q
	}
	events := sp.addRegistration(q, r, st.writes.ChildWrites(p), serverCache, serverCacheComplete)
	if !viewAlreadyExists && !foundAncestorDefaultView {
		events = append(events, st.setupListener(q, sp.viewForQuery(q))...)
	}
	return events
}

// RemoveEventRegistration detaches r from q, or every registration at q
// when r is nil. With cancelErr the listen is already gone server side and
// listeners get cancel events instead.
func (st *SyncTree) RemoveEventRegistration(q querySpec, r *eventRegistration, cancelErr error) []queuedEvent {
	p := q.path
	sp, ok := st.syncPoints.Get(p)
	// Removing from the default query affects every query at the location;
	// an index-only query does not.
	if !ok || !(q.params.IsDefault() || sp.viewExistsForQuery(q)) {
		return nil
	}
	removed, cancels := sp.removeRegistration(q, r, cancelErr)
	if sp.IsEmpty() {
		st.syncPoints = st.syncPoints.Remove(p)
	}

	removingDefault := false
	for _, rq := range removed {
		if rq.params.LoadsAllData() {
			removingDefault = true
			break
		}
	}
	_, covered := FindOnPath(st.syncPoints, p, func(_ Path, parent *SyncPoint) (bool, bool) {
		return true, parent.hasCompleteView()
	})
	if removingDefault && !covered {
		// Listens below were shadowed by the one going away; set them up.
		if subtree := st.syncPoints.Subtree(p); !subtree.IsEmpty() {
			for _, v := range collectDistinctViews(subtree) {
				tag := st.queryToTag[v.query.key()]
				hash, onComplete := st.listenerForView(v)
				st.provider.startListening(v.query.forListening(), tag, hash, onComplete)
			}
		}
	}
	if !covered && len(removed) > 0 && cancelErr == nil {
		if removingDefault {
			st.provider.stopListening(q.forListening(), 0)
		} else {
			for _, rq := range removed {
				st.provider.stopListening(rq.forListening(), st.queryToTag[rq.key()])
			}
		}
	}
	st.removeTags(removed)
	return cancels
}

func (st *SyncTree) removeTags(queries []querySpec) {
	for _, q := range queries {
		if q.params.LoadsAllData() {
			continue
		}
		if tag, ok := st.queryToTag[q.key()]; ok {
			delete(st.queryToTag, q.key())
			delete(st.tagToQuery, tag)
		}
	}
}

// CalcCompleteEventCache returns the local value at p, including hidden
// writes and skipping the ones in exclude.
func (st *SyncTree) CalcCompleteEventCache(p Path, exclude ...int64) Node {
	serverCache, _ := FindOnPath(st.syncPoints, p, func(at Path, sp *SyncPoint) (Node, bool) {
		n := sp.completeServerCache(RelativePath(at, p))
		return n, n != nil
	})
	return st.writes.CalcCompleteEventCacheExcluding(p, serverCache, exclude, true)
}

// ServerValue returns the cached server data for q if some view has it.
func (st *SyncTree) ServerValue(q querySpec) (Node, bool) {
	var serverCache Node
	st.syncPoints.ForEachOnPath(q.path, func(at Path, sp *SyncPoint) {
		if serverCache == nil {
			serverCache = sp.completeServerCache(RelativePath(at, q.path))
		}
	})
	if serverCache == nil {
		return nil, false
	}
	return q.params.Filter(serverCache), true
}

func (st *SyncTree) tagForQuery(q querySpec) int64 { return st.queryToTag[q.key()] }

func collectDistinctViews(subtree *ImmutableTree[*SyncPoint]) []*View {
	return Fold(subtree, func(_ Path, sp *SyncPoint, ok bool, children map[string][]*View) []*View {
		if ok && sp.hasCompleteView() {
			return []*View{sp.completeView()}
		}
		var views []*View
		if ok {
			views = sp.queryViews()
		}
		for _, k := range sortedKeys(children) {
			views = append(views, children[k]...)
		}
		return views
	})
}

func (st *SyncTree) setupListener(q querySpec, v *View) []queuedEvent {
	tag := st.tagForQuery(q)
	hash, onComplete := st.listenerForView(v)
	events := st.provider.startListening(q.forListening(), tag, hash, onComplete)

	subtree := st.syncPoints.Subtree(q.path)
	if tag != 0 {
		if sp, ok := subtree.Value(); ok {
			assertf(!sp.hasCompleteView(), "if we're adding a query, it shouldn't be shadowed")
		}
		return events
	}
	// A default listen shadows every listen at or below it.
	toStop := Fold(subtree, func(rel Path, sp *SyncPoint, ok bool, children map[string][]querySpec) []querySpec {
		if !rel.IsEmpty() && ok && sp.hasCompleteView() {
			return []querySpec{sp.completeView().query}
		}
		var queries []querySpec
		if ok {
			for _, qv := range sp.queryViews() {
				queries = append(queries, qv.query)
			}
		}
		for _, k := range sortedKeys(children) {
			queries = append(queries, children[k]...)
		}
		return queries
	})
	for _, stop := range toStop {
		st.provider.stopListening(stop.forListening(), st.tagForQuery(stop))
	}
	return events
}

func (st *SyncTree) listenerForView(v *View) (func() string, func(string) []queuedEvent) {
	q := v.query
	tag := st.tagForQuery(q)
	hash := func() string { return v.ServerCache().Hash() }
	onComplete := func(status string) []queuedEvent {
		if status == statusOK {
			if tag != 0 {
				return st.ApplyTaggedListenComplete(q.path, tag)
			}
			return st.ApplyListenComplete(q.path)
		}
		// A failed listen kills every listener at the location.
		return st.RemoveEventRegistration(q, nil, &ListenCancelledError{Path: q.path.String(), Code: status})
	}
	return hash, onComplete
}

func (st *SyncTree) applyOperationToSyncPoints(op Operation) []queuedEvent {
	return applyOperationHelper(op, st.syncPoints, nil, st.writes.ChildWrites(RootPath))
}

func applyOperationHelper(op Operation, tree *ImmutableTree[*SyncPoint], serverCache Node, writes WriteTreeRef) []queuedEvent {
	if op.Path().IsEmpty() {
		return applyOperationDescendants(op, tree, serverCache, writes)
	}
	sp, ok := tree.Value()
	if serverCache == nil && ok {
		serverCache = sp.completeServerCache(RootPath)
	}
	var events []queuedEvent
	key := op.Path().Front()
	childOp := op.ForChild(key)
	if child := tree.childTree(key); child != nil && childOp != nil {
		var childServerCache Node
		if serverCache != nil {
			childServerCache = serverCache.ImmediateChild(key)
		}
		events = append(events, applyOperationHelper(childOp, child, childServerCache, writes.Child(key))...)
	}
	if ok {
		events = append(events, sp.applyOperation(op, writes, serverCache)...)
	}
	return events
}

func applyOperationDescendants(op Operation, tree *ImmutableTree[*SyncPoint], serverCache Node, writes WriteTreeRef) []queuedEvent {
	sp, ok := tree.Value()
	if serverCache == nil && ok {
		serverCache = sp.completeServerCache(RootPath)
	}
	var events []queuedEvent
	for _, key := range tree.ChildKeys() {
		childOp := op.ForChild(key)
		if childOp == nil {
			continue
		}
		var childServerCache Node
		if serverCache != nil {
			childServerCache = serverCache.ImmediateChild(key)
		}
		events = append(events, applyOperationDescendants(childOp, tree.childTree(key), childServerCache, writes.Child(key))...)
	}
	if ok {
		events = append(events, sp.applyOperation(op, writes, serverCache)...)
	}
	return events
}
