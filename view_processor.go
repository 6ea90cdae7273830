package rtsync

// viewProcessor applies operations to a ViewCache through one NodeFilter.
// Server operations land in the server cache first and the event cache is
// then recomputed against pending writes; user operations go straight to the
// event cache.
type viewProcessor struct {
	filter NodeFilter
}

func (vp *viewProcessor) applyOperation(old ViewCache, op Operation, writes WriteTreeRef, completeCache Node) (ViewCache, []Change) {
	acc := newChildChangeAccumulator()
	var next ViewCache
	switch o := op.(type) {
	case *Overwrite:
		if o.source.FromUser {
			next = vp.applyUserOverwrite(old, o.path, o.Snap, writes, completeCache, acc)
		} else {
			assertf(o.source.FromServer, "unknown source")
			// A non-root overwrite on a filtered server cache may move
			// children across the query window, so it must be filtered
			// too.
			filterServerNode := o.source.Tagged || (old.serverCache.filtered && !o.path.IsEmpty())
			next = vp.applyServerOverwrite(old, o.path, o.Snap, writes, completeCache, filterServerNode, acc)
		}
	case *Merge:
		if o.source.FromUser {
			next = vp.applyUserMerge(old, o.path, o.Children, writes, completeCache, acc)
		} else {
			filterServerNode := o.source.Tagged || old.serverCache.filtered
			next = vp.applyServerMerge(old, o.path, o.Children, writes, completeCache, filterServerNode, acc)
		}
	case *AckUserWrite:
		if o.Revert {
			next = vp.revertUserWrite(old, o.path, writes, completeCache, acc)
		} else {
			next = vp.ackUserWrite(old, o.path, o.AffectedTree, writes, completeCache, acc)
		}
	case *ListenComplete:
		next = vp.listenComplete(old, o.path, writes, acc)
	default:
		assertf(false, "unknown operation %T", op)
	}
	changes := acc.Changes()
	return next, maybeAddValueEvent(old, next, changes)
}

func maybeAddValueEvent(old, next ViewCache, changes []Change) []Change {
	eventSnap := next.eventCache
	if !eventSnap.fullyInitialized {
		return changes
	}
	n := eventSnap.node
	oldComplete := old.completeEventSnap()
	switch {
	case len(changes) > 0,
		!old.eventCache.fullyInitialized,
		(n.IsLeaf() || n.IsEmpty()) && !n.Equals(oldComplete),
		!n.Priority().Equals(oldComplete.Priority()):
		changes = append(changes, valueChange(next.completeEventSnap()))
	}
	return changes
}

func (vp *viewProcessor) generateEventCacheAfterServerEvent(vc ViewCache, changePath Path, writes WriteTreeRef, source CompleteChildSource, acc *ChildChangeAccumulator) ViewCache {
	oldEventSnap := vc.eventCache
	if writes.ShadowingWrite(changePath) != nil {
		// A pending write hides this change entirely.
		return vc
	}
	var newEventCache Node
	if changePath.IsEmpty() {
		assertf(vc.serverCache.fullyInitialized, "if change path is empty, we must have complete server data")
		if vc.serverCache.filtered {
			// Only the server children we know of are complete; merge the
			// writes into them.
			serverCache := vc.completeServerSnap()
			completeChildren := Empty
			if !serverCache.IsLeaf() {
				completeChildren = serverCache
			}
			newEventCache = vp.filter.UpdateFullNode(oldEventSnap.node, writes.CalcCompleteEventChildren(completeChildren), acc)
		} else {
			complete := writes.CalcCompleteEventCache(vc.completeServerSnap())
			newEventCache = vp.filter.UpdateFullNode(oldEventSnap.node, complete, acc)
		}
	} else {
		childKey := changePath.Front()
		if childKey == ".priority" {
			assertf(changePath.Len() == 1, "can't have a priority with additional path components")
			oldEventNode := oldEventSnap.node
			updatedPriority := writes.CalcEventCacheAfterServerOverwrite(changePath, oldEventNode, vc.serverCache.node)
			if updatedPriority != nil {
				newEventCache = vp.filter.UpdatePriority(oldEventNode, updatedPriority)
			} else {
				newEventCache = oldEventNode
			}
		} else {
			childChangePath := changePath.PopFront()
			var newEventChild Node
			if oldEventSnap.IsCompleteForChild(childKey) {
				update := writes.CalcEventCacheAfterServerOverwrite(changePath, oldEventSnap.node, vc.serverCache.node)
				if update != nil {
					newEventChild = oldEventSnap.node.ImmediateChild(childKey).UpdateChild(childChangePath, update)
				} else {
					newEventChild = oldEventSnap.node.ImmediateChild(childKey)
				}
			} else {
				newEventChild = writes.CalcCompleteChild(childKey, vc.serverCache)
			}
			if newEventChild != nil {
				newEventCache = vp.filter.UpdateChild(oldEventSnap.node, childKey, newEventChild, childChangePath, source, acc)
			} else {
				newEventCache = oldEventSnap.node
			}
		}
	}
	return vc.updateEventSnap(newEventCache, oldEventSnap.fullyInitialized || changePath.IsEmpty(), vp.filter.FiltersNodes())
}

func (vp *viewProcessor) applyServerOverwrite(old ViewCache, changePath Path, changedSnap Node, writes WriteTreeRef, completeCache Node, filterServerNode bool, acc *ChildChangeAccumulator) ViewCache {
	oldServerSnap := old.serverCache
	serverFilter := vp.filter
	if !filterServerNode {
		serverFilter = vp.filter.IndexedFilter()
	}
	var newServerCache Node
	switch {
	case changePath.IsEmpty():
		newServerCache = serverFilter.UpdateFullNode(oldServerSnap.node, changedSnap, nil)
	case serverFilter.FiltersNodes() && !oldServerSnap.filtered:
		// The server cache was never filtered; do it now with a full
		// update.
		newServerNode := oldServerSnap.node.UpdateChild(changePath, changedSnap)
		newServerCache = serverFilter.UpdateFullNode(oldServerSnap.node, newServerNode, nil)
	default:
		childKey := changePath.Front()
		if !oldServerSnap.IsCompleteForPath(changePath) && changePath.Len() > 1 {
			// Deep updates to an incomplete child belong to some other
			// listener.
			return old
		}
		childChangePath := changePath.PopFront()
		newChildNode := oldServerSnap.node.ImmediateChild(childKey).UpdateChild(childChangePath, changedSnap)
		if childKey == ".priority" {
			newServerCache = serverFilter.UpdatePriority(oldServerSnap.node, newChildNode)
		} else {
			newServerCache = serverFilter.UpdateChild(oldServerSnap.node, childKey, newChildNode, childChangePath, noCompleteChildSource{}, nil)
		}
	}
	next := old.updateServerSnap(newServerCache, oldServerSnap.fullyInitialized || changePath.IsEmpty(), serverFilter.FiltersNodes())
	source := newWriteTreeCompleteChildSource(writes, next, completeCache)
	return vp.generateEventCacheAfterServerEvent(next, changePath, writes, source, acc)
}

func (vp *viewProcessor) applyUserOverwrite(old ViewCache, changePath Path, changedSnap Node, writes WriteTreeRef, completeCache Node, acc *ChildChangeAccumulator) ViewCache {
	oldEventSnap := old.eventCache
	source := newWriteTreeCompleteChildSource(writes, old, completeCache)
	if changePath.IsEmpty() {
		newEventCache := vp.filter.UpdateFullNode(oldEventSnap.node, changedSnap, acc)
		return old.updateEventSnap(newEventCache, true, vp.filter.FiltersNodes())
	}
	childKey := changePath.Front()
	if childKey == ".priority" {
		newEventCache := vp.filter.UpdatePriority(oldEventSnap.node, changedSnap)
		return old.updateEventSnap(newEventCache, oldEventSnap.fullyInitialized, oldEventSnap.filtered)
	}
	childChangePath := changePath.PopFront()
	oldChild := oldEventSnap.node.ImmediateChild(childKey)
	var newChild Node
	if childChangePath.IsEmpty() {
		newChild = changedSnap
	} else if childNode := source.CompleteChild(childKey); childNode != nil {
		if childChangePath.Back() == ".priority" && childNode.Child(childChangePath.Parent()).IsEmpty() {
			// Priority on a missing node. The server sends the priority
			// with the data if the node exists there.
			newChild = childNode
		} else {
			newChild = childNode.UpdateChild(childChangePath, changedSnap)
		}
	} else {
		newChild = Empty
	}
	if oldChild.Equals(newChild) {
		return old
	}
	newEventSnap := vp.filter.UpdateChild(oldEventSnap.node, childKey, newChild, childChangePath, source, acc)
	return old.updateEventSnap(newEventSnap, oldEventSnap.fullyInitialized, vp.filter.FiltersNodes())
}

func (vp *viewProcessor) applyUserMerge(vc ViewCache, p Path, changed *ImmutableTree[Node], writes WriteTreeRef, completeCache Node, acc *ChildChangeAccumulator) ViewCache {
	// Children already in view go first: in a limited view they may leave
	// and make room for the others.
	cur := vc
	changed.ForEach(func(rel Path, n Node) {
		writePath := p.Join(rel)
		if vc.eventCache.IsCompleteForChild(writePath.Front()) {
			cur = vp.applyUserOverwrite(cur, writePath, n, writes, completeCache, acc)
		}
	})
	changed.ForEach(func(rel Path, n Node) {
		writePath := p.Join(rel)
		if !vc.eventCache.IsCompleteForChild(writePath.Front()) {
			cur = vp.applyUserOverwrite(cur, writePath, n, writes, completeCache, acc)
		}
	})
	return cur
}

func applyMergeTree(n Node, merge *ImmutableTree[Node]) Node {
	merge.ForEach(func(rel Path, child Node) {
		n = n.UpdateChild(rel, child)
	})
	return n
}

func (vp *viewProcessor) applyServerMerge(vc ViewCache, p Path, changed *ImmutableTree[Node], writes WriteTreeRef, completeCache Node, filterServerNode bool, acc *ChildChangeAccumulator) ViewCache {
	if vc.serverCache.node.IsEmpty() && !vc.serverCache.fullyInitialized {
		// Meant for an earlier listen at this location; the complete data
		// for ours is still on its way.
		return vc
	}
	cur := vc
	mergeTree := changed
	if !p.IsEmpty() {
		mergeTree = newImmutableTree[Node]().SetTree(p, changed)
	}
	serverNode := vc.serverCache.node
	keys := mergeTree.ChildKeys()
	for _, key := range keys {
		if serverNode.HasChild(key) {
			newChild := applyMergeTree(serverNode.ImmediateChild(key), mergeTree.childTree(key))
			cur = vp.applyServerOverwrite(cur, NewPath(key), newChild, writes, completeCache, filterServerNode, acc)
		}
	}
	for _, key := range keys {
		child := mergeTree.childTree(key)
		_, hasValue := child.Value()
		unknownDeepMerge := !vc.serverCache.IsCompleteForChild(key) && !hasValue
		if !serverNode.HasChild(key) && !unknownDeepMerge {
			newChild := applyMergeTree(serverNode.ImmediateChild(key), child)
			cur = vp.applyServerOverwrite(cur, NewPath(key), newChild, writes, completeCache, filterServerNode, acc)
		}
	}
	return cur
}

func (vp *viewProcessor) ackUserWrite(vc ViewCache, ackPath Path, affected *ImmutableTree[bool], writes WriteTreeRef, completeCache Node, acc *ChildChangeAccumulator) ViewCache {
	if writes.ShadowingWrite(ackPath) != nil {
		return vc
	}
	filterServerNode := vc.serverCache.filtered
	serverCache := vc.serverCache
	if _, overwrite := affected.Value(); overwrite {
		switch {
		case (ackPath.IsEmpty() && serverCache.fullyInitialized) || serverCache.IsCompleteForPath(ackPath):
			return vp.applyServerOverwrite(vc, ackPath, serverCache.node.Child(ackPath), writes, completeCache, filterServerNode, acc)
		case ackPath.IsEmpty():
			// Acked at this location without full data: replay what we
			// have as a merge.
			changed := newImmutableTree[Node]()
			for _, nn := range serverCache.node.Children(KeyIndex) {
				changed = changed.Set(NewPath(nn.Name), nn.Node)
			}
			return vp.applyServerMerge(vc, ackPath, changed, writes, completeCache, filterServerNode, acc)
		}
		return vc
	}
	changed := newImmutableTree[Node]()
	affected.ForEach(func(mergePath Path, _ bool) {
		serverCachePath := ackPath.Join(mergePath)
		if serverCache.IsCompleteForPath(serverCachePath) {
			changed = changed.Set(mergePath, serverCache.node.Child(serverCachePath))
		}
	})
	return vp.applyServerMerge(vc, ackPath, changed, writes, completeCache, filterServerNode, acc)
}

func (vp *viewProcessor) listenComplete(vc ViewCache, p Path, writes WriteTreeRef, acc *ChildChangeAccumulator) ViewCache {
	old := vc.serverCache
	next := vc.updateServerSnap(old.node, old.fullyInitialized || p.IsEmpty(), old.filtered)
	return vp.generateEventCacheAfterServerEvent(next, p, writes, noCompleteChildSource{}, acc)
}

func (vp *viewProcessor) revertUserWrite(vc ViewCache, p Path, writes WriteTreeRef, completeServerCache Node, acc *ChildChangeAccumulator) ViewCache {
	if writes.ShadowingWrite(p) != nil {
		return vc
	}
	source := newWriteTreeCompleteChildSource(writes, vc, completeServerCache)
	oldEventCache := vc.eventCache.node
	var newEventCache Node
	if p.IsEmpty() || p.Front() == ".priority" {
		var newNode Node
		if vc.serverCache.fullyInitialized {
			newNode = writes.CalcCompleteEventCache(vc.completeServerSnap())
		} else {
			serverChildren := vc.serverCache.node
			assertf(!serverChildren.IsLeaf(), "serverChildren would be complete if leaf node")
			newNode = writes.CalcCompleteEventChildren(serverChildren)
		}
		newEventCache = vp.filter.UpdateFullNode(oldEventCache, newNode, acc)
	} else {
		childKey := p.Front()
		newChild := writes.CalcCompleteChild(childKey, vc.serverCache)
		if newChild == nil && vc.serverCache.IsCompleteForChild(childKey) {
			newChild = oldEventCache.ImmediateChild(childKey)
		}
		switch {
		case newChild != nil:
			newEventCache = vp.filter.UpdateChild(oldEventCache, childKey, newChild, p.PopFront(), source, acc)
		case vc.eventCache.node.HasChild(childKey):
			// No complete child left; drop ours.
			newEventCache = vp.filter.UpdateChild(oldEventCache, childKey, Empty, p.PopFront(), source, acc)
		default:
			newEventCache = oldEventCache
		}
		if newEventCache.IsEmpty() && vc.serverCache.fullyInitialized {
			// Every child write may be gone; the real value could be a leaf.
			if complete := writes.CalcCompleteEventCache(vc.completeServerSnap()); complete != nil && complete.IsLeaf() {
				newEventCache = vp.filter.UpdateFullNode(newEventCache, complete, acc)
			}
		}
	}
	complete := vc.serverCache.fullyInitialized || writes.ShadowingWrite(RootPath) != nil
	return vc.updateEventSnap(newEventCache, complete, vp.filter.FiltersNodes())
}
