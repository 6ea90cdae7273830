package rtsync

// CompleteChildSource finds complete children for filters that need data
// outside the node they are updating, such as a limited view refilling its
// window after an eviction.
type CompleteChildSource interface {
	CompleteChild(key string) Node
	ChildAfterChild(idx Index, child NamedNode, reverse bool) (NamedNode, bool)
}

// noCompleteChildSource never has anything.
type noCompleteChildSource struct{}

func (noCompleteChildSource) CompleteChild(string) Node { return nil }

func (noCompleteChildSource) ChildAfterChild(Index, NamedNode, bool) (NamedNode, bool) {
	return NamedNode{}, false
}

// writeTreeCompleteChildSource consults, in order, the event cache, the
// pending writes and the server cache.
type writeTreeCompleteChildSource struct {
	writes     WriteTreeRef
	viewCache  ViewCache
	serverNode Node
}

func newWriteTreeCompleteChildSource(writes WriteTreeRef, viewCache ViewCache, serverNode Node) *writeTreeCompleteChildSource {
	return &writeTreeCompleteChildSource{writes: writes, viewCache: viewCache, serverNode: serverNode}
}

func (s *writeTreeCompleteChildSource) CompleteChild(key string) Node {
	if ec := s.viewCache.eventCache; ec.IsCompleteForChild(key) {
		return ec.node.ImmediateChild(key)
	}
	server := s.viewCache.serverCache
	if s.serverNode != nil {
		server = newCacheNode(s.serverNode, true, false)
	}
	return s.writes.CalcCompleteChild(key, server)
}

func (s *writeTreeCompleteChildSource) ChildAfterChild(idx Index, child NamedNode, reverse bool) (NamedNode, bool) {
	completeServerData := s.serverNode
	if completeServerData == nil {
		completeServerData = s.viewCache.completeServerSnap()
	}
	nodes := s.writes.CalcIndexedSlice(completeServerData, child, 1, reverse, idx)
	if len(nodes) == 0 {
		return NamedNode{}, false
	}
	return nodes[0], true
}
