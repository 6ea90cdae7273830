package rtsync

// CacheNode is a cached node plus how much of the real data it reflects.
// A filtered cache holds only the children a query admits.
type CacheNode struct {
	node             Node
	fullyInitialized bool
	filtered         bool
}

func newCacheNode(n Node, fullyInitialized, filtered bool) CacheNode {
	if n == nil {
		n = Empty
	}
	return CacheNode{node: n, fullyInitialized: fullyInitialized, filtered: filtered}
}

func (c CacheNode) Node() Node               { return c.node }
func (c CacheNode) IsFullyInitialized() bool { return c.fullyInitialized }
func (c CacheNode) IsFiltered() bool         { return c.filtered }

// IsCompleteForPath reports whether the cache holds the full data at p.
func (c CacheNode) IsCompleteForPath(p Path) bool {
	if p.IsEmpty() {
		return c.fullyInitialized && !c.filtered
	}
	return c.IsCompleteForChild(p.Front())
}

// IsCompleteForChild reports whether the cache holds the full data of key.
func (c CacheNode) IsCompleteForChild(key string) bool {
	return (c.fullyInitialized && !c.filtered) || c.node.HasChild(key)
}

// completeNode returns the node once initialized, otherwise nil. For a
// filtered cache that is complete data for the query only.
func (c CacheNode) completeNode() Node {
	if c.fullyInitialized {
		return c.node
	}
	return nil
}

// ViewCache pairs what listeners see (event cache) with what the server
// sent (server cache). The event cache is the server cache with visible
// writes applied.
type ViewCache struct {
	eventCache  CacheNode
	serverCache CacheNode
}

func (v ViewCache) EventCache() CacheNode  { return v.eventCache }
func (v ViewCache) ServerCache() CacheNode { return v.serverCache }

func (v ViewCache) updateEventSnap(n Node, complete, filtered bool) ViewCache {
	return ViewCache{eventCache: newCacheNode(n, complete, filtered), serverCache: v.serverCache}
}

func (v ViewCache) updateServerSnap(n Node, complete, filtered bool) ViewCache {
	return ViewCache{eventCache: v.eventCache, serverCache: newCacheNode(n, complete, filtered)}
}

func (v ViewCache) completeEventSnap() Node  { return v.eventCache.completeNode() }
func (v ViewCache) completeServerSnap() Node { return v.serverCache.completeNode() }
