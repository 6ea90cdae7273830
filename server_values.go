package rtsync

import (
	"time"
)

// Clock supplies the local time for server value placeholders and
// reconnect bookkeeping.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// ServerTimestamp is a placeholder the server replaces with its own time.
var ServerTimestamp = map[string]any{".sv": "timestamp"}

// Increment is a placeholder that atomically adds delta on the server.
func Increment(delta float64) map[string]any {
	return map[string]any{".sv": map[string]any{"increment": delta}}
}

// serverValues are the local stand-ins used until the server answers.
type serverValues struct {
	timestamp float64
}

// generateServerValues estimates the server time from the local clock and
// the offset reported at handshake.
func generateServerValues(clock Clock, offset time.Duration) serverValues {
	return serverValues{timestamp: float64(clock.Now().Add(offset).UnixMilli())}
}

// valueProvider yields the existing value a placeholder resolves against.
type valueProvider interface {
	node() Node
	child(key string) valueProvider
}

type existingValueProvider struct{ n Node }

func (p existingValueProvider) node() Node { return p.n }

func (p existingValueProvider) child(key string) valueProvider {
	return existingValueProvider{n: p.n.ImmediateChild(key)}
}

// deferredValueProvider reads the local value lazily from a sync tree.
type deferredValueProvider struct {
	tree *SyncTree
	path Path
}

func (p deferredValueProvider) node() Node {
	if n := p.tree.CalcCompleteEventCache(p.path); n != nil {
		return n
	}
	return Empty
}

func (p deferredValueProvider) child(key string) valueProvider {
	return deferredValueProvider{tree: p.tree, path: p.path.Child(key)}
}

func isDeferred(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	_, ok = m[".sv"]
	return ok
}

func resolveDeferredLeafValue(v any, existing valueProvider, sv serverValues) any {
	if !isDeferred(v) {
		return v
	}
	switch op := v.(map[string]any)[".sv"].(type) {
	case string:
		assertf(op == "timestamp", "unexpected server value %q", op)
		return sv.timestamp
	case map[string]any:
		raw, ok := op["increment"]
		assertf(ok, "unexpected server value %v", op)
		delta, err := normalizeLeaf(raw)
		d, isNum := delta.(float64)
		assertf(err == nil && isNum, "unexpected increment value %v", raw)
		// Incrementing anything but a number sets it to delta.
		if leaf, ok := existing.node().(*LeafNode); ok {
			if cur, ok := leaf.value.(float64); ok {
				return cur + d
			}
		}
		return d
	}
	assertf(false, "unexpected server value %v", v)
	return nil
}

// resolveDeferredValue replaces every placeholder in n.
func resolveDeferredValue(n Node, existing valueProvider, sv serverValues) Node {
	var rawPriority any
	if l, ok := n.Priority().(*LeafNode); ok {
		rawPriority = l.value
	}
	priority := resolveDeferredLeafValue(rawPriority, existing.child(".priority"), sv)
	if leaf, ok := n.(*LeafNode); ok {
		value := resolveDeferredLeafValue(leaf.value, existing, sv)
		if isDeferred(leaf.value) || isDeferred(rawPriority) {
			return newLeaf(value, priorityNode(priority))
		}
		return n
	}
	out := n
	if isDeferred(rawPriority) {
		out = out.UpdatePriority(priorityNode(priority))
	}
	for _, nn := range n.Children(KeyIndex) {
		resolved := resolveDeferredValue(nn.Node, existing.child(nn.Name), sv)
		if resolved != nn.Node {
			out = out.UpdateImmediateChild(nn.Name, resolved)
		}
	}
	return out
}

func priorityNode(v any) Node {
	if v == nil {
		return Empty
	}
	return newLeaf(v, nil)
}

// resolveDeferredValueSnapshot resolves against a known existing value.
func resolveDeferredValueSnapshot(n, existing Node, sv serverValues) Node {
	if existing == nil {
		existing = Empty
	}
	return resolveDeferredValue(n, existingValueProvider{n: existing}, sv)
}

// resolveDeferredValueTree resolves against the local value at p.
func resolveDeferredValueTree(p Path, n Node, tree *SyncTree, sv serverValues) Node {
	return resolveDeferredValue(n, deferredValueProvider{tree: tree, path: p}, sv)
}

// ResolveServerValues replaces every placeholder in n using now as the
// server time and existing as the value being overwritten. Servers call it
// before storing a write.
func ResolveServerValues(n, existing Node, now time.Time) Node {
	return resolveDeferredValueSnapshot(n, existing, serverValues{timestamp: float64(now.UnixMilli())})
}
