package rtsync

import (
	"encoding/json"
	"fmt"
)

const (
	viewFromLeft  = "l"
	viewFromRight = "r"
)

// QueryParams describes which children of a location a query sees: an
// index, optional inclusive bounds and an optional limit anchored at either
// end. The zero value is the default query, which loads everything ordered
// by priority.
type QueryParams struct {
	index Index

	hasStart      bool
	startValue    Node
	startName     string
	hasStartName  bool
	startAfterSet bool

	hasEnd       bool
	endValue     Node
	endName      string
	hasEndName   bool
	endBeforeSet bool
	limit        int
	hasLimit     bool
	viewFrom     string
}

// DefaultQueryParams loads all data ordered by priority.
var DefaultQueryParams = QueryParams{}

func (q QueryParams) Index() Index {
	if q.index == nil {
		return PriorityIndex
	}
	return q.index
}

func (q QueryParams) HasStart() bool { return q.hasStart }
func (q QueryParams) HasEnd() bool   { return q.hasEnd }
func (q QueryParams) HasLimit() bool { return q.hasLimit }
func (q QueryParams) Limit() int     { return q.limit }

// hasAnchoredLimit reports a limit with an explicit direction.
func (q QueryParams) hasAnchoredLimit() bool { return q.hasLimit && q.viewFrom != "" }

func (q QueryParams) viewFromLeft() bool {
	if q.viewFrom == "" {
		return q.hasStart
	}
	return q.viewFrom == viewFromLeft
}

func (q QueryParams) indexStartName() string {
	if q.hasStartName {
		return q.startName
	}
	return MinName
}

func (q QueryParams) indexEndName() string {
	if q.hasEndName {
		return q.endName
	}
	return MaxName
}

// LoadsAllData reports whether the query sees every child.
func (q QueryParams) LoadsAllData() bool {
	return !(q.hasStart || q.hasEnd || q.hasLimit)
}

// IsDefault reports whether the query is equivalent to no query at all.
func (q QueryParams) IsDefault() bool {
	return q.LoadsAllData() && sameIndex(q.Index(), PriorityIndex)
}

func (q QueryParams) withLimit(limit int, viewFrom string) QueryParams {
	q.hasLimit = true
	q.limit = limit
	q.viewFrom = viewFrom
	return q
}

func (q QueryParams) withStart(value Node, name string, hasName bool) QueryParams {
	q.hasStart = true
	q.startValue = value
	q.startName = name
	q.hasStartName = hasName
	return q
}

func (q QueryParams) withEnd(value Node, name string, hasName bool) QueryParams {
	q.hasEnd = true
	q.endValue = value
	q.endName = name
	q.hasEndName = hasName
	return q
}

// withStartAfter is expressed as an inclusive start at the successor of the
// given position.
func (q QueryParams) withStartAfter(value Node, name string, hasName bool) QueryParams {
	var out QueryParams
	if isKeyIndex(q.Index()) {
		if s, ok := value.Value(false).(string); ok {
			value = newLeaf(keySuccessor(s), nil)
		}
		out = q.withStart(value, name, hasName)
	} else {
		key := MaxName
		if hasName {
			key = keySuccessor(name)
		}
		out = q.withStart(value, key, true)
	}
	out.startAfterSet = true
	return out
}

func (q QueryParams) withEndBefore(value Node, name string, hasName bool) QueryParams {
	var out QueryParams
	if isKeyIndex(q.Index()) {
		if s, ok := value.Value(false).(string); ok {
			value = newLeaf(keyPredecessor(s), nil)
		}
		out = q.withEnd(value, name, hasName)
	} else {
		key := MinName
		if hasName {
			key = keyPredecessor(name)
		}
		out = q.withEnd(value, key, true)
	}
	out.endBeforeSet = true
	return out
}

func (q QueryParams) withIndex(idx Index) QueryParams {
	q.index = idx
	return q
}

// NodeFilter returns the filter that enforces the query.
func (q QueryParams) NodeFilter() NodeFilter {
	switch {
	case q.LoadsAllData():
		return newIndexedFilter(q.Index())
	case q.hasLimit:
		return newLimitedFilter(q)
	}
	return newRangedFilter(q)
}

// Filter returns the part of n the query sees.
func (q QueryParams) Filter(n Node) Node {
	return q.NodeFilter().UpdateFullNode(Empty, n, nil)
}

// WireObject is the query as sent in listen requests.
func (q QueryParams) WireObject() map[string]any {
	obj := make(map[string]any)
	if q.hasStart {
		obj["sp"] = q.startValue.Value(false)
		if q.hasStartName {
			obj["sn"] = q.startName
		}
	}
	if q.hasEnd {
		obj["ep"] = q.endValue.Value(false)
		if q.hasEndName {
			obj["en"] = q.endName
		}
	}
	if q.hasLimit {
		obj["l"] = q.limit
		vf := q.viewFrom
		if vf == "" {
			vf = viewFromRight
			if q.viewFromLeft() {
				vf = viewFromLeft
			}
		}
		obj["vf"] = vf
	}
	if !sameIndex(q.Index(), PriorityIndex) {
		obj["i"] = q.Index().String()
	}
	return obj
}

// ID identifies the query among the views of a location. Equal parameters
// always give the same id.
func (q QueryParams) ID() string {
	if q.IsDefault() {
		return "default"
	}
	b, err := json.Marshal(q.WireObject())
	assertf(err == nil, "query object must encode: %v", err)
	return string(b)
}

// ParseQueryParams decodes a wire query object.
func ParseQueryParams(obj map[string]any) (QueryParams, error) {
	var q QueryParams
	if i, ok := obj["i"]; ok {
		s, ok := i.(string)
		if !ok || s == "" {
			return q, fmt.Errorf("invalid query index %v", i)
		}
		q.index = indexFromString(s)
	}
	if sp, ok := obj["sp"]; ok {
		n, err := NodeFromValue(sp)
		if err != nil {
			return q, fmt.Errorf("query start: %w", err)
		}
		name, hasName := obj["sn"].(string)
		q = q.withStart(n, name, hasName)
	}
	if ep, ok := obj["ep"]; ok {
		n, err := NodeFromValue(ep)
		if err != nil {
			return q, fmt.Errorf("query end: %w", err)
		}
		name, hasName := obj["en"].(string)
		q = q.withEnd(n, name, hasName)
	}
	if l, ok := obj["l"]; ok {
		limit, ok := toInt(l)
		if !ok || limit <= 0 {
			return q, fmt.Errorf("invalid query limit %v", l)
		}
		vf, _ := obj["vf"].(string)
		if vf != viewFromLeft && vf != viewFromRight {
			return q, fmt.Errorf("invalid query view direction %q", vf)
		}
		q = q.withLimit(limit, vf)
	}
	return q, nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}
