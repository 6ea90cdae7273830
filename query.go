package rtsync

import (
	"fmt"
	"math"
)

// Query describes a location and the part of its children to observe.
// Builder methods return a new Query; the first invalid call sticks and is
// returned by Listen and Get.
type Query struct {
	path       Path
	params     QueryParams
	orderBySet bool
	err        error
}

// NewQuery starts a query at path.
func NewQuery(path string) Query {
	p, err := validatePath("NewQuery", path)
	return Query{path: p, err: err}
}

func (q Query) Path() Path { return q.path }

// Key is the last segment of the location.
func (q Query) Key() string { return q.path.Back() }

// Err is the first error of the builder chain.
func (q Query) Err() error { return q.err }

// Params returns the query parameters.
func (q Query) Params() QueryParams { return q.params }

// Child returns an unfiltered query at a descendant of q.
func (q Query) Child(p string) Query {
	if q.err != nil {
		return q
	}
	child, err := validatePath("Child", p)
	return Query{path: q.path.Join(child), err: err}
}

func (q Query) spec() querySpec { return querySpec{path: q.path, params: q.params} }

func (q Query) fail(op, format string, args ...any) Query {
	if q.err == nil {
		q.err = validationErrorf(op, format, args...)
	}
	return q
}

// ============================================================================
// Ordering
// ============================================================================

func (q Query) orderBy(op string, idx Index) Query {
	if q.err != nil {
		return q
	}
	if q.orderBySet {
		return q.fail(op, "you can't combine multiple orderBy calls")
	}
	q.orderBySet = true
	q.params = q.params.withIndex(idx)
	return q.checkOrderBy(op)
}

func (q Query) OrderByKey() Query      { return q.orderBy("OrderByKey", KeyIndex) }
func (q Query) OrderByPriority() Query { return q.orderBy("OrderByPriority", PriorityIndex) }
func (q Query) OrderByValue() Query    { return q.orderBy("OrderByValue", ValueIndex) }

// OrderByChild orders children by the value at a path below each of them.
func (q Query) OrderByChild(path string) Query {
	switch path {
	case "$key":
		return q.fail("OrderByChild", "use OrderByKey instead of OrderByChild(%q)", path)
	case "$priority":
		return q.fail("OrderByChild", "use OrderByPriority instead of OrderByChild(%q)", path)
	case "$value":
		return q.fail("OrderByChild", "use OrderByValue instead of OrderByChild(%q)", path)
	}
	p, err := validatePath("OrderByChild", path)
	if err != nil {
		if q.err == nil {
			q.err = err
		}
		return q
	}
	if p.IsEmpty() {
		return q.fail("OrderByChild", "path must not be empty")
	}
	return q.orderBy("OrderByChild", NewPathIndex(p))
}

// ============================================================================
// Bounds
// ============================================================================

func (q Query) bound(op string, value any, name []string) (Node, string, bool, Query) {
	if q.err != nil {
		return nil, "", false, q
	}
	if len(name) > 1 {
		return nil, "", false, q.fail(op, "at most one key may be given")
	}
	switch v := value.(type) {
	case nil, bool, string:
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, "", false, q.fail(op, "value must be finite")
		}
	case int, int32, int64, float32, uint, uint32, uint64:
	default:
		return nil, "", false, q.fail(op, "value must be null, a boolean, a number or a string, got %T", value)
	}
	n, err := NodeFromValue(value)
	if err != nil {
		q.err = err
		return nil, "", false, q
	}
	if len(name) == 1 {
		if !isValidKey(name[0]) && name[0] != MinName && name[0] != MaxName {
			return nil, "", false, q.fail(op, "invalid key %q", name[0])
		}
		return n, name[0], true, q
	}
	return n, "", false, q
}

// StartAt includes children at or after value (and key, when given).
func (q Query) StartAt(value any, key ...string) Query {
	n, name, hasName, q := q.bound("StartAt", value, key)
	if q.err != nil {
		return q
	}
	if q.params.HasStart() {
		return q.fail("StartAt", "starting point was already set (by another call to StartAt, StartAfter, or EqualTo)")
	}
	q.params = q.params.withStart(n, name, hasName)
	return q.checkBounds("StartAt")
}

// StartAfter includes children strictly after value (and key).
func (q Query) StartAfter(value any, key ...string) Query {
	n, name, hasName, q := q.bound("StartAfter", value, key)
	if q.err != nil {
		return q
	}
	if q.params.HasStart() {
		return q.fail("StartAfter", "starting point was already set (by another call to StartAt, StartAfter, or EqualTo)")
	}
	q.params = q.params.withStartAfter(n, name, hasName)
	return q.checkBounds("StartAfter")
}

// EndAt includes children at or before value (and key).
func (q Query) EndAt(value any, key ...string) Query {
	n, name, hasName, q := q.bound("EndAt", value, key)
	if q.err != nil {
		return q
	}
	if q.params.HasEnd() {
		return q.fail("EndAt", "ending point was already set (by another call to EndAt, EndBefore, or EqualTo)")
	}
	q.params = q.params.withEnd(n, name, hasName)
	return q.checkBounds("EndAt")
}

// EndBefore includes children strictly before value (and key).
func (q Query) EndBefore(value any, key ...string) Query {
	n, name, hasName, q := q.bound("EndBefore", value, key)
	if q.err != nil {
		return q
	}
	if q.params.HasEnd() {
		return q.fail("EndBefore", "ending point was already set (by another call to EndAt, EndBefore, or EqualTo)")
	}
	q.params = q.params.withEndBefore(n, name, hasName)
	return q.checkBounds("EndBefore")
}

// EqualTo is StartAt and EndAt with the same position.
func (q Query) EqualTo(value any, key ...string) Query {
	if q.err != nil {
		return q
	}
	if q.params.HasStart() {
		return q.fail("EqualTo", "starting point was already set (by another call to StartAt, StartAfter, or EqualTo)")
	}
	if q.params.HasEnd() {
		return q.fail("EqualTo", "ending point was already set (by another call to EndAt, EndBefore, or EqualTo)")
	}
	return q.StartAt(value, key...).EndAt(value, key...)
}

// ============================================================================
// Limits
// ============================================================================

func (q Query) limit(op string, n int, viewFrom string) Query {
	if q.err != nil {
		return q
	}
	if n <= 0 {
		return q.fail(op, "limit must be a positive integer, got %d", n)
	}
	if q.params.HasLimit() {
		return q.fail(op, "limit was already set (by another call to LimitToFirst or LimitToLast)")
	}
	q.params = q.params.withLimit(n, viewFrom)
	return q
}

func (q Query) LimitToFirst(n int) Query { return q.limit("LimitToFirst", n, viewFromLeft) }
func (q Query) LimitToLast(n int) Query  { return q.limit("LimitToLast", n, viewFromRight) }

// ============================================================================
// Validation
// ============================================================================

// checkOrderBy applies the rules that depend on the index to bounds that
// may already be set.
func (q Query) checkOrderBy(op string) Query {
	switch {
	case isKeyIndex(q.params.Index()):
		if q.params.HasStart() {
			if err := keyIndexBound(q.params.startValue, q.params.hasStartName); err != "" {
				return q.fail(op, "%s", err)
			}
		}
		if q.params.HasEnd() {
			if err := keyIndexBound(q.params.endValue, q.params.hasEndName); err != "" {
				return q.fail(op, "%s", err)
			}
		}
	case sameIndex(q.params.Index(), PriorityIndex):
		if (q.params.HasStart() && !validPriorityBound(q.params.startValue)) ||
			(q.params.HasEnd() && !validPriorityBound(q.params.endValue)) {
			return q.fail(op, "when ordering by priority, the first value of StartAt, EndAt or EqualTo must be a valid priority value (null, a number, or a string)")
		}
	}
	return q
}

func (q Query) checkBounds(op string) Query {
	if q.orderBySet {
		return q.checkOrderBy(op)
	}
	if (q.params.HasStart() && !validPriorityBound(q.params.startValue)) ||
		(q.params.HasEnd() && !validPriorityBound(q.params.endValue)) {
		return q.fail(op, "when ordering by priority, bounds must be null, a number, or a string")
	}
	return q
}

func keyIndexBound(n Node, hasName bool) string {
	if hasName {
		return "when ordering by key, you may only pass one argument to StartAt, EndAt, or EqualTo"
	}
	if _, ok := n.Value(false).(string); !ok {
		return "when ordering by key, the argument passed to StartAt, StartAfter, EndAt, EndBefore, or EqualTo must be a string"
	}
	return ""
}

func validPriorityBound(n Node) bool {
	switch n.Value(false).(type) {
	case nil, float64, string:
		return true
	}
	return false
}

// String renders the location and the wire query object.
func (q Query) String() string {
	if q.params.IsDefault() {
		return q.path.String()
	}
	return fmt.Sprintf("%s?%s", q.path, q.params.ID())
}
