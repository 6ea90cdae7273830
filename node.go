package rtsync

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Node is an immutable JSON-like value with a priority. A Node is either a
// leaf (bool, number, string or an unresolved server value) or an ordered set
// of children. Updates return new nodes that share every untouched subtree
// with the original, so nodes may be shared freely between views.
type Node interface {
	IsLeaf() bool
	IsEmpty() bool
	Priority() Node
	UpdatePriority(priority Node) Node
	ImmediateChild(key string) Node
	Child(p Path) Node
	HasChild(key string) bool
	UpdateImmediateChild(key string, child Node) Node
	UpdateChild(p Path, child Node) Node
	NumChildren() int
	// Children lists the children ordered by idx. The slice is shared and
	// must not be modified.
	Children(idx Index) []NamedNode
	// WithIndex returns an equal node that keeps its children sorted by idx.
	WithIndex(idx Index) Node
	PredecessorChildName(key string, child Node, idx Index) string
	// Value converts the node back to plain Go values. With export set,
	// priorities are kept using the ".value"/".priority" wire form.
	Value(export bool) any
	Hash() string
	Equals(other Node) bool

	compareTo(other Node) int
}

// Empty is the null node. Deleting a location stores Empty there.
var Empty Node = emptyNode

var (
	emptyNode = &ChildrenNode{}
	// maxNode sorts after every other node; used only inside index posts.
	maxNode = &ChildrenNode{isMax: true}
)

// ============================================================================
// LeafNode
// ============================================================================

// LeafNode holds a bool, float64, string, or a deferred server value
// (a map with a ".sv" key) awaiting resolution.
type LeafNode struct {
	value    any
	priority Node
}

func newLeaf(value any, priority Node) *LeafNode {
	if priority == nil {
		priority = Empty
	}
	return &LeafNode{value: value, priority: priority}
}

func (l *LeafNode) IsLeaf() bool   { return true }
func (l *LeafNode) IsEmpty() bool  { return false }
func (l *LeafNode) Priority() Node { return l.priority }

func (l *LeafNode) UpdatePriority(priority Node) Node {
	return newLeaf(l.value, priority)
}

func (l *LeafNode) ImmediateChild(key string) Node {
	if key == ".priority" {
		return l.priority
	}
	return Empty
}

func (l *LeafNode) Child(p Path) Node {
	switch {
	case p.IsEmpty():
		return l
	case p.Front() == ".priority":
		return l.priority
	}
	return Empty
}

func (l *LeafNode) HasChild(string) bool { return false }

func (l *LeafNode) UpdateImmediateChild(key string, child Node) Node {
	if key == ".priority" {
		return l.UpdatePriority(child)
	}
	if child.IsEmpty() {
		return l
	}
	return Empty.UpdateImmediateChild(key, child).UpdatePriority(l.priority)
}

func (l *LeafNode) UpdateChild(p Path, child Node) Node {
	front := p.Front()
	if front == "" {
		return child
	}
	if child.IsEmpty() && front != ".priority" {
		return l
	}
	assertf(front != ".priority" || p.Len() == 1, ".priority must be the last token in a path")
	return l.UpdateImmediateChild(front, Empty.UpdateChild(p.PopFront(), child))
}

func (l *LeafNode) NumChildren() int                                { return 0 }
func (l *LeafNode) Children(Index) []NamedNode                      { return nil }
func (l *LeafNode) WithIndex(Index) Node                            { return l }
func (l *LeafNode) PredecessorChildName(string, Node, Index) string { return "" }

// LeafValue returns the raw value without priority.
func (l *LeafNode) LeafValue() any { return l.value }

func (l *LeafNode) Value(export bool) any {
	if export && !l.priority.IsEmpty() {
		return map[string]any{".value": l.value, ".priority": l.priority.Value(false)}
	}
	return l.value
}

func (l *LeafNode) Hash() string {
	var b strings.Builder
	if !l.priority.IsEmpty() {
		b.WriteString("priority:")
		b.WriteString(priorityHashText(l.priority))
		b.WriteString(":")
	}
	b.WriteString(leafTypeName(l.value))
	b.WriteString(":")
	b.WriteString(leafHashText(l.value))
	return sha1Base64(b.String())
}

func (l *LeafNode) Equals(other Node) bool {
	o, ok := other.(*LeafNode)
	if !ok {
		return false
	}
	if l == o {
		return true
	}
	return leafValuesEqual(l.value, o.value) && l.priority.Equals(o.priority)
}

func (l *LeafNode) compareTo(other Node) int {
	if other == Node(maxNode) {
		return -1
	}
	if c, ok := other.(*ChildrenNode); ok {
		if c.IsEmpty() {
			return 1
		}
		return -1
	}
	o := other.(*LeafNode)
	lt, ot := leafTypeOrder(l.value), leafTypeOrder(o.value)
	if lt != ot {
		return lt - ot
	}
	switch v := l.value.(type) {
	case bool:
		ov := o.value.(bool)
		switch {
		case v == ov:
			return 0
		case !v:
			return -1
		}
		return 1
	case float64:
		ov := o.value.(float64)
		switch {
		case v < ov:
			return -1
		case v > ov:
			return 1
		}
		return 0
	case string:
		return strings.Compare(v, o.value.(string))
	}
	return 0
}

func leafTypeOrder(v any) int {
	switch v.(type) {
	case bool:
		return 1
	case float64:
		return 2
	case string:
		return 3
	}
	return 0
}

func leafTypeName(v any) string {
	switch v.(type) {
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	}
	return "object"
}

func leafHashText(v any) string {
	switch v := v.(type) {
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return fmt.Sprintf("%016x", math.Float64bits(v))
	case string:
		return v
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func priorityHashText(p Node) string {
	if l, ok := p.(*LeafNode); ok {
		if f, ok := l.value.(float64); ok {
			return "number:" + fmt.Sprintf("%016x", math.Float64bits(f))
		}
		return "string:" + fmt.Sprint(l.value)
	}
	return ""
}

func leafValuesEqual(a, b any) bool {
	switch a.(type) {
	case bool, float64, string:
		return a == b
	}
	return reflect.DeepEqual(a, b)
}

func sha1Base64(s string) string {
	sum := sha1.Sum([]byte(s))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// ============================================================================
// ChildrenNode
// ============================================================================

// ChildrenNode is an interior node. Children are kept sorted by key; one
// additional index order can be cached via WithIndex.
type ChildrenNode struct {
	children []NamedNode
	priority Node
	index    Index
	ordered  []NamedNode
	isMax    bool
}

func (c *ChildrenNode) IsLeaf() bool { return false }

func (c *ChildrenNode) IsEmpty() bool { return len(c.children) == 0 && !c.isMax }

func (c *ChildrenNode) Priority() Node {
	if c.priority == nil {
		return Empty
	}
	return c.priority
}

func (c *ChildrenNode) UpdatePriority(priority Node) Node {
	if c.IsEmpty() {
		return Empty
	}
	out := *c
	out.priority = priority
	return &out
}

func (c *ChildrenNode) search(key string) (int, bool) {
	i := sort.Search(len(c.children), func(i int) bool {
		return CompareKeys(c.children[i].Name, key) >= 0
	})
	return i, i < len(c.children) && c.children[i].Name == key
}

func (c *ChildrenNode) ImmediateChild(key string) Node {
	if key == ".priority" {
		return c.Priority()
	}
	if i, ok := c.search(key); ok {
		return c.children[i].Node
	}
	return Empty
}

func (c *ChildrenNode) Child(p Path) Node {
	front := p.Front()
	if front == "" {
		return c
	}
	return c.ImmediateChild(front).Child(p.PopFront())
}

func (c *ChildrenNode) HasChild(key string) bool {
	return !c.ImmediateChild(key).IsEmpty()
}

func (c *ChildrenNode) UpdateImmediateChild(key string, child Node) Node {
	if key == ".priority" {
		return c.UpdatePriority(child)
	}
	i, found := c.search(key)
	var old Node = Empty
	if found {
		old = c.children[i].Node
		if old == child {
			return c
		}
	} else if child.IsEmpty() {
		return c
	}

	children := make([]NamedNode, 0, len(c.children)+1)
	children = append(children, c.children[:i]...)
	if !child.IsEmpty() {
		children = append(children, NamedNode{Name: key, Node: child})
	}
	if found {
		children = append(children, c.children[i+1:]...)
	} else {
		children = append(children, c.children[i:]...)
	}
	if len(children) == 0 {
		return Empty
	}

	out := &ChildrenNode{children: children, priority: c.priority, index: c.index}
	if c.index != nil {
		out.ordered = reorder(c.ordered, c.index, NamedNode{Name: key, Node: old}, found, NamedNode{Name: key, Node: child})
	}
	return out
}

// reorder removes prev (when present) from an index-ordered slice and
// inserts next (when not empty), returning a new slice.
func reorder(ordered []NamedNode, idx Index, prev NamedNode, present bool, next NamedNode) []NamedNode {
	out := make([]NamedNode, 0, len(ordered)+1)
	for _, nn := range ordered {
		if present && nn.Name == prev.Name {
			continue
		}
		out = append(out, nn)
	}
	if next.Node.IsEmpty() {
		return out
	}
	pos := sort.Search(len(out), func(i int) bool { return idx.Compare(out[i], next) >= 0 })
	out = append(out, NamedNode{})
	copy(out[pos+1:], out[pos:])
	out[pos] = next
	return out
}

func (c *ChildrenNode) UpdateChild(p Path, child Node) Node {
	front := p.Front()
	if front == "" {
		return child
	}
	assertf(front != ".priority" || p.Len() == 1, ".priority must be the last token in a path")
	updated := c.ImmediateChild(front).UpdateChild(p.PopFront(), child)
	return c.UpdateImmediateChild(front, updated)
}

func (c *ChildrenNode) NumChildren() int { return len(c.children) }

func (c *ChildrenNode) Children(idx Index) []NamedNode {
	if idx == nil || isKeyIndex(idx) {
		return c.children
	}
	if c.index != nil && sameIndex(c.index, idx) {
		return c.ordered
	}
	return sortChildren(c.children, idx)
}

func sortChildren(children []NamedNode, idx Index) []NamedNode {
	out := make([]NamedNode, len(children))
	copy(out, children)
	sort.SliceStable(out, func(i, j int) bool { return idx.Compare(out[i], out[j]) < 0 })
	return out
}

func (c *ChildrenNode) WithIndex(idx Index) Node {
	if c.isMax || c.IsEmpty() || isKeyIndex(idx) || (c.index != nil && sameIndex(c.index, idx)) {
		return c
	}
	out := *c
	out.index = idx
	out.ordered = sortChildren(c.children, idx)
	return &out
}

func (c *ChildrenNode) PredecessorChildName(key string, child Node, idx Index) string {
	ordered := c.Children(idx)
	target := NamedNode{Name: key, Node: child}
	pos := sort.Search(len(ordered), func(i int) bool { return idx.Compare(ordered[i], target) >= 0 })
	if pos > 0 && pos <= len(ordered) {
		return ordered[pos-1].Name
	}
	return ""
}

// FirstChild returns the first child in idx order.
func (c *ChildrenNode) FirstChild(idx Index) (NamedNode, bool) {
	ordered := c.Children(idx)
	if len(ordered) == 0 {
		return NamedNode{}, false
	}
	return ordered[0], true
}

// LastChild returns the last child in idx order.
func (c *ChildrenNode) LastChild(idx Index) (NamedNode, bool) {
	ordered := c.Children(idx)
	if len(ordered) == 0 {
		return NamedNode{}, false
	}
	return ordered[len(ordered)-1], true
}

func (c *ChildrenNode) Value(export bool) any {
	if c.IsEmpty() {
		return nil
	}
	obj := make(map[string]any, len(c.children))
	maxKey, allIntegerKeys := 0, true
	for _, nn := range c.children {
		obj[nn.Name] = nn.Node.Value(export)
		if allIntegerKeys && isArrayIndex(nn.Name) {
			k, _ := strconv.Atoi(nn.Name)
			if k > maxKey {
				maxKey = k
			}
		} else {
			allIntegerKeys = false
		}
	}
	if !export && allIntegerKeys && maxKey < 2*len(c.children) {
		arr := make([]any, maxKey+1)
		for k, v := range obj {
			i, _ := strconv.Atoi(k)
			arr[i] = v
		}
		return arr
	}
	if export && !c.Priority().IsEmpty() {
		obj[".priority"] = c.Priority().Value(false)
	}
	return obj
}

func isArrayIndex(key string) bool {
	if key == "0" {
		return true
	}
	if key == "" || key[0] < '1' || key[0] > '9' || len(key) > 9 {
		return false
	}
	for i := 1; i < len(key); i++ {
		if key[i] < '0' || key[i] > '9' {
			return false
		}
	}
	return true
}

func (c *ChildrenNode) Hash() string {
	var b strings.Builder
	if !c.Priority().IsEmpty() {
		b.WriteString("priority:")
		b.WriteString(priorityHashText(c.Priority()))
		b.WriteString(":")
	}
	for _, nn := range c.Children(PriorityIndex) {
		if h := nn.Node.Hash(); h != "" {
			b.WriteString(":")
			b.WriteString(nn.Name)
			b.WriteString(":")
			b.WriteString(h)
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return sha1Base64(b.String())
}

func (c *ChildrenNode) Equals(other Node) bool {
	o, ok := other.(*ChildrenNode)
	if !ok {
		return false
	}
	if c == o {
		return true
	}
	if c.isMax || o.isMax {
		return false
	}
	if !c.Priority().Equals(o.Priority()) || len(c.children) != len(o.children) {
		return false
	}
	for i, nn := range c.children {
		on := o.children[i]
		if nn.Name != on.Name || !nn.Node.Equals(on.Node) {
			return false
		}
	}
	return true
}

func (c *ChildrenNode) compareTo(other Node) int {
	if c.isMax {
		if other == Node(maxNode) {
			return 0
		}
		return 1
	}
	switch {
	case c.IsEmpty():
		if other.IsEmpty() {
			return 0
		}
		return -1
	case other.IsLeaf() || other.IsEmpty():
		return 1
	case other == Node(maxNode):
		return -1
	}
	return 0
}

// ============================================================================
// Conversion from Go values
// ============================================================================

// NodeFromValue converts JSON-compatible Go values (nil, bool, numbers,
// strings, maps with string keys, slices) into a Node. Maps may carry
// ".value" and ".priority" keys; {".sv": ...} maps become deferred server
// values.
func NodeFromValue(v any) (Node, error) {
	return nodeFromValue(v, nil, RootPath)
}

func mustNodeFromValue(v any) Node {
	n, err := NodeFromValue(v)
	assertf(err == nil, "invalid node value: %v", err)
	return n
}

func nodeFromValue(v any, priority any, at Path) (Node, error) {
	if n, ok := v.(Node); ok {
		if priority == nil {
			return n, nil
		}
		p, err := priorityFromValue(priority, at)
		if err != nil {
			return nil, err
		}
		return n.UpdatePriority(p), nil
	}
	if m, ok := asMap(v); ok {
		if p, ok := m[".priority"]; ok && priority == nil {
			priority = p
		}
		if inner, ok := m[".value"]; ok {
			v = inner
		} else if _, ok := m[".sv"]; ok {
			return leafWithPriority(m, priority, at)
		} else {
			return childrenFromMap(m, priority, at)
		}
	}
	if arr, ok := asSlice(v); ok {
		m := make(map[string]any, len(arr))
		for i, item := range arr {
			m[strconv.Itoa(i)] = item
		}
		return childrenFromMap(m, priority, at)
	}
	if v == nil {
		return Empty, nil
	}
	leaf, err := normalizeLeaf(v)
	if err != nil {
		return nil, &ValidationError{Op: "value", Message: fmt.Sprintf("%v at %s", err, at)}
	}
	return leafWithPriority(leaf, priority, at)
}

func leafWithPriority(value any, priority any, at Path) (Node, error) {
	p, err := priorityFromValue(priority, at)
	if err != nil {
		return nil, err
	}
	return newLeaf(value, p), nil
}

func childrenFromMap(m map[string]any, priority any, at Path) (Node, error) {
	children := make([]NamedNode, 0, len(m))
	for k, raw := range m {
		if k == ".priority" || k == ".value" {
			continue
		}
		if !isValidKey(k) {
			return nil, &ValidationError{Op: "value", Message: fmt.Sprintf("invalid key %q at %s", k, at)}
		}
		child, err := nodeFromValue(raw, nil, at.Child(k))
		if err != nil {
			return nil, err
		}
		if !child.IsEmpty() {
			children = append(children, NamedNode{Name: k, Node: child})
		}
	}
	if len(children) == 0 {
		return Empty, nil
	}
	sort.Slice(children, func(i, j int) bool { return CompareKeys(children[i].Name, children[j].Name) < 0 })
	p, err := priorityFromValue(priority, at)
	if err != nil {
		return nil, err
	}
	n := &ChildrenNode{children: children}
	if !p.IsEmpty() {
		n.priority = p
	}
	return n, nil
}

func priorityFromValue(v any, at Path) (Node, error) {
	switch p := v.(type) {
	case nil:
		return Empty, nil
	case Node:
		return p, nil
	case string:
		return newLeaf(p, nil), nil
	}
	if m, ok := asMap(v); ok {
		if _, ok := m[".sv"]; ok {
			return newLeaf(m, nil), nil
		}
	}
	f, err := normalizeLeaf(v)
	if err != nil {
		return nil, &ValidationError{Op: "priority", Message: fmt.Sprintf("%v at %s", err, at)}
	}
	if _, ok := f.(float64); !ok {
		return nil, &ValidationError{Op: "priority", Message: fmt.Sprintf("priority must be a string or number at %s", at)}
	}
	return newLeaf(f, nil), nil
}

func normalizeLeaf(v any) (any, error) {
	var f float64
	switch x := v.(type) {
	case bool, string:
		return x, nil
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int8:
		f = float64(x)
	case int16:
		f = float64(x)
	case int32:
		f = float64(x)
	case int64:
		f = float64(x)
	case uint:
		f = float64(x)
	case uint8:
		f = float64(x)
	case uint16:
		f = float64(x)
	case uint32:
		f = float64(x)
	case uint64:
		f = float64(x)
	case json.Number:
		parsed, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", x)
		}
		f = parsed
	default:
		return nil, fmt.Errorf("unsupported type %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("number %v is not finite", f)
	}
	return f, nil
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case nil:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}

func asSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case nil, string, []byte:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
