package rtsync

import (
	"strings"
)

// Path is an immutable sequence of key segments addressing a location in the
// tree. The zero value is the root.
type Path struct {
	segs []string
}

// RootPath is the empty path.
var RootPath = Path{}

// ParsePath splits a slash separated string into a Path. Empty segments are
// dropped, so "/a//b/" and "a/b" are the same path. No validation is done;
// see ValidatePath.
func ParsePath(s string) Path {
	var segs []string
	for _, seg := range strings.Split(s, "/") {
		if seg != "" {
			segs = append(segs, seg)
		}
	}
	return Path{segs: segs}
}

// NewPath builds a path from individual segments.
func NewPath(segs ...string) Path {
	out := make([]string, 0, len(segs))
	for _, s := range segs {
		if s != "" {
			out = append(out, s)
		}
	}
	return Path{segs: out}
}

func (p Path) IsEmpty() bool { return len(p.segs) == 0 }

func (p Path) Len() int { return len(p.segs) }

// Front returns the first segment, or "" for the root.
func (p Path) Front() string {
	if len(p.segs) == 0 {
		return ""
	}
	return p.segs[0]
}

// PopFront drops the first segment.
func (p Path) PopFront() Path {
	if len(p.segs) == 0 {
		return p
	}
	return Path{segs: p.segs[1:]}
}

// Back returns the last segment, or "" for the root.
func (p Path) Back() string {
	if len(p.segs) == 0 {
		return ""
	}
	return p.segs[len(p.segs)-1]
}

// Parent returns the path without its last segment. The parent of the root is
// the root.
func (p Path) Parent() Path {
	if len(p.segs) == 0 {
		return p
	}
	return Path{segs: p.segs[:len(p.segs)-1]}
}

// Child appends one or more segments. Slashes inside key are honoured, so
// Child("a/b") descends two levels.
func (p Path) Child(key string) Path {
	if !strings.Contains(key, "/") {
		if key == "" {
			return p
		}
		segs := make([]string, len(p.segs)+1)
		copy(segs, p.segs)
		segs[len(p.segs)] = key
		return Path{segs: segs}
	}
	return p.Join(ParsePath(key))
}

// Join appends all segments of other.
func (p Path) Join(other Path) Path {
	if len(other.segs) == 0 {
		return p
	}
	segs := make([]string, 0, len(p.segs)+len(other.segs))
	segs = append(segs, p.segs...)
	segs = append(segs, other.segs...)
	return Path{segs: segs}
}

// Contains reports whether other is p or lies below p.
func (p Path) Contains(other Path) bool {
	if len(p.segs) > len(other.segs) {
		return false
	}
	for i, s := range p.segs {
		if other.segs[i] != s {
			return false
		}
	}
	return true
}

func (p Path) Equal(other Path) bool {
	if len(p.segs) != len(other.segs) {
		return false
	}
	for i, s := range p.segs {
		if other.segs[i] != s {
			return false
		}
	}
	return true
}

// Segments returns a copy of the segments.
func (p Path) Segments() []string {
	out := make([]string, len(p.segs))
	copy(out, p.segs)
	return out
}

// String renders the path with a leading slash; the root is "/".
func (p Path) String() string {
	if len(p.segs) == 0 {
		return "/"
	}
	return "/" + strings.Join(p.segs, "/")
}

// RelativePath returns the path of inner relative to outer. It panics if outer
// does not contain inner.
func RelativePath(outer, inner Path) Path {
	if !outer.Contains(inner) {
		assertf(false, "invalid relative path: %s is not contained in %s", inner, outer)
	}
	return Path{segs: inner.segs[len(outer.segs):]}
}

// ComparePaths orders paths segment by segment using key ordering; a prefix
// sorts before any longer path.
func ComparePaths(a, b Path) int {
	for i := 0; i < len(a.segs) && i < len(b.segs); i++ {
		if c := CompareKeys(a.segs[i], b.segs[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a.segs) < len(b.segs):
		return -1
	case len(a.segs) > len(b.segs):
		return 1
	}
	return 0
}
