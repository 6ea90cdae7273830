package rtsync

import (
	"strings"
)

const maxKeyBytes = 768

// isValidKey reports whether key may be used as a child name.
func isValidKey(key string) bool {
	if key == "" || len(key) > maxKeyBytes {
		return false
	}
	return !strings.ContainsAny(key, ".#$[]/") && !hasControlChars(key)
}

func hasControlChars(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] == 0x7f {
			return true
		}
	}
	return false
}

// validatePath parses and checks a location string. The reserved ".info"
// tree is allowed as the first segment.
func validatePath(op, s string) (Path, error) {
	p := ParsePath(s)
	for i, seg := range p.segs {
		if i == 0 && seg == ".info" {
			continue
		}
		if len(seg) > maxKeyBytes || hasControlChars(seg) || strings.ContainsAny(seg, ".#$[]") {
			return Path{}, validationErrorf(op, "path %q contains one of . # $ [ ] or control characters", s)
		}
	}
	return p, nil
}

// validateWritablePath rejects writes into the reserved ".info" tree.
func validateWritablePath(op, s string) (Path, error) {
	p, err := validatePath(op, s)
	if err != nil {
		return p, err
	}
	if p.Front() == ".info" {
		return p, validationErrorf(op, "cannot write to %s, .info is read-only", p)
	}
	return p, nil
}

// validateUpdate checks the relative paths of a multi-location update: keys
// must be valid paths and no path may be an ancestor of another.
func validateUpdate(op string, values map[string]any) (map[string]Path, error) {
	paths := make(map[string]Path, len(values))
	var all []Path
	for k := range values {
		p, err := validateWritablePath(op, k)
		if err != nil {
			return nil, err
		}
		if p.IsEmpty() {
			return nil, validationErrorf(op, "update key %q is empty", k)
		}
		paths[k] = p
		all = append(all, p)
	}
	for i := range all {
		for j := range all {
			if i != j && all[i].Contains(all[j]) {
				return nil, validationErrorf(op, "path %s is an ancestor of %s in the same update", all[i], all[j])
			}
		}
	}
	return paths, nil
}
