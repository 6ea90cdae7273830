package rtsync

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

const (
	// MinName sorts before every valid key.
	MinName = "[MIN_NAME]"
	// MaxName sorts after every valid key.
	MaxName = "[MAX_NAME]"

	maxKeyLength = 786
)

// Key alphabet used by successor/predecessor, in sort order.
const keyChars = "-0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ_abcdefghijklmnopqrstuvwxyz"

var intKeyPattern = regexp.MustCompile(`^-?(0*)\d{1,10}$`)

// parseIntKey reports whether key is a 32 bit integer in canonical-ish form.
// Integer keys sort numerically before all other keys.
func parseIntKey(key string) (int64, bool) {
	if !intKeyPattern.MatchString(key) {
		return 0, false
	}
	v, err := strconv.ParseInt(key, 10, 64)
	if err != nil || v < math.MinInt32 || v > math.MaxInt32 {
		return 0, false
	}
	return v, true
}

// CompareKeys is the total order on child keys: MinName first, then integer
// keys numerically, then all other keys lexically, then MaxName.
func CompareKeys(a, b string) int {
	if a == b {
		return 0
	}
	switch {
	case a == MinName || b == MaxName:
		return -1
	case b == MinName || a == MaxName:
		return 1
	}
	ai, aInt := parseIntKey(a)
	bi, bInt := parseIntKey(b)
	switch {
	case aInt && bInt:
		if ai == bi {
			return len(a) - len(b)
		}
		if ai < bi {
			return -1
		}
		return 1
	case aInt:
		return -1
	case bInt:
		return 1
	}
	return strings.Compare(a, b)
}

// keySuccessor returns the smallest key strictly greater than key.
func keySuccessor(key string) string {
	if key == strconv.Itoa(math.MaxInt32) {
		return keyChars[:1]
	}
	if v, ok := parseIntKey(key); ok {
		return strconv.FormatInt(v+1, 10)
	}
	if len(key) < maxKeyLength {
		return key + keyChars[:1]
	}
	next := []byte(key)
	i := len(next) - 1
	for i >= 0 && next[i] == keyChars[len(keyChars)-1] {
		i--
	}
	if i == -1 {
		return MaxName
	}
	pos := strings.IndexByte(keyChars, next[i])
	next[i] = keyChars[pos+1]
	return string(next[:i+1])
}

// keyPredecessor returns the largest key strictly smaller than key.
func keyPredecessor(key string) string {
	if key == strconv.Itoa(math.MinInt32) {
		return MinName
	}
	if v, ok := parseIntKey(key); ok {
		return strconv.FormatInt(v-1, 10)
	}
	next := []byte(key)
	last := len(next) - 1
	if next[last] == keyChars[0] {
		if len(next) == 1 {
			return strconv.Itoa(math.MaxInt32)
		}
		return string(next[:last])
	}
	pos := strings.IndexByte(keyChars, next[last])
	if pos <= 0 {
		return string(next[:last])
	}
	next[last] = keyChars[pos-1]
	return string(next) + strings.Repeat(keyChars[len(keyChars)-1:], maxKeyLength-len(next))
}
