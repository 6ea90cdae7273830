package rtsync

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// pushIDGenerator makes child keys that sort in creation order, also within
// the same millisecond. Keys are ULIDs stamped with the estimated server
// time.
type pushIDGenerator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	last    uint64
}

func newPushIDGenerator() *pushIDGenerator {
	return &pushIDGenerator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (g *pushIDGenerator) next(now time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ms := ulid.Timestamp(now)
	if ms < g.last {
		// The clock went back; keep keys ordered.
		ms = g.last
	}
	id, err := ulid.New(ms, g.entropy)
	if err != nil {
		// Entropy overflowed within one millisecond; use the next one.
		ms++
		id = ulid.MustNew(ms, g.entropy)
	}
	g.last = ms
	return id.String()
}
