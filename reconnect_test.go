package rtsync

import (
	"math/rand"
	"testing"
	"time"
)

func newTestReconnector() *reconnector {
	cfg := &Config{
		ReconnectMinDelay:   time.Second,
		ReconnectMaxDelay:   10 * time.Second,
		ReconnectMultiplier: 2,
		ReconnectResetAfter: 30 * time.Second,
	}
	r := newReconnector(cfg)
	r.rand = rand.New(rand.NewSource(1))
	return r
}

func TestReconnectorBackoffGrowsAndCaps(t *testing.T) {
	r := newTestReconnector()
	now := time.Unix(1000, 0)

	bounds := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, bound := range bounds {
		r.markAttempt(now)
		wait := r.nextDelay(now, true)
		if wait < 0 || wait >= bound {
			t.Fatalf("attempt %d: wait %v outside [0, %v)", i, wait, bound)
		}
	}
	if r.delay != 10*time.Second {
		t.Fatalf("delay = %v, want capped at 10s", r.delay)
	}
}

func TestReconnectorElapsedTimeCounts(t *testing.T) {
	r := newTestReconnector()
	start := time.Unix(1000, 0)
	r.markAttempt(start)
	if wait := r.nextDelay(start.Add(5*time.Second), true); wait != 0 {
		t.Fatalf("wait = %v, want 0 once the delay already elapsed", wait)
	}
}

func TestReconnectorResetsAfterHealthyConnection(t *testing.T) {
	r := newTestReconnector()
	now := time.Unix(1000, 0)
	for i := 0; i < 4; i++ {
		r.markAttempt(now)
		r.nextDelay(now, true)
	}
	r.markAttempt(now)
	r.markConnected(now)
	later := now.Add(time.Minute)
	r.lastAttempt = later
	if wait := r.nextDelay(later, true); wait >= time.Second {
		t.Fatalf("wait = %v, want below the minimum after a healthy connection", wait)
	}
}

func TestReconnectorHiddenUsesMaximum(t *testing.T) {
	r := newTestReconnector()
	now := time.Unix(1000, 0)
	r.markAttempt(now)
	r.nextDelay(now, false)
	if r.delay != 10*time.Second {
		t.Fatalf("delay = %v, want the maximum", r.delay)
	}
}

func TestReconnectorSkipNext(t *testing.T) {
	r := newTestReconnector()
	now := time.Unix(1000, 0)
	r.markAttempt(now)
	r.skipNext()
	if wait := r.nextDelay(now, true); wait != 0 {
		t.Fatalf("wait = %v, want 0", wait)
	}
	// Only the next one.
	r.markAttempt(now)
	r.setDelay(4 * time.Second)
	if wait := r.nextDelay(now, true); wait >= 4*time.Second {
		t.Fatalf("wait = %v, want below 4s", wait)
	}
	r.reset()
	if r.delay != time.Second || r.immediateNext {
		t.Fatalf("reset left delay=%v immediate=%v", r.delay, r.immediateNext)
	}
}
