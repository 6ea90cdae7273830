package rtsync

import (
	"math/rand"
	"time"
)

// reconnector computes the delay before the next connection attempt. The
// delay grows by multiplier after every attempt up to maxDelay, and drops
// back to minDelay once a connection stayed up for resetAfter.
type reconnector struct {
	minDelay   time.Duration
	maxDelay   time.Duration
	multiplier float64
	resetAfter time.Duration

	delay         time.Duration
	lastAttempt   time.Time
	connectedAt   time.Time
	rand          *rand.Rand
	immediateNext bool
}

func newReconnector(cfg *Config) *reconnector {
	return &reconnector{
		minDelay:   cfg.ReconnectMinDelay,
		maxDelay:   cfg.ReconnectMaxDelay,
		multiplier: cfg.ReconnectMultiplier,
		resetAfter: cfg.ReconnectResetAfter,
		delay:      cfg.ReconnectMinDelay,
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *reconnector) markAttempt(now time.Time) {
	r.lastAttempt = now
	r.connectedAt = time.Time{}
}

func (r *reconnector) markConnected(now time.Time) {
	r.connectedAt = now
}

// nextDelay is called after a disconnect. A hidden client waits the full
// maximum; a connection that stayed healthy long enough resets the backoff.
func (r *reconnector) nextDelay(now time.Time, visible bool) time.Duration {
	if r.immediateNext {
		r.immediateNext = false
		return 0
	}
	if !visible {
		r.delay = r.maxDelay
	} else if !r.connectedAt.IsZero() && now.Sub(r.connectedAt) > r.resetAfter {
		r.delay = r.minDelay
	}
	wait := r.delay - now.Sub(r.lastAttempt)
	if wait < 0 {
		wait = 0
	}
	wait = time.Duration(r.rand.Float64() * float64(wait))
	r.delay = time.Duration(float64(r.delay) * r.multiplier)
	if r.delay > r.maxDelay {
		r.delay = r.maxDelay
	}
	return wait
}

// skipNext makes the next delay zero, after protocol errors and resets.
func (r *reconnector) skipNext() { r.immediateNext = true }

// setDelay overrides the backoff, used after repeated invalid tokens.
func (r *reconnector) setDelay(d time.Duration) { r.delay = d }

func (r *reconnector) reset() {
	r.delay = r.minDelay
	r.connectedAt = time.Time{}
	r.immediateNext = false
}
