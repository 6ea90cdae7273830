package rtsync

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
)

// eventLoop runs closures one at a time on a single goroutine. Every piece
// of sync state of a Repo is touched only from inside a posted closure, so
// none of it needs locking. post never blocks: the queue is unbounded.
type eventLoop struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	done   chan struct{}
	closed bool
	gid    atomic.Uint64
}

func newEventLoop() *eventLoop {
	l := &eventLoop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

// post queues fn. It reports false once the loop has been stopped.
func (l *eventLoop) post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// stop drains what is already queued, then ends the loop goroutine. Called
// from the loop itself it returns without waiting.
func (l *eventLoop) stop() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	if !l.onLoop() {
		<-l.done
	}
}

// stopped is closed when the loop goroutine exits.
func (l *eventLoop) stopped() <-chan struct{} { return l.done }

func (l *eventLoop) run() {
	defer close(l.done)
	l.gid.Store(goroutineID())
	for range l.wake {
		for {
			l.mu.Lock()
			batch := l.queue
			l.queue = nil
			closed := l.closed
			l.mu.Unlock()
			if len(batch) == 0 {
				if closed {
					return
				}
				break
			}
			for _, fn := range batch {
				fn()
			}
		}
	}
}

// onLoop reports whether the caller runs on the loop goroutine. Blocking
// calls use it to refuse running from inside a callback.
//
// A "closure running" flag would not do: Get and stop are also called from
// other goroutines while a closure runs, and those must still block. Go
// has no public goroutine identity, so the id is read from the header line
// of runtime.Stack ("goroutine N [...]"), as x/net/http2 does for its
// goroutine checks. If that ever fails to parse, the id is 0 and onLoop
// reports false: Get from a callback then waits for its context instead of
// failing fast.
func (l *eventLoop) onLoop() bool {
	gid := l.gid.Load()
	return gid != 0 && goroutineID() == gid
}

// goroutineID returns the current goroutine's id, or 0 if the stack header
// is not in the expected form.
func goroutineID() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b, ok := bytes.CutPrefix(b, []byte("goroutine "))
	if !ok {
		return 0
	}
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}
