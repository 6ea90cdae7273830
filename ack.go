package rtsync

import (
	"context"
	"sync"
)

// Ack completes when the server has acknowledged or rejected a write.
type Ack struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newAck() *Ack {
	return &Ack{done: make(chan struct{})}
}

func (a *Ack) resolve(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.done)
	})
}

// Done is closed once the outcome is known.
func (a *Ack) Done() <-chan struct{} { return a.done }

// Err is the outcome: nil for success, *WriteRejectedError,
// ErrWriteCanceled or ErrRepoClosed. It is nil while the write is pending.
func (a *Ack) Err() error {
	select {
	case <-a.done:
		return a.err
	default:
		return nil
	}
}

// Wait blocks until the write completes or ctx is done.
func (a *Ack) Wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
