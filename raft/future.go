package raft

import (
	"context"
	"sync"
)

// LogFuture is the completion handle of a submitted entry. It is resolved
// exactly once: with the entry's id after it has been applied locally, or
// with an error.
type LogFuture struct {
	once sync.Once
	done chan struct{}
	id   LogID
	err  error
}

func newLogFuture() *LogFuture {
	return &LogFuture{done: make(chan struct{})}
}

func failedFuture(err error) *LogFuture {
	f := newLogFuture()
	f.resolve(0, err)
	return f
}

func (f *LogFuture) resolve(id LogID, err error) {
	f.once.Do(func() {
		f.id = id
		f.err = err
		close(f.done)
	})
}

// Done is closed once the future is resolved.
func (f *LogFuture) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future resolves or ctx is done.
func (f *LogFuture) Wait(ctx context.Context) (LogID, error) {
	select {
	case <-f.done:
		return f.id, f.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Result blocks until the future resolves.
func (f *LogFuture) Result() (LogID, error) {
	<-f.done
	return f.id, f.err
}
