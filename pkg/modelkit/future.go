package modelkit

import (
	"context"
	"runtime"
)

// workers bounds how many async calls run at once. Submissions beyond
// the bound queue until a slot frees up.
var workers = make(chan struct{}, 2*runtime.NumCPU())

// Future is the pending result of an async call.
type Future struct {
	done  chan struct{}
	value any
	err   error
}

func submit(fn func() (any, error)) *Future {
	f := &Future{done: make(chan struct{})}
	go func() {
		workers <- struct{}{}
		defer func() { <-workers }()
		f.value, f.err = fn()
		close(f.done)
	}()
	return f
}

// Done is closed when the result is ready.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks for the result or the context.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get blocks until the result is ready.
func (f *Future) Get() (any, error) {
	<-f.done
	return f.value, f.err
}
