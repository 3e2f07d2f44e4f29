package deallocator

import (
	"context"
	"errors"
	"sync"
)

// Result is the successful outcome of a deallocation attempt. Failures are
// reported as the error next to it.
type Result uint8

const (
	ResultSuccess Result = iota + 1
	ResultSuccessNothingHappened
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultSuccessNothingHappened:
		return "success_nothing_happened"
	default:
		return "none"
	}
}

// Future is a single-assignment result cell. The first of succeed, fail or
// cancel wins; later attempts are no-ops. Callbacks registered with
// OnComplete run exactly once, on the goroutine that completed the future.
type Future struct {
	mu        sync.Mutex
	done      chan struct{}
	result    Result
	err       error
	callbacks []func(Result, error)
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Completed returns a future already resolved with r.
func Completed(r Result) *Future {
	f := newFuture()
	f.complete(r, nil)
	return f
}

func (f *Future) complete(r Result, err error) bool {
	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		return false
	default:
	}
	f.result, f.err = r, err
	close(f.done)
	callbacks := f.callbacks
	f.callbacks = nil
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb(r, err)
	}
	return true
}

func (f *Future) succeed(r Result) bool {
	return f.complete(r, nil)
}

func (f *Future) fail(err error) bool {
	return f.complete(0, err)
}

func (f *Future) cancel() bool {
	return f.complete(0, ErrCancelled)
}

// Done is closed once the future is resolved.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future resolves or ctx is done.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Peek returns the outcome without blocking; ok is false while pending.
func (f *Future) Peek() (r Result, err error, ok bool) {
	select {
	case <-f.done:
		return f.result, f.err, true
	default:
		return 0, nil, false
	}
}

func (f *Future) Cancelled() bool {
	_, err, ok := f.Peek()
	return ok && errors.Is(err, ErrCancelled)
}

// OnComplete registers fn to run once the future resolves, or runs it right
// away if it already has.
func (f *Future) OnComplete(fn func(Result, error)) {
	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		fn(f.result, f.err)
		return
	default:
	}
	f.callbacks = append(f.callbacks, fn)
	f.mu.Unlock()
}
