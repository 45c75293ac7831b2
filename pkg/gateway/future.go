package gateway

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// State is the lifecycle position of a Future.
type State int32

const (
	StateScheduled State = iota
	StateRunning
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateScheduled:
		return "scheduled"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Future is the pending result of an asynchronous gateway call. It is
// completed exactly once; later completions are ignored.
type Future[T any] struct {
	done  chan struct{}
	once  sync.Once
	state atomic.Int32
	value T
	err   error
}

// NewFuture returns a future in the scheduled state.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Completed returns a future already resolved with v and err.
func Completed[T any](v T, err error) *Future[T] {
	f := NewFuture[T]()
	f.Complete(v, err)
	return f
}

// Failed returns a future already resolved with err.
func Failed[T any](err error) *Future[T] {
	var zero T
	return Completed(zero, err)
}

// Start moves a scheduled future to running. It reports false if the future
// already left the scheduled state.
func (f *Future[T]) Start() bool {
	return f.state.CompareAndSwap(int32(StateScheduled), int32(StateRunning))
}

// Complete resolves the future and reports whether this call did so.
func (f *Future[T]) Complete(v T, err error) bool {
	completed := false
	f.once.Do(func() {
		f.value, f.err = v, err
		switch {
		case err == nil:
			f.state.Store(int32(StateCompleted))
		case IsCancelled(err):
			f.state.Store(int32(StateCancelled))
		default:
			f.state.Store(int32(StateFailed))
		}
		close(f.done)
		completed = true
	})
	return completed
}

// Done is closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// State reports the current lifecycle state.
func (f *Future[T]) State() State {
	return State(f.state.Load())
}

// Get blocks until the future is resolved.
func (f *Future[T]) Get() (T, error) {
	<-f.done
	return f.value, f.err
}

// Err blocks until the future is resolved and returns its error.
func (f *Future[T]) Err() error {
	<-f.done
	return f.err
}

// Wait blocks until the future is resolved or ctx is done. Giving up on the
// wait leaves the future itself untouched.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// TryGet returns the result without blocking; ok is false while pending.
func (f *Future[T]) TryGet() (v T, ok bool, err error) {
	select {
	case <-f.done:
		return f.value, true, f.err
	default:
		return v, false, nil
	}
}

// Map returns a future resolved with fn applied to f's value once f completes.
// Errors from f pass through unchanged and skip fn.
func Map[T, U any](f *Future[T], fn func(T) (U, error)) *Future[U] {
	out := NewFuture[U]()
	go func() {
		v, err := f.Get()
		out.Start()
		if err != nil {
			var zero U
			out.Complete(zero, err)
			return
		}
		out.Complete(fn(v))
	}()
	return out
}

// Then is Map with the continuation bound to ctx: if ctx ends before f
// completes, the returned future is cancelled and fn never runs. f itself
// keeps running.
func Then[T, U any](ctx context.Context, f *Future[T], fn func(T) (U, error)) *Future[U] {
	out := NewFuture[U]()
	go func() {
		select {
		case <-f.done:
		case <-ctx.Done():
			select {
			case <-f.done:
			default:
				var zero U
				out.Complete(zero, cancelled(ctx))
				return
			}
		}
		out.Start()
		if f.err != nil {
			var zero U
			out.Complete(zero, f.err)
			return
		}
		out.Complete(fn(f.value))
	}()
	return out
}
