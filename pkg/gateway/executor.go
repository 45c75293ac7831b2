package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

const executorLogPrefix = "gateway:executor"

// Executor runs synchronous gateway operations on worker goroutines for
// gateways without the asynchronous capability.
//
// Cancellation is only observed before a submitted function starts: a
// function that is already running is never interrupted.
type Executor struct {
	sem     *semaphore.Weighted
	workers int64

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	submitted atomic.Int64
	rejected  atomic.Int64
}

// NewExecutor creates an executor running at most workers functions at a
// time. workers <= 0 means unbounded.
func NewExecutor(workers int) *Executor {
	e := &Executor{workers: int64(workers)}
	if workers > 0 {
		e.sem = semaphore.NewWeighted(int64(workers))
	}
	return e
}

var fallbackExecutor atomic.Pointer[Executor]

func init() {
	fallbackExecutor.Store(NewExecutor(0))
}

// FallbackExecutor returns the executor used by the async helpers when a
// gateway only implements SyncGateway.
func FallbackExecutor() *Executor {
	return fallbackExecutor.Load()
}

// SetFallbackExecutor replaces the fallback executor and returns the previous
// one. The caller owns closing the previous executor.
func SetFallbackExecutor(e *Executor) *Executor {
	if e == nil {
		e = NewExecutor(0)
	}
	return fallbackExecutor.Swap(e)
}

// Go schedules fn on e and returns its future.
//
// If ctx is done before fn starts (including while waiting for a free
// worker), fn is never called and the future is cancelled. A closed executor
// fails the future with ErrExecutorClosed. A panic in fn fails the future.
func Go[T any](ctx context.Context, e *Executor, fn func() (T, error)) *Future[T] {
	f := NewFuture[T]()
	if ctx.Err() != nil {
		f.Complete(*new(T), cancelled(ctx))
		return f
	}

	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		e.rejected.Add(1)
		f.Complete(*new(T), ErrExecutorClosed)
		return f
	}
	e.wg.Add(1)
	e.mu.RUnlock()
	e.submitted.Add(1)

	go func() {
		defer e.wg.Done()
		if e.sem != nil {
			if err := e.sem.Acquire(ctx, 1); err != nil {
				f.Complete(*new(T), cancelled(ctx))
				return
			}
			defer e.sem.Release(1)
		}
		if ctx.Err() != nil {
			f.Complete(*new(T), cancelled(ctx))
			return
		}
		f.Start()
		v, err := safeCall(fn)
		f.Complete(v, err)
	}()
	return f
}

func safeCall[T any](fn func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("%s - recovered panic in submitted call: %v", executorLogPrefix, r))
			err = fmt.Errorf("%s - panic in submitted call: %v", executorLogPrefix, r)
		}
	}()
	return fn()
}

// ExecutorStats is a snapshot of executor counters.
type ExecutorStats struct {
	Workers   int64
	Submitted int64
	Rejected  int64
}

// Stats returns the executor counters.
func (e *Executor) Stats() ExecutorStats {
	return ExecutorStats{
		Workers:   e.workers,
		Submitted: e.submitted.Load(),
		Rejected:  e.rejected.Load(),
	}
}

// Close stops accepting work and waits for submitted functions to finish or
// for ctx to end.
func (e *Executor) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s - close timeout waiting for drain: %w", executorLogPrefix, ctx.Err())
	}
}
