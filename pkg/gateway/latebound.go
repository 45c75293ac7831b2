package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
)

const cacheLogPrefix = "gateway:latebound"

const (
	modeSync  = "sync"
	modeAsync = "async"
)

type sendFunc func(gw SyncGateway, request any) (any, error)

type sendAsyncFunc func(ctx context.Context, gw SyncGateway, request any) *Future[any]

// Cache binds response types known only at runtime to typed send functions.
// Each distinct type is bound once and the binding is shared by all callers.
// Entries are never evicted; the set of response types a process sees is
// small and fixed by its code.
//
// Concurrent first use of a type may build more than one binding; the first
// one stored wins and the others are dropped. Bindings are pure, so which one
// wins does not matter.
type Cache struct {
	syncFns  sync.Map // reflect.Type -> sendFunc
	asyncFns sync.Map // reflect.Type -> sendAsyncFunc

	builds     atomic.Int64
	hits       atomic.Int64
	misses     atomic.Int64
	duplicates atomic.Int64
}

// CacheStats is a snapshot of Cache counters.
type CacheStats struct {
	Builds       int64
	Hits         int64
	Misses       int64
	Duplicates   int64
	SyncEntries  int
	AsyncEntries int
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{}
}

// DefaultCache backs SendByType, SendByTypeAsync, SendObject and SendObjectAsync.
var DefaultCache = NewCache()

// Send delivers request through gw and returns the response as a
// responseType value boxed in any.
func (c *Cache) Send(gw SyncGateway, responseType reflect.Type, request any) (any, error) {
	if err := checkCall(gw, request); err != nil {
		return nil, err
	}
	fn, err := c.syncFn(responseType, request)
	if err != nil {
		return nil, err
	}
	return fn(gw, request)
}

// SendAsync is the asynchronous form of Send. ctx is forwarded to the
// gateway call and to the continuation that boxes the result.
func (c *Cache) SendAsync(ctx context.Context, gw SyncGateway, responseType reflect.Type, request any) *Future[any] {
	if err := checkCall(gw, request); err != nil {
		return Failed[any](err)
	}
	fn, err := c.asyncFn(responseType, request)
	if err != nil {
		return Failed[any](err)
	}
	return fn(ctx, gw, request)
}

// Preload binds T ahead of first use.
func Preload[T any](c *Cache) {
	t := reflect.TypeFor[T]()
	c.store(&c.syncFns, modeSync, t, sendFunc(sendObject[T]))
	c.store(&c.asyncFns, modeAsync, t, sendAsyncFunc(sendObjectAsync[T]))
}

// Clear drops every binding.
func (c *Cache) Clear() {
	for _, m := range []*sync.Map{&c.syncFns, &c.asyncFns} {
		m.Range(func(k, _ any) bool {
			m.Delete(k)
			return true
		})
	}
}

// Stats returns the cache counters.
func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Builds:       c.builds.Load(),
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		Duplicates:   c.duplicates.Load(),
		SyncEntries:  countEntries(&c.syncFns),
		AsyncEntries: countEntries(&c.asyncFns),
	}
}

func (c *Cache) syncFn(t reflect.Type, request any) (sendFunc, error) {
	if fn, ok := c.lookup(&c.syncFns, modeSync, t); ok {
		return fn.(sendFunc), nil
	}
	if err := checkBindable(t); err != nil {
		return nil, err
	}
	var fn sendFunc
	if b, ok := request.(typedBinder); ok && b.ResponseType() == t {
		fn, _ = b.bindings()
	} else {
		fn = reflectSend(t)
	}
	return c.store(&c.syncFns, modeSync, t, fn).(sendFunc), nil
}

func (c *Cache) asyncFn(t reflect.Type, request any) (sendAsyncFunc, error) {
	if fn, ok := c.lookup(&c.asyncFns, modeAsync, t); ok {
		return fn.(sendAsyncFunc), nil
	}
	if err := checkBindable(t); err != nil {
		return nil, err
	}
	var fn sendAsyncFunc
	if b, ok := request.(typedBinder); ok && b.ResponseType() == t {
		_, fn = b.bindings()
	} else {
		fn = reflectSendAsync(t)
	}
	return c.store(&c.asyncFns, modeAsync, t, fn).(sendAsyncFunc), nil
}

func (c *Cache) lookup(m *sync.Map, mode string, t reflect.Type) (any, bool) {
	if t == nil {
		return nil, false
	}
	fn, ok := m.Load(t)
	if ok {
		c.hits.Add(1)
		bindingLookups.WithLabelValues(mode, "hit").Inc()
		return fn, true
	}
	c.misses.Add(1)
	bindingLookups.WithLabelValues(mode, "miss").Inc()
	return nil, false
}

// store installs fn unless another caller got there first, and returns the
// installed binding.
func (c *Cache) store(m *sync.Map, mode string, t reflect.Type, fn any) any {
	c.builds.Add(1)
	bindingBuilds.WithLabelValues(mode).Inc()
	actual, loaded := m.LoadOrStore(t, fn)
	if loaded {
		c.duplicates.Add(1)
		return actual
	}
	slog.Debug(fmt.Sprintf("%s - bound %s send for %s", cacheLogPrefix, mode, t))
	return actual
}

func checkBindable(t reflect.Type) error {
	if t == nil {
		return &BindingError{Reason: "response type is nil"}
	}
	switch t.Kind() {
	case reflect.Invalid, reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return &BindingError{ResponseType: t, Reason: fmt.Sprintf("kind %s cannot carry a response", t.Kind())}
	}
	return nil
}

func countEntries(m *sync.Map) int {
	n := 0
	m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func sendObject[T any](gw SyncGateway, request any) (any, error) {
	resp, err := SendAs[T](gw, request)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func sendObjectAsync[T any](ctx context.Context, gw SyncGateway, request any) *Future[any] {
	return Map(SendAsAsync[T](ctx, gw, request), func(resp T) (any, error) {
		return resp, nil
	})
}

func reflectSend(t reflect.Type) sendFunc {
	return func(gw SyncGateway, request any) (any, error) {
		ptr := reflect.New(t)
		if err := gw.Send(request, ptr.Interface()); err != nil {
			return nil, err
		}
		return ptr.Elem().Interface(), nil
	}
}

func reflectSendAsync(t reflect.Type) sendAsyncFunc {
	return func(ctx context.Context, gw SyncGateway, request any) *Future[any] {
		ptr := reflect.New(t)
		return Map(SendInto(ctx, gw, request, ptr.Interface()), func(Void) (any, error) {
			return ptr.Elem().Interface(), nil
		})
	}
}

// SendByType sends through DefaultCache.
func SendByType(gw SyncGateway, responseType reflect.Type, request any) (any, error) {
	return DefaultCache.Send(gw, responseType, request)
}

// SendByTypeAsync sends through DefaultCache.
func SendByTypeAsync(ctx context.Context, gw SyncGateway, responseType reflect.Type, request any) *Future[any] {
	return DefaultCache.SendAsync(ctx, gw, responseType, request)
}

// SendObject resolves the response type request declares and sends it
// through DefaultCache.
func SendObject(gw SyncGateway, request any) (any, error) {
	t, err := ResolveResponseType(request)
	if err != nil {
		return nil, err
	}
	return DefaultCache.Send(gw, t, request)
}

// SendObjectAsync is the asynchronous form of SendObject.
func SendObjectAsync(ctx context.Context, gw SyncGateway, request any) *Future[any] {
	t, err := ResolveResponseType(request)
	if err != nil {
		return Failed[any](err)
	}
	return DefaultCache.SendAsync(ctx, gw, t, request)
}
