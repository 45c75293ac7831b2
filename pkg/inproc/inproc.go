// Package inproc is a gateway that dispatches requests to handlers registered
// in the same process. It implements only gateway.SyncGateway, so the async
// helpers run it on the fallback executor.
package inproc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/morezero/service-gateway/pkg/gateway"
)

const logPrefix = "inproc:gateway"

var (
	// ErrNoHandler is returned when no handler is registered for a request type.
	ErrNoHandler = errors.New("no handler registered")
	// ErrDuplicateHandler is returned when a request type already has a handler.
	ErrDuplicateHandler = errors.New("handler already registered")
)

type handlerFunc func(ctx context.Context, request any) (any, error)

// Gateway routes requests by their Go type. Value and pointer requests of the
// same type reach the same handler.
type Gateway struct {
	ctx        context.Context
	batchLimit int

	mu          sync.RWMutex
	handlers    map[reflect.Type]handlerFunc
	subscribers map[reflect.Type][]handlerFunc
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithContext sets the context handlers receive. Defaults to context.Background.
func WithContext(ctx context.Context) Option {
	return func(g *Gateway) { g.ctx = ctx }
}

// WithBatchLimit bounds how many requests of one SendAll run at once.
// n <= 0 means no limit.
func WithBatchLimit(n int) Option {
	return func(g *Gateway) { g.batchLimit = n }
}

// New creates an empty gateway.
func New(opts ...Option) *Gateway {
	g := &Gateway{
		ctx:         context.Background(),
		handlers:    make(map[reflect.Type]handlerFunc),
		subscribers: make(map[reflect.Type][]handlerFunc),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Handle registers fn as the handler for Req.
func Handle[Req, Resp any](g *Gateway, fn func(context.Context, Req) (Resp, error)) error {
	return g.register(reflect.TypeFor[Req](), func(ctx context.Context, request any) (any, error) {
		req, err := convert[Req](request)
		if err != nil {
			return nil, err
		}
		return fn(ctx, req)
	})
}

// HandleVoid registers fn as the handler for a Req that produces no response.
func HandleVoid[Req any](g *Gateway, fn func(context.Context, Req) error) error {
	return g.register(reflect.TypeFor[Req](), func(ctx context.Context, request any) (any, error) {
		req, err := convert[Req](request)
		if err != nil {
			return nil, err
		}
		return nil, fn(ctx, req)
	})
}

// Subscribe adds fn to the subscribers of Req. Published requests go to
// every subscriber in registration order.
func Subscribe[Req any](g *Gateway, fn func(context.Context, Req) error) {
	key := baseType(reflect.TypeFor[Req]())
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subscribers[key] = append(g.subscribers[key], func(ctx context.Context, request any) (any, error) {
		req, err := convert[Req](request)
		if err != nil {
			return nil, err
		}
		return nil, fn(ctx, req)
	})
}

func (g *Gateway) register(rt reflect.Type, h handlerFunc) error {
	key := baseType(rt)
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.handlers[key]; ok {
		return fmt.Errorf("%s - %w for %s", logPrefix, ErrDuplicateHandler, key)
	}
	g.handlers[key] = h
	slog.Debug(fmt.Sprintf("%s - registered handler for %s", logPrefix, key))
	return nil
}

// Send runs the handler for request and stores its result in response.
func (g *Gateway) Send(request, response any) error {
	v, err := g.call(request)
	if err != nil {
		return err
	}
	return gateway.Assign(response, v)
}

// SendAll runs the handlers for requests concurrently and stores the results,
// in request order, in responses. The first failure is returned.
func (g *Gateway) SendAll(requests []any, responses any) error {
	values := make([]any, len(requests))
	var eg errgroup.Group
	if g.batchLimit > 0 {
		eg.SetLimit(g.batchLimit)
	}
	for i, request := range requests {
		i, request := i, request
		eg.Go(func() error {
			v, err := g.call(request)
			if err != nil {
				return err
			}
			values[i] = v
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	return gateway.AssignAll(responses, values)
}

// Publish delivers request to its subscribers. A request type without
// subscribers is handed to its handler and the result dropped.
func (g *Gateway) Publish(request any) error {
	if request == nil {
		return fmt.Errorf("%s - %w: nil request", logPrefix, gateway.ErrInvalidArgument)
	}
	key := baseType(reflect.TypeOf(request))
	g.mu.RLock()
	subs := g.subscribers[key]
	g.mu.RUnlock()

	if len(subs) == 0 {
		_, err := g.call(request)
		return err
	}
	var errs []error
	for _, sub := range subs {
		if _, err := g.invoke(sub, request); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PublishAll publishes each request in order and joins their failures.
func (g *Gateway) PublishAll(requests []any) error {
	var errs []error
	for _, request := range requests {
		if err := g.Publish(request); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (g *Gateway) call(request any) (any, error) {
	if request == nil {
		return nil, fmt.Errorf("%s - %w: nil request", logPrefix, gateway.ErrInvalidArgument)
	}
	key := baseType(reflect.TypeOf(request))
	g.mu.RLock()
	h, ok := g.handlers[key]
	g.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s - %w for %s", logPrefix, ErrNoHandler, key)
	}
	return g.invoke(h, request)
}

func (g *Gateway) invoke(h handlerFunc, request any) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("%s - recovered panic handling %T: %v", logPrefix, request, r))
			err = fmt.Errorf("%s - panic handling %T: %v", logPrefix, request, r)
		}
	}()
	return h(g.ctx, request)
}

func convert[Req any](request any) (Req, error) {
	if req, ok := request.(Req); ok {
		return req, nil
	}
	var zero Req
	rv := reflect.ValueOf(request)
	want := reflect.TypeFor[Req]()
	switch {
	case rv.Kind() == reflect.Pointer && !rv.IsNil() && rv.Elem().Type() == want:
		return rv.Elem().Interface().(Req), nil
	case want.Kind() == reflect.Pointer && rv.Type() == want.Elem():
		ptr := reflect.New(rv.Type())
		ptr.Elem().Set(rv)
		return ptr.Interface().(Req), nil
	}
	return zero, fmt.Errorf("%s - %w: cannot use %T as %s", logPrefix, gateway.ErrInvalidArgument, request, want)
}

func baseType(rt reflect.Type) reflect.Type {
	for rt.Kind() == reflect.Pointer {
		rt = rt.Elem()
	}
	return rt
}
