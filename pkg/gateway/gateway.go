// Package gateway is the dispatch layer in front of pluggable service gateways.
//
// A gateway transmits request values to a local or remote handler and decodes
// the typed responses. Gateways implement SyncGateway and may also implement
// AsyncGateway. Callers use the typed helpers (Send, SendAll, SendAsync, ...),
// which pick the native asynchronous path when the gateway offers one and fall
// back to running the synchronous operation on an Executor otherwise.
//
// Callers that only know the response type at runtime go through the
// late-bound Cache, which binds a typed send function per reflect.Type once
// and reuses it on every later call.
package gateway

import (
	"context"
	"fmt"
	"reflect"
)

// Void is the result of operations that produce no value.
type Void = struct{}

// SyncGateway is the synchronous capability set every gateway provides.
type SyncGateway interface {
	// Send delivers request and decodes the reply into response, which must
	// be a non-nil pointer.
	Send(request any, response any) error
	// SendAll delivers requests as one batch and decodes the replies into
	// responses, a pointer to a slice.
	SendAll(requests []any, responses any) error
	// Publish delivers a fire-and-forget request.
	Publish(request any) error
	// PublishAll delivers a batch of fire-and-forget requests.
	PublishAll(requests []any) error
}

// AsyncGateway is the asynchronous capability set. Gateways implementing it
// can suspend without holding a goroutine per call and observe ctx while the
// call is in flight.
type AsyncGateway interface {
	SendAsync(ctx context.Context, request any, response any) *Future[Void]
	SendAllAsync(ctx context.Context, requests []any, responses any) *Future[Void]
	PublishAsync(ctx context.Context, request any) *Future[Void]
	PublishAllAsync(ctx context.Context, requests []any) *Future[Void]
}

// Returns is embedded by request types to declare that they produce a T:
//
//	type Hello struct {
//		gateway.Returns[HelloResponse]
//		Name string `json:"name"`
//	}
type Returns[T any] struct{}

// ResponseType reports the declared response type T.
func (Returns[T]) ResponseType() reflect.Type {
	return reflect.TypeFor[T]()
}

func (Returns[T]) produces(T) {}

func (Returns[T]) bindings() (sendFunc, sendAsyncFunc) {
	return sendObject[T], sendObjectAsync[T]
}

// Returner is satisfied by requests that embed Returns[T].
type Returner[T any] interface {
	ResponseType() reflect.Type
	produces(T)
}

// ReturnsVoid is embedded by request types that produce no response.
type ReturnsVoid struct{}

func (ReturnsVoid) returnsVoid() {}

// VoidReturner is satisfied by requests that embed ReturnsVoid.
type VoidReturner interface {
	returnsVoid()
}

type responseTyper interface {
	ResponseType() reflect.Type
}

// typedBinder is implemented through Returns[T]; it hands out bindings
// instantiated for T without reflection.
type typedBinder interface {
	responseTyper
	bindings() (sendFunc, sendAsyncFunc)
}

// ResolveResponseType returns the response type request declares through an
// embedded Returns[T]. A request embedding several Returns markers at the same
// depth has no ResponseType method and is rejected.
func ResolveResponseType(request any) (reflect.Type, error) {
	if isNil(request) {
		return nil, fmt.Errorf("%w: request is nil", ErrInvalidArgument)
	}
	rt, ok := request.(responseTyper)
	if !ok {
		return nil, fmt.Errorf("%w: %T does not declare a single response type, embed gateway.Returns[T]",
			ErrContractViolation, request)
	}
	t := rt.ResponseType()
	if t == nil {
		return nil, fmt.Errorf("%w: %T declares a nil response type", ErrContractViolation, request)
	}
	return t, nil
}

// IsVoid reports whether request declares no response.
func IsVoid(request any) bool {
	_, ok := request.(VoidReturner)
	return ok
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
