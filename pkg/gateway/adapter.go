package gateway

import (
	"context"
	"fmt"
	"log/slog"
)

const adapterLogPrefix = "gateway:adapter"

// Operation labels.
const (
	OpSend       = "send"
	OpSendAll    = "send_all"
	OpPublish    = "publish"
	OpPublishAll = "publish_all"
)

// The helpers below check for AsyncGateway on every call. When present the
// call is delegated with ctx untouched; otherwise the synchronous operation
// runs on the fallback executor, where ctx can only stop it from starting.

// SendAsync is the asynchronous form of Send.
func SendAsync[T any](ctx context.Context, gw SyncGateway, request Returner[T]) *Future[T] {
	return SendAsAsync[T](ctx, gw, request)
}

// SendAsAsync is the asynchronous form of SendAs.
func SendAsAsync[T any](ctx context.Context, gw SyncGateway, request any) *Future[T] {
	if err := checkCall(gw, request); err != nil {
		return Failed[T](err)
	}
	if ag, ok := gw.(AsyncGateway); ok {
		observePath(OpSend, PathNative)
		resp := new(T)
		return Map(ag.SendAsync(ctx, request, resp), func(Void) (T, error) {
			return *resp, nil
		})
	}
	observePath(OpSend, PathFallback)
	logFallback(OpSend, request)
	return Go(ctx, FallbackExecutor(), func() (T, error) {
		var resp T
		err := gw.Send(request, &resp)
		return resp, err
	})
}

// SendInto is the untyped asynchronous send: the reply is decoded into
// response, a non-nil pointer, before the future completes.
func SendInto(ctx context.Context, gw SyncGateway, request, response any) *Future[Void] {
	if err := checkCall(gw, request); err != nil {
		return Failed[Void](err)
	}
	if ag, ok := gw.(AsyncGateway); ok {
		observePath(OpSend, PathNative)
		return ag.SendAsync(ctx, request, response)
	}
	observePath(OpSend, PathFallback)
	logFallback(OpSend, request)
	return Go(ctx, FallbackExecutor(), func() (Void, error) {
		return Void{}, gw.Send(request, response)
	})
}

// SendVoidAsync is the asynchronous form of SendVoid.
func SendVoidAsync(ctx context.Context, gw SyncGateway, request VoidReturner) *Future[Void] {
	var discard []byte
	return SendInto(ctx, gw, request, &discard)
}

// SendAllAsync is the asynchronous form of SendAll.
func SendAllAsync[T any, R Returner[T]](ctx context.Context, gw SyncGateway, requests []R) *Future[[]T] {
	if gw == nil {
		return Failed[[]T](fmt.Errorf("%w: gateway is nil", ErrInvalidArgument))
	}
	reqs := toAny(requests)
	if ag, ok := gw.(AsyncGateway); ok {
		observePath(OpSendAll, PathNative)
		resp := new([]T)
		return Map(ag.SendAllAsync(ctx, reqs, resp), func(Void) ([]T, error) {
			return *resp, nil
		})
	}
	observePath(OpSendAll, PathFallback)
	logFallback(OpSendAll, requests)
	return Go(ctx, FallbackExecutor(), func() ([]T, error) {
		var resp []T
		if err := gw.SendAll(reqs, &resp); err != nil {
			return nil, err
		}
		return resp, nil
	})
}

// SendAllInto is the untyped asynchronous batch send; responses is a pointer
// to a slice.
func SendAllInto(ctx context.Context, gw SyncGateway, requests []any, responses any) *Future[Void] {
	if gw == nil {
		return Failed[Void](fmt.Errorf("%w: gateway is nil", ErrInvalidArgument))
	}
	if ag, ok := gw.(AsyncGateway); ok {
		observePath(OpSendAll, PathNative)
		return ag.SendAllAsync(ctx, requests, responses)
	}
	observePath(OpSendAll, PathFallback)
	logFallback(OpSendAll, requests)
	return Go(ctx, FallbackExecutor(), func() (Void, error) {
		return Void{}, gw.SendAll(requests, responses)
	})
}

// PublishAsync is the asynchronous form of SyncGateway.Publish.
func PublishAsync(ctx context.Context, gw SyncGateway, request any) *Future[Void] {
	if err := checkCall(gw, request); err != nil {
		return Failed[Void](err)
	}
	if ag, ok := gw.(AsyncGateway); ok {
		observePath(OpPublish, PathNative)
		return ag.PublishAsync(ctx, request)
	}
	observePath(OpPublish, PathFallback)
	logFallback(OpPublish, request)
	return Go(ctx, FallbackExecutor(), func() (Void, error) {
		return Void{}, gw.Publish(request)
	})
}

// PublishAllAsync is the asynchronous form of PublishAll.
func PublishAllAsync[R any](ctx context.Context, gw SyncGateway, requests []R) *Future[Void] {
	if gw == nil {
		return Failed[Void](fmt.Errorf("%w: gateway is nil", ErrInvalidArgument))
	}
	reqs := toAny(requests)
	if ag, ok := gw.(AsyncGateway); ok {
		observePath(OpPublishAll, PathNative)
		return ag.PublishAllAsync(ctx, reqs)
	}
	observePath(OpPublishAll, PathFallback)
	logFallback(OpPublishAll, requests)
	return Go(ctx, FallbackExecutor(), func() (Void, error) {
		return Void{}, gw.PublishAll(reqs)
	})
}

func logFallback(op string, request any) {
	slog.Debug(fmt.Sprintf("%s - %s %T on fallback executor", adapterLogPrefix, op, request))
}
