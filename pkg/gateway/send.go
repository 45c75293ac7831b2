package gateway

import (
	"fmt"
)

// Send delivers request through gw and returns its typed response.
func Send[T any](gw SyncGateway, request Returner[T]) (T, error) {
	return SendAs[T](gw, request)
}

// SendAs is Send for requests whose static type does not carry Returns[T].
func SendAs[T any](gw SyncGateway, request any) (T, error) {
	var resp T
	if err := checkCall(gw, request); err != nil {
		return resp, err
	}
	if err := gw.Send(request, &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// SendAll delivers requests as one batch. The type of the requests is
// inferred: SendAll[HelloResponse](gw, []Hello{...}).
func SendAll[T any, R Returner[T]](gw SyncGateway, requests []R) ([]T, error) {
	if gw == nil {
		return nil, fmt.Errorf("%w: gateway is nil", ErrInvalidArgument)
	}
	var resp []T
	if err := gw.SendAll(toAny(requests), &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// SendVoid delivers a request that produces no response. The reply body, if
// any, is discarded.
func SendVoid(gw SyncGateway, request VoidReturner) error {
	if err := checkCall(gw, request); err != nil {
		return err
	}
	var discard []byte
	return gw.Send(request, &discard)
}

// PublishAll publishes a typed batch.
func PublishAll[R any](gw SyncGateway, requests []R) error {
	if gw == nil {
		return fmt.Errorf("%w: gateway is nil", ErrInvalidArgument)
	}
	return gw.PublishAll(toAny(requests))
}

func checkCall(gw SyncGateway, request any) error {
	if gw == nil {
		return fmt.Errorf("%w: gateway is nil", ErrInvalidArgument)
	}
	if isNil(request) {
		return fmt.Errorf("%w: request is nil", ErrInvalidArgument)
	}
	return nil
}

func toAny[R any](in []R) []any {
	out := make([]any, len(in))
	for i, r := range in {
		out[i] = r
	}
	return out
}
