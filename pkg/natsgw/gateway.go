package natsgw

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/google/uuid"
	comms "github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/morezero/service-gateway/pkg/commsutil"
	"github.com/morezero/service-gateway/pkg/gateway"
	"github.com/morezero/service-gateway/pkg/routing"
)

const logPrefix = "natsgw:gateway"

// DefaultTimeout bounds a call whose context carries no deadline.
const DefaultTimeout = 10 * time.Second

// Options configures a Gateway. Nil or zero values use defaults.
type Options struct {
	// Timeout bounds calls without a context deadline.
	Timeout time.Duration
	// Ranges pins request wire names to a version range (e.g. "Hello": "^1.2.0").
	// Unpinned types use the highest major.
	Ranges map[string]string
}

// Gateway sends requests to the services routed for their type.
type Gateway struct {
	nc      *comms.Conn
	types   *routing.Types
	table   *routing.Table
	timeout time.Duration
	ranges  map[string]string
}

var (
	_ gateway.SyncGateway  = (*Gateway)(nil)
	_ gateway.AsyncGateway = (*Gateway)(nil)
)

// New creates a Gateway. Pass nil for opts to use defaults.
func New(nc *comms.Conn, types *routing.Types, table *routing.Table, opts *Options) *Gateway {
	g := &Gateway{nc: nc, types: types, table: table, timeout: DefaultTimeout, ranges: map[string]string{}}
	if opts != nil {
		if opts.Timeout > 0 {
			g.timeout = opts.Timeout
		}
		for k, v := range opts.Ranges {
			g.ranges[k] = v
		}
	}
	return g
}

// Send implements gateway.SyncGateway.
func (g *Gateway) Send(request, response any) error {
	return g.send(context.Background(), request, response)
}

// SendAll sends each request concurrently; the first failure cancels the
// rest and is returned.
func (g *Gateway) SendAll(requests []any, responses any) error {
	return g.sendAll(context.Background(), requests, responses)
}

// Publish implements gateway.SyncGateway.
func (g *Gateway) Publish(request any) error {
	return g.publish(request)
}

// PublishAll implements gateway.SyncGateway.
func (g *Gateway) PublishAll(requests []any) error {
	for _, request := range requests {
		if err := g.publish(request); err != nil {
			return err
		}
	}
	return nil
}

// SendAsync implements gateway.AsyncGateway. ctx bounds the round trip.
func (g *Gateway) SendAsync(ctx context.Context, request, response any) *gateway.Future[gateway.Void] {
	return g.async(ctx, func(ctx context.Context) error {
		return g.send(ctx, request, response)
	})
}

// SendAllAsync implements gateway.AsyncGateway.
func (g *Gateway) SendAllAsync(ctx context.Context, requests []any, responses any) *gateway.Future[gateway.Void] {
	return g.async(ctx, func(ctx context.Context) error {
		return g.sendAll(ctx, requests, responses)
	})
}

// PublishAsync publishes request and waits for the server to acknowledge the
// flush.
func (g *Gateway) PublishAsync(ctx context.Context, request any) *gateway.Future[gateway.Void] {
	return g.async(ctx, func(ctx context.Context) error {
		if err := g.publish(request); err != nil {
			return err
		}
		return g.flush(ctx)
	})
}

// PublishAllAsync implements gateway.AsyncGateway.
func (g *Gateway) PublishAllAsync(ctx context.Context, requests []any) *gateway.Future[gateway.Void] {
	return g.async(ctx, func(ctx context.Context) error {
		if err := g.PublishAll(requests); err != nil {
			return err
		}
		return g.flush(ctx)
	})
}

func (g *Gateway) async(ctx context.Context, fn func(context.Context) error) *gateway.Future[gateway.Void] {
	f := gateway.NewFuture[gateway.Void]()
	go func() {
		if ctx.Err() != nil {
			f.Complete(gateway.Void{}, fmt.Errorf("%w: %w", gateway.ErrCancelled, ctx.Err()))
			return
		}
		f.Start()
		f.Complete(gateway.Void{}, fn(ctx))
	}()
	return f
}

func (g *Gateway) send(ctx context.Context, request, response any) error {
	subject, env, err := g.encode(request)
	if err != nil {
		return err
	}
	ctx, cancel := g.withDeadline(ctx)
	defer cancel()

	msg, err := g.nc.RequestWithContext(ctx, subject, env)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s - request on %s: %w", logPrefix, subject, ctx.Err())
		}
		return fmt.Errorf("%s - request on %s: %w", logPrefix, subject, err)
	}
	return decodeReply(msg.Data, response)
}

func (g *Gateway) sendAll(ctx context.Context, requests []any, responses any) error {
	rv := reflect.ValueOf(responses)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Slice {
		return fmt.Errorf("%s - %w: responses must point to a slice, got %T", logPrefix, gateway.ErrInvalidArgument, responses)
	}
	out := reflect.MakeSlice(rv.Elem().Type(), len(requests), len(requests))

	eg, egCtx := errgroup.WithContext(ctx)
	for i, request := range requests {
		i, request := i, request
		eg.Go(func() error {
			return g.send(egCtx, request, out.Index(i).Addr().Interface())
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	rv.Elem().Set(out)
	return nil
}

func (g *Gateway) publish(request any) error {
	subject, env, err := g.encode(request)
	if err != nil {
		return err
	}
	if err := g.nc.Publish(subject, env); err != nil {
		return fmt.Errorf("%s - publish on %s: %w", logPrefix, subject, err)
	}
	slog.Debug(fmt.Sprintf("%s - published %T on %s", logPrefix, request, subject))
	return nil
}

func (g *Gateway) flush(ctx context.Context) error {
	ctx, cancel := g.withDeadline(ctx)
	defer cancel()
	if err := g.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("%s - flush: %w", logPrefix, err)
	}
	return nil
}

// encode resolves the subject for request and wraps it in an envelope.
func (g *Gateway) encode(request any) (string, []byte, error) {
	name, err := g.types.NameOf(request)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %w", gateway.ErrContractViolation, err)
	}
	route, err := g.table.Resolve(name, g.ranges[name])
	if err != nil {
		return "", nil, err
	}
	payload, err := commsutil.EncodePayload(request)
	if err != nil {
		return "", nil, fmt.Errorf("%s - failed to encode %s: %w", logPrefix, name, err)
	}
	env, err := commsutil.EncodePayload(&RequestEnvelope{ID: uuid.NewString(), Type: name, Payload: payload})
	if err != nil {
		return "", nil, fmt.Errorf("%s - failed to encode envelope: %w", logPrefix, err)
	}
	return route.Subject, env, nil
}

func (g *Gateway) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, g.timeout)
}

func decodeReply(data []byte, response any) error {
	var reply ReplyEnvelope
	if err := commsutil.DecodePayload(data, &reply); err != nil {
		return fmt.Errorf("%s - failed to decode reply: %w", logPrefix, err)
	}
	if !reply.Ok {
		if reply.Error == nil {
			return &RemoteError{Code: gateway.CodeGatewayError, Message: "reply without error detail"}
		}
		return &RemoteError{Code: reply.Error.Code, Message: reply.Error.Message, Retryable: reply.Error.Retryable}
	}
	if commsutil.IsEmptyPayload(reply.Payload) {
		return nil
	}
	if err := commsutil.DecodePayload(reply.Payload, response); err != nil {
		return fmt.Errorf("%s - failed to decode response into %T: %w", logPrefix, response, err)
	}
	return nil
}
