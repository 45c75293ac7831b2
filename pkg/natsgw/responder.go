package natsgw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/service-gateway/pkg/commsutil"
	"github.com/morezero/service-gateway/pkg/gateway"
	"github.com/morezero/service-gateway/pkg/routing"
)

const responderLogPrefix = "natsgw:responder"

// ResponderOptions configures a Responder. Nil or zero values use defaults.
type ResponderOptions struct {
	// Queue is the queue group shared by responder replicas.
	Queue string
	// Cache binds response types; defaults to gateway.DefaultCache.
	Cache *gateway.Cache
	// Timeout bounds serving one request.
	Timeout time.Duration
}

// Responder serves envelopes arriving on COMMS subjects from a local gateway.
// The Go type of each request is known only by its wire name, so responses
// are produced through the late-bound cache.
type Responder struct {
	nc      *comms.Conn
	types   *routing.Types
	inner   gateway.SyncGateway
	cache   *gateway.Cache
	queue   string
	timeout time.Duration

	mu   sync.Mutex
	subs []*comms.Subscription
}

// NewResponder creates a Responder serving inner. Pass nil for opts to use defaults.
func NewResponder(nc *comms.Conn, types *routing.Types, inner gateway.SyncGateway, opts *ResponderOptions) *Responder {
	r := &Responder{nc: nc, types: types, inner: inner, cache: gateway.DefaultCache, timeout: DefaultTimeout}
	if opts != nil {
		r.queue = opts.Queue
		if opts.Cache != nil {
			r.cache = opts.Cache
		}
		if opts.Timeout > 0 {
			r.timeout = opts.Timeout
		}
	}
	return r
}

// Start subscribes to subjects.
func (r *Responder) Start(subjects ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, subject := range subjects {
		sub, err := r.nc.QueueSubscribe(subject, r.queue, r.onMessage)
		if err != nil {
			return fmt.Errorf("%s - failed to subscribe to %s: %w", responderLogPrefix, subject, err)
		}
		r.subs = append(r.subs, sub)
		slog.Info(fmt.Sprintf("%s - Serving %s (queue=%q)", responderLogPrefix, subject, r.queue))
	}
	return nil
}

// Stop drains every subscription, letting in-flight requests finish.
func (r *Responder) Stop() error {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Drain(); err != nil {
			errs = append(errs, fmt.Errorf("%s - failed to drain %s: %w", responderLogPrefix, sub.Subject, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Responder) onMessage(msg *comms.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	reply := r.Serve(ctx, msg.Data, msg.Reply != "")
	if msg.Reply == "" {
		return
	}
	data, err := commsutil.EncodePayload(reply)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to encode reply %s: %v", responderLogPrefix, reply.ID, err))
		data, _ = commsutil.EncodePayload(errorReply(reply.ID, err))
	}
	if err := msg.Respond(data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to respond to %s: %v", responderLogPrefix, reply.ID, err))
	}
}

// Serve handles one encoded request envelope. When wantReply is false the
// request is published to the inner gateway and the returned reply only
// reports the outcome.
func (r *Responder) Serve(ctx context.Context, data []byte, wantReply bool) *ReplyEnvelope {
	var env RequestEnvelope
	if err := commsutil.DecodePayload(data, &env); err != nil {
		return errorReply("", fmt.Errorf("%w: malformed envelope: %v", gateway.ErrInvalidArgument, err))
	}
	slog.Debug(fmt.Sprintf("%s - type=%s id=%s reply=%v", responderLogPrefix, env.Type, env.ID, wantReply))

	request, err := r.types.Decode(env.Type, env.Payload)
	if err != nil {
		return errorReply(env.ID, fmt.Errorf("%w: %w", gateway.ErrInvalidArgument, err))
	}

	if !wantReply {
		if err := r.inner.Publish(request); err != nil {
			slog.Warn(fmt.Sprintf("%s - publish %s failed: %v", responderLogPrefix, env.Type, err))
			return errorReply(env.ID, err)
		}
		return &ReplyEnvelope{ID: env.ID, Ok: true}
	}

	if vr, ok := request.(gateway.VoidReturner); ok {
		if err := gateway.SendVoidAsync(ctx, r.inner, vr).Err(); err != nil {
			return errorReply(env.ID, err)
		}
		return &ReplyEnvelope{ID: env.ID, Ok: true}
	}

	responseType, err := gateway.ResolveResponseType(request)
	if err != nil {
		return errorReply(env.ID, err)
	}
	response, err := r.cache.SendAsync(ctx, r.inner, responseType, request).Get()
	if err != nil {
		return errorReply(env.ID, err)
	}
	payload, err := commsutil.EncodePayload(response)
	if err != nil {
		return errorReply(env.ID, fmt.Errorf("%s - failed to encode %s response: %w", responderLogPrefix, env.Type, err))
	}
	return &ReplyEnvelope{ID: env.ID, Ok: true, Payload: payload}
}
