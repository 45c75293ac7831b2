package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/morezero/service-gateway/pkg/gateway"
	"github.com/morezero/service-gateway/pkg/inproc"
	"github.com/morezero/service-gateway/pkg/routing"
)

const helloLogPrefix = "server:hello"

// Wire names of the built-in greeting service.
const (
	HelloType   = "Hello"
	GreetedType = "Greeted"
)

// DefaultHelloRoute serves Hello and Greeted when GATEWAY_ROUTES is empty.
const DefaultHelloRoute = "gateway.hello@1.0.0"

// HelloRequest asks the greeting service for a greeting.
type HelloRequest struct {
	gateway.Returns[HelloResponse]
	Name string `json:"name"`
}

// HelloResponse is the greeting.
type HelloResponse struct {
	Result string `json:"result"`
}

// Greeted is published after every greeting.
type Greeted struct {
	Name string `json:"name"`
}

// greeter is the built-in service. Each greeting publishes a Greeted event
// through events, which is the outbox when one is configured.
type greeter struct {
	events  func() gateway.SyncGateway
	greeted atomic.Int64
}

func registerTypes(types *routing.Types) error {
	if err := routing.Register[HelloRequest](types, HelloType); err != nil {
		return err
	}
	return routing.Register[Greeted](types, GreetedType)
}

func (g *greeter) register(local *inproc.Gateway) error {
	if err := inproc.Handle(local, g.hello); err != nil {
		return err
	}
	inproc.Subscribe(local, g.onGreeted)
	return nil
}

func (g *greeter) hello(_ context.Context, req HelloRequest) (HelloResponse, error) {
	if req.Name == "" {
		return HelloResponse{}, fmt.Errorf("%s - %w: name is required", helloLogPrefix, gateway.ErrInvalidArgument)
	}
	if err := g.events().Publish(Greeted{Name: req.Name}); err != nil {
		return HelloResponse{}, fmt.Errorf("%s - failed to publish greeting: %w", helloLogPrefix, err)
	}
	return HelloResponse{Result: "Hello, " + req.Name}, nil
}

func (g *greeter) onGreeted(_ context.Context, ev Greeted) error {
	g.greeted.Add(1)
	slog.Debug(fmt.Sprintf("%s - greeted %s", helloLogPrefix, ev.Name))
	return nil
}
