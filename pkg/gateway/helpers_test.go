package gateway

import (
	"context"
	"fmt"
	"sync"
)

type HelloResponse struct {
	Result string `json:"result"`
}

type Hello struct {
	Returns[HelloResponse]
	Name string `json:"name"`
}

type countResponse struct {
	N int `json:"n"`
}

type Count struct {
	Returns[countResponse]
	N int `json:"n"`
}

type Ping struct {
	ReturnsVoid
}

type Untyped struct {
	Name string
}

type helloSide struct{ Returns[HelloResponse] }

type countSide struct{ Returns[countResponse] }

// Ambiguous inherits two response types at the same depth.
type Ambiguous struct {
	helloSide
	countSide
}

func reply(request any) (any, error) {
	switch r := request.(type) {
	case Hello:
		return HelloResponse{Result: "Hello, " + r.Name}, nil
	case *Hello:
		return HelloResponse{Result: "Hello, " + r.Name}, nil
	case Count:
		return countResponse{N: r.N * 2}, nil
	case Untyped:
		return HelloResponse{Result: "untyped " + r.Name}, nil
	case Ping:
		return nil, nil
	}
	return nil, fmt.Errorf("no handler for %T", request)
}

// syncSpy implements only SyncGateway.
type syncSpy struct {
	mu          sync.Mutex
	sends       int
	sendAlls    int
	publishes   int
	publishAlls int
	published   []any

	err     error
	started chan struct{}
	release chan struct{}
}

func (g *syncSpy) Send(request, response any) error {
	g.mu.Lock()
	g.sends++
	g.mu.Unlock()
	if g.started != nil {
		g.started <- struct{}{}
	}
	if g.release != nil {
		<-g.release
	}
	if g.err != nil {
		return g.err
	}
	v, err := reply(request)
	if err != nil {
		return err
	}
	return Assign(response, v)
}

func (g *syncSpy) SendAll(requests []any, responses any) error {
	g.mu.Lock()
	g.sendAlls++
	g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	values := make([]any, len(requests))
	for i, r := range requests {
		v, err := reply(r)
		if err != nil {
			return err
		}
		values[i] = v
	}
	return AssignAll(responses, values)
}

func (g *syncSpy) Publish(request any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.publishes++
	if g.err != nil {
		return g.err
	}
	g.published = append(g.published, request)
	return nil
}

func (g *syncSpy) PublishAll(requests []any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.publishAlls++
	if g.err != nil {
		return g.err
	}
	g.published = append(g.published, requests...)
	return nil
}

func (g *syncSpy) counts() (sends, sendAlls, publishes, publishAlls int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sends, g.sendAlls, g.publishes, g.publishAlls
}

// asyncSpy implements both capability sets and records which one was used.
type asyncSpy struct {
	*syncSpy

	amu              sync.Mutex
	asyncSends       int
	asyncSendAlls    int
	asyncPublishes   int
	asyncPublishAlls int
}

func newAsyncSpy() *asyncSpy {
	return &asyncSpy{syncSpy: &syncSpy{}}
}

func (g *asyncSpy) run(ctx context.Context, counter *int, fn func() error) *Future[Void] {
	g.amu.Lock()
	*counter++
	g.amu.Unlock()
	f := NewFuture[Void]()
	go func() {
		f.Start()
		if err := ctx.Err(); err != nil {
			f.Complete(Void{}, err)
			return
		}
		f.Complete(Void{}, fn())
	}()
	return f
}

func (g *asyncSpy) SendAsync(ctx context.Context, request, response any) *Future[Void] {
	return g.run(ctx, &g.asyncSends, func() error {
		v, err := reply(request)
		if err != nil {
			return err
		}
		return Assign(response, v)
	})
}

func (g *asyncSpy) SendAllAsync(ctx context.Context, requests []any, responses any) *Future[Void] {
	return g.run(ctx, &g.asyncSendAlls, func() error {
		values := make([]any, len(requests))
		for i, r := range requests {
			v, err := reply(r)
			if err != nil {
				return err
			}
			values[i] = v
		}
		return AssignAll(responses, values)
	})
}

func (g *asyncSpy) PublishAsync(ctx context.Context, request any) *Future[Void] {
	return g.run(ctx, &g.asyncPublishes, func() error { return nil })
}

func (g *asyncSpy) PublishAllAsync(ctx context.Context, requests []any) *Future[Void] {
	return g.run(ctx, &g.asyncPublishAlls, func() error { return nil })
}

func (g *asyncSpy) asyncCounts() (sends, sendAlls, publishes, publishAlls int) {
	g.amu.Lock()
	defer g.amu.Unlock()
	return g.asyncSends, g.asyncSendAlls, g.asyncPublishes, g.asyncPublishAlls
}
