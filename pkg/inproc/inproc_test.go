package inproc

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/morezero/service-gateway/pkg/gateway"
)

const inprocTestPrefix = "inproc:gateway_test"

type HelloResponse struct {
	Result string `json:"result"`
}

type Hello struct {
	gateway.Returns[HelloResponse]
	Name string `json:"name"`
}

type Audit struct {
	gateway.ReturnsVoid
	Action string
}

type Boom struct {
	gateway.Returns[HelloResponse]
}

func newHelloGateway(t *testing.T, opts ...Option) *Gateway {
	t.Helper()
	gw := New(opts...)
	err := Handle(gw, func(_ context.Context, req Hello) (HelloResponse, error) {
		return HelloResponse{Result: "Hello, " + req.Name}, nil
	})
	if err != nil {
		t.Fatalf("%s - register: %v", inprocTestPrefix, err)
	}
	return gw
}

func TestGateway_Send(t *testing.T) {
	gw := newHelloGateway(t)

	resp, err := gateway.Send[HelloResponse](gw, Hello{Name: "World"})
	if err != nil {
		t.Fatalf("%s - unexpected error: %v", inprocTestPrefix, err)
	}
	if resp.Result != "Hello, World" {
		t.Errorf("%s - expected Hello, World, got %q", inprocTestPrefix, resp.Result)
	}

	resp, err = gateway.Send[HelloResponse](gw, &Hello{Name: "Ptr"})
	if err != nil || resp.Result != "Hello, Ptr" {
		t.Errorf("%s - pointer request: got %+v, %v", inprocTestPrefix, resp, err)
	}
}

func TestGateway_NoHandler(t *testing.T) {
	gw := New()
	_, err := gateway.Send[HelloResponse](gw, Hello{})
	if !errors.Is(err, ErrNoHandler) {
		t.Errorf("%s - expected ErrNoHandler, got %v", inprocTestPrefix, err)
	}
}

func TestGateway_DuplicateHandler(t *testing.T) {
	gw := newHelloGateway(t)
	err := Handle(gw, func(_ context.Context, req *Hello) (HelloResponse, error) {
		return HelloResponse{}, nil
	})
	if !errors.Is(err, ErrDuplicateHandler) {
		t.Errorf("%s - expected ErrDuplicateHandler, got %v", inprocTestPrefix, err)
	}
}

func TestGateway_HandlerErrorUnchanged(t *testing.T) {
	failure := errors.New("greeter unavailable")
	gw := New()
	_ = Handle(gw, func(_ context.Context, _ Hello) (HelloResponse, error) {
		return HelloResponse{}, failure
	})

	if _, err := gateway.Send[HelloResponse](gw, Hello{}); err != failure {
		t.Errorf("%s - expected handler error unchanged, got %v", inprocTestPrefix, err)
	}
	if _, err := gateway.SendObject(gw, Hello{}); err != failure {
		t.Errorf("%s - expected late-bound handler error unchanged, got %v", inprocTestPrefix, err)
	}
}

func TestGateway_Panic(t *testing.T) {
	gw := New()
	_ = Handle(gw, func(_ context.Context, _ Boom) (HelloResponse, error) {
		panic("handler exploded")
	})
	_, err := gateway.Send[HelloResponse](gw, Boom{})
	if err == nil || !strings.Contains(err.Error(), "handler exploded") {
		t.Errorf("%s - expected panic error, got %v", inprocTestPrefix, err)
	}
}

func TestGateway_SendAll(t *testing.T) {
	var running, peak atomic.Int32
	gw := New(WithBatchLimit(2))
	_ = Handle(gw, func(_ context.Context, req Hello) (HelloResponse, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return HelloResponse{Result: req.Name}, nil
	})

	requests := []Hello{{Name: "a"}, {Name: "b"}, {Name: "c"}, {Name: "d"}, {Name: "e"}}
	got, err := gateway.SendAll[HelloResponse](gw, requests)
	if err != nil {
		t.Fatalf("%s - unexpected error: %v", inprocTestPrefix, err)
	}
	if len(got) != len(requests) {
		t.Fatalf("%s - expected %d responses, got %d", inprocTestPrefix, len(requests), len(got))
	}
	for i, r := range requests {
		if got[i].Result != r.Name {
			t.Errorf("%s - response %d out of order: %q", inprocTestPrefix, i, got[i].Result)
		}
	}
	if p := peak.Load(); p > 2 {
		t.Errorf("%s - expected at most 2 concurrent handlers, got %d", inprocTestPrefix, p)
	}
}

func TestGateway_SendAllFailure(t *testing.T) {
	gw := newHelloGateway(t)
	var responses []HelloResponse
	err := gw.SendAll([]any{Hello{Name: "ok"}, Boom{}}, &responses)
	if !errors.Is(err, ErrNoHandler) {
		t.Errorf("%s - expected ErrNoHandler, got %v", inprocTestPrefix, err)
	}
}

func TestGateway_SendVoid(t *testing.T) {
	gw := New()
	var got string
	_ = HandleVoid(gw, func(_ context.Context, req Audit) error {
		got = req.Action
		return nil
	})
	if err := gateway.SendVoid(gw, Audit{Action: "login"}); err != nil {
		t.Fatalf("%s - unexpected error: %v", inprocTestPrefix, err)
	}
	if got != "login" {
		t.Errorf("%s - expected login, got %q", inprocTestPrefix, got)
	}
}

func TestGateway_Publish(t *testing.T) {
	gw := New()
	var mu sync.Mutex
	var seen []string
	record := func(tag string) func(context.Context, Audit) error {
		return func(_ context.Context, req Audit) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, tag+":"+req.Action)
			return nil
		}
	}
	Subscribe(gw, record("first"))
	Subscribe(gw, record("second"))

	if err := gateway.PublishAll(gw, []Audit{{Action: "a"}, {Action: "b"}}); err != nil {
		t.Fatalf("%s - unexpected error: %v", inprocTestPrefix, err)
	}
	want := []string{"first:a", "second:a", "first:b", "second:b"}
	if strings.Join(seen, ",") != strings.Join(want, ",") {
		t.Errorf("%s - expected %v, got %v", inprocTestPrefix, want, seen)
	}
}

func TestGateway_PublishFallsBackToHandler(t *testing.T) {
	var calls atomic.Int32
	gw := New()
	_ = Handle(gw, func(_ context.Context, req Hello) (HelloResponse, error) {
		calls.Add(1)
		return HelloResponse{}, nil
	})
	if err := gw.Publish(Hello{}); err != nil {
		t.Fatalf("%s - unexpected error: %v", inprocTestPrefix, err)
	}
	if calls.Load() != 1 {
		t.Errorf("%s - expected handler to run once, got %d", inprocTestPrefix, calls.Load())
	}
	if err := gw.Publish(Audit{}); !errors.Is(err, ErrNoHandler) {
		t.Errorf("%s - expected ErrNoHandler, got %v", inprocTestPrefix, err)
	}
}

func TestGateway_PublishJoinsErrors(t *testing.T) {
	errA := errors.New("a failed")
	errB := errors.New("b failed")
	gw := New()
	Subscribe(gw, func(_ context.Context, _ Audit) error { return errA })
	Subscribe(gw, func(_ context.Context, _ Audit) error { return errB })

	err := gw.Publish(Audit{})
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Errorf("%s - expected both subscriber errors, got %v", inprocTestPrefix, err)
	}
}

func TestGateway_AsyncUsesFallback(t *testing.T) {
	gw := newHelloGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := gateway.SendAsync[HelloResponse](ctx, gw, Hello{Name: "async"}).Wait(ctx)
	if err != nil {
		t.Fatalf("%s - unexpected error: %v", inprocTestPrefix, err)
	}
	if resp.Result != "Hello, async" {
		t.Errorf("%s - unexpected response %+v", inprocTestPrefix, resp)
	}

	v, err := gateway.SendObjectAsync(ctx, gw, Hello{Name: "late"}).Wait(ctx)
	if err != nil {
		t.Fatalf("%s - unexpected late-bound error: %v", inprocTestPrefix, err)
	}
	if v.(HelloResponse).Result != "Hello, late" {
		t.Errorf("%s - unexpected late-bound response %+v", inprocTestPrefix, v)
	}
}

func TestGateway_HandlerContext(t *testing.T) {
	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "tenant-1")
	gw := New(WithContext(ctx))
	_ = Handle(gw, func(ctx context.Context, _ Hello) (HelloResponse, error) {
		tenant, _ := ctx.Value(key{}).(string)
		return HelloResponse{Result: tenant}, nil
	})
	resp, err := gateway.Send[HelloResponse](gw, Hello{})
	if err != nil || resp.Result != "tenant-1" {
		t.Errorf("%s - expected handler context value, got %+v %v", inprocTestPrefix, resp, err)
	}
}
