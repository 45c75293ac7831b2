package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/morezero/service-gateway/pkg/gateway"
	"github.com/morezero/service-gateway/pkg/inproc"
	"github.com/morezero/service-gateway/pkg/routing"
)

const outboxTestPrefix = "outbox:gateway_test"

type HelloResponse struct {
	Result string `json:"result"`
}

type Hello struct {
	gateway.Returns[HelloResponse]
	Name string `json:"name"`
}

type OrderPlaced struct {
	OrderID string `json:"orderId"`
}

func testTypes(t *testing.T) *routing.Types {
	t.Helper()
	types := routing.NewTypes()
	if err := routing.Register[Hello](types, "Hello"); err != nil {
		t.Fatalf("%s - register: %v", outboxTestPrefix, err)
	}
	if err := routing.Register[OrderPlaced](types, "OrderPlaced"); err != nil {
		t.Fatalf("%s - register: %v", outboxTestPrefix, err)
	}
	return types
}

func TestNew_InvalidTable(t *testing.T) {
	if _, err := New(&fakeDB{}, routing.NewTypes(), &Options{Table: "bad-name; DROP"}); err == nil {
		t.Fatalf("%s - expected error for invalid table", outboxTestPrefix)
	}
}

func TestGateway_Publish(t *testing.T) {
	db := &fakeDB{}
	gw, err := New(db, testTypes(t), nil)
	if err != nil {
		t.Fatalf("%s - unexpected error: %v", outboxTestPrefix, err)
	}

	if err := gw.Publish(OrderPlaced{OrderID: "o-1"}); err != nil {
		t.Fatalf("%s - unexpected error: %v", outboxTestPrefix, err)
	}
	if len(db.execs) != 1 {
		t.Fatalf("%s - expected 1 insert, got %d", outboxTestPrefix, len(db.execs))
	}
	call := db.execs[0]
	if !strings.Contains(call.sql, `INSERT INTO "gateway_outbox"`) {
		t.Errorf("%s - unexpected sql %q", outboxTestPrefix, call.sql)
	}
	if call.args[1] != "OrderPlaced" {
		t.Errorf("%s - expected type OrderPlaced, got %v", outboxTestPrefix, call.args[1])
	}
	var payload OrderPlaced
	if err := json.Unmarshal(call.args[2].([]byte), &payload); err != nil || payload.OrderID != "o-1" {
		t.Errorf("%s - unexpected payload %s: %v", outboxTestPrefix, call.args[2], err)
	}
	if id, _ := call.args[0].(string); len(id) != 36 {
		t.Errorf("%s - expected uuid id, got %v", outboxTestPrefix, call.args[0])
	}
}

func TestGateway_PublishErrors(t *testing.T) {
	failure := errors.New("connection reset")
	db := &fakeDB{execErr: failure}
	gw, _ := New(db, testTypes(t), &Options{Table: "events_outbox"})

	if err := gw.Publish(OrderPlaced{}); !errors.Is(err, failure) {
		t.Errorf("%s - expected db error, got %v", outboxTestPrefix, err)
	}
	if err := gw.Publish(struct{ X int }{}); !errors.Is(err, gateway.ErrContractViolation) {
		t.Errorf("%s - expected ErrContractViolation, got %v", outboxTestPrefix, err)
	}
	if err := gw.Publish(nil); !errors.Is(err, gateway.ErrInvalidArgument) {
		t.Errorf("%s - expected ErrInvalidArgument, got %v", outboxTestPrefix, err)
	}
}

func TestGateway_PublishAll(t *testing.T) {
	db := &fakeDB{}
	gw, _ := New(db, testTypes(t), nil)

	err := gateway.PublishAll(gw, []OrderPlaced{{OrderID: "a"}, {OrderID: "b"}, {OrderID: "c"}})
	if err != nil {
		t.Fatalf("%s - unexpected error: %v", outboxTestPrefix, err)
	}
	if len(db.batches) != 1 || len(db.batches[0]) != 3 {
		t.Fatalf("%s - expected one batch of 3, got %v", outboxTestPrefix, db.batches)
	}
	if db.batchClose != 1 {
		t.Errorf("%s - expected batch to be closed once, got %d", outboxTestPrefix, db.batchClose)
	}
	if len(db.execs) != 0 {
		t.Errorf("%s - batch publish must not use single inserts", outboxTestPrefix)
	}

	if err := gw.PublishAll(nil); err != nil || len(db.batches) != 1 {
		t.Errorf("%s - empty batch must be a no-op, got %v", outboxTestPrefix, err)
	}
}

func TestGateway_PublishAllFailure(t *testing.T) {
	failure := errors.New("unique violation")
	db := &fakeDB{batchErr: failure, batchFail: 1}
	gw, _ := New(db, testTypes(t), nil)

	err := gw.PublishAll([]any{OrderPlaced{}, OrderPlaced{}})
	if !errors.Is(err, failure) {
		t.Fatalf("%s - expected batch error, got %v", outboxTestPrefix, err)
	}
	if db.batchClose != 1 {
		t.Errorf("%s - expected batch to be closed after failure", outboxTestPrefix)
	}

	err = gw.PublishAll([]any{OrderPlaced{}, struct{}{}})
	if !errors.Is(err, gateway.ErrContractViolation) {
		t.Errorf("%s - expected ErrContractViolation before sending, got %v", outboxTestPrefix, err)
	}
	if len(db.batches) != 1 {
		t.Errorf("%s - invalid batch must not reach the database", outboxTestPrefix)
	}
}

func TestGateway_SendDelegates(t *testing.T) {
	gw, _ := New(&fakeDB{}, testTypes(t), nil)
	if _, err := gateway.Send[HelloResponse](gw, Hello{}); !errors.Is(err, ErrNoInner) {
		t.Errorf("%s - expected ErrNoInner, got %v", outboxTestPrefix, err)
	}

	inner := inproc.New()
	_ = inproc.Handle(inner, func(_ context.Context, req Hello) (HelloResponse, error) {
		return HelloResponse{Result: "Hello, " + req.Name}, nil
	})
	gw, _ = New(&fakeDB{}, testTypes(t), &Options{Inner: inner})
	resp, err := gateway.Send[HelloResponse](gw, Hello{Name: "outbox"})
	if err != nil || resp.Result != "Hello, outbox" {
		t.Errorf("%s - unexpected delegated response %+v, %v", outboxTestPrefix, resp, err)
	}
	all, err := gateway.SendAll[HelloResponse](gw, []Hello{{Name: "a"}})
	if err != nil || len(all) != 1 {
		t.Errorf("%s - unexpected delegated batch %+v, %v", outboxTestPrefix, all, err)
	}
}

func TestGateway_PublishAsyncFallback(t *testing.T) {
	db := &fakeDB{}
	gw, _ := New(db, testTypes(t), nil)

	if err := gateway.PublishAsync(context.Background(), gw, OrderPlaced{OrderID: "async"}).Err(); err != nil {
		t.Fatalf("%s - unexpected error: %v", outboxTestPrefix, err)
	}
	if len(db.execs) != 1 {
		t.Errorf("%s - expected insert from fallback path, got %d", outboxTestPrefix, len(db.execs))
	}
}
