package routing

import (
	"errors"
	"reflect"
	"testing"
)

type greet struct {
	Name string `json:"name"`
}

type other struct{}

func TestTypes_Register(t *testing.T) {
	types := NewTypes()
	if err := Register[greet](types, "Hello"); err != nil {
		t.Fatalf("routing:types_test - unexpected error: %v", err)
	}
	if err := Register[greet](types, "Hello"); err != nil {
		t.Errorf("routing:types_test - re-registering the same pair should succeed, got %v", err)
	}
	if err := Register[other](types, "Hello"); !errors.Is(err, ErrDuplicateType) {
		t.Errorf("routing:types_test - expected ErrDuplicateType for reused name, got %v", err)
	}
	if err := Register[*greet](types, "Hi"); !errors.Is(err, ErrDuplicateType) {
		t.Errorf("routing:types_test - expected ErrDuplicateType for pointer alias, got %v", err)
	}
	if err := Register[other](types, ""); err == nil {
		t.Errorf("routing:types_test - expected error for empty name")
	}

	rt, ok := types.Lookup("Hello")
	if !ok || rt != reflect.TypeOf(greet{}) {
		t.Errorf("routing:types_test - unexpected lookup %v %v", rt, ok)
	}
	if names := types.Names(); len(names) != 1 || names[0] != "Hello" {
		t.Errorf("routing:types_test - unexpected names %v", names)
	}
}

func TestTypes_NameOf(t *testing.T) {
	types := NewTypes()
	_ = Register[greet](types, "Hello")

	for _, req := range []any{greet{}, &greet{}} {
		name, err := types.NameOf(req)
		if err != nil || name != "Hello" {
			t.Errorf("routing:types_test - NameOf(%T) = %q, %v", req, name, err)
		}
	}
	if _, err := types.NameOf(other{}); !errors.Is(err, ErrUnknownType) {
		t.Errorf("routing:types_test - expected ErrUnknownType, got %v", err)
	}
	if _, err := types.NameOf(nil); !errors.Is(err, ErrUnknownType) {
		t.Errorf("routing:types_test - expected ErrUnknownType for nil, got %v", err)
	}
}

func TestTypes_Decode(t *testing.T) {
	types := NewTypes()
	_ = Register[greet](types, "Hello")

	v, err := types.Decode("Hello", []byte(`{"name":"World"}`))
	if err != nil {
		t.Fatalf("routing:types_test - unexpected error: %v", err)
	}
	g, ok := v.(greet)
	if !ok || g.Name != "World" {
		t.Errorf("routing:types_test - expected greet{World}, got %#v", v)
	}

	v, err = types.Decode("Hello", nil)
	if err != nil || v.(greet) != (greet{}) {
		t.Errorf("routing:types_test - expected zero value, got %#v %v", v, err)
	}

	if _, err := types.Decode("Nope", nil); !errors.Is(err, ErrUnknownType) {
		t.Errorf("routing:types_test - expected ErrUnknownType, got %v", err)
	}
	if _, err := types.Decode("Hello", []byte(`{bad`)); err == nil {
		t.Errorf("routing:types_test - expected decode error")
	}
}
