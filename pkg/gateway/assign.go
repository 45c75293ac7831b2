package gateway

import (
	"errors"
	"fmt"
	"reflect"
)

// ErrResponseMismatch is returned by Assign when a handler produced a value
// the caller's response pointer cannot hold.
var ErrResponseMismatch = errors.New("response type mismatch")

// Assign stores value into response, a non-nil pointer. It is meant for
// gateway implementations that produce responses as values rather than
// decoding them. A nil value leaves response untouched; a pointer value is
// dereferenced when the pointee fits.
func Assign(response, value any) error {
	dst, err := target(response)
	if err != nil {
		return err
	}
	if value == nil {
		return nil
	}
	return set(dst, reflect.ValueOf(value))
}

// AssignAll stores values into responses, a pointer to a slice, replacing
// its contents.
func AssignAll(responses any, values []any) error {
	dst, err := target(responses)
	if err != nil {
		return err
	}
	if dst.Kind() != reflect.Slice {
		return fmt.Errorf("%w: responses must point to a slice, got %s", ErrInvalidArgument, dst.Type())
	}
	out := reflect.MakeSlice(dst.Type(), len(values), len(values))
	for i, v := range values {
		if v == nil {
			continue
		}
		if err := set(out.Index(i), reflect.ValueOf(v)); err != nil {
			return fmt.Errorf("response %d: %w", i, err)
		}
	}
	dst.Set(out)
	return nil
}

func target(ptr any) (reflect.Value, error) {
	rv := reflect.ValueOf(ptr)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return reflect.Value{}, fmt.Errorf("%w: response must be a non-nil pointer, got %T", ErrInvalidArgument, ptr)
	}
	return rv.Elem(), nil
}

func set(dst, src reflect.Value) error {
	switch {
	case src.Type().AssignableTo(dst.Type()):
		dst.Set(src)
	case src.Kind() == reflect.Pointer && !src.IsNil() && src.Elem().Type().AssignableTo(dst.Type()):
		dst.Set(src.Elem())
	default:
		return fmt.Errorf("%w: cannot store %s in %s", ErrResponseMismatch, src.Type(), dst.Type())
	}
	return nil
}
