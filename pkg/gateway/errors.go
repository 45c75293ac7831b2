package gateway

import (
	"context"
	"errors"
	"fmt"
	"reflect"
)

// Sentinel errors. Failures raised by a gateway itself are never wrapped in
// these; they reach the caller unchanged.
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrContractViolation = errors.New("contract violation")
	ErrBinding           = errors.New("binding error")
	ErrCancelled         = errors.New("cancelled")
	ErrExecutorClosed    = errors.New("executor closed")
)

// Wire codes for ErrorCode.
const (
	CodeInvalidArgument   = "INVALID_ARGUMENT"
	CodeContractViolation = "CONTRACT_VIOLATION"
	CodeBindingError      = "BINDING_ERROR"
	CodeCancelled         = "CANCELLED"
	CodeGatewayError      = "GATEWAY_ERROR"
)

// BindingError reports that no typed send function could be built for a
// response type.
type BindingError struct {
	ResponseType reflect.Type
	Reason       string
}

func (e *BindingError) Error() string {
	name := "<nil>"
	if e.ResponseType != nil {
		name = e.ResponseType.String()
	}
	return fmt.Sprintf("binding error: cannot bind response type %s: %s", name, e.Reason)
}

// Is makes errors.Is(err, ErrBinding) hold for every BindingError.
func (e *BindingError) Is(target error) bool {
	return target == ErrBinding
}

// cancelled builds the error a future completes with when ctx ended before
// the work began. It matches both ErrCancelled and ctx.Err().
func cancelled(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = context.Canceled
	}
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}

// IsCancelled reports whether err is a cancellation outcome, either from the
// adapter or from a context ending inside a native gateway.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// ErrorCode maps err to the code transports put on the wire.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidArgument):
		return CodeInvalidArgument
	case errors.Is(err, ErrContractViolation):
		return CodeContractViolation
	case errors.Is(err, ErrBinding):
		return CodeBindingError
	case IsCancelled(err):
		return CodeCancelled
	default:
		return CodeGatewayError
	}
}
