// Package natsgw carries gateway requests over COMMS request/reply.
//
// Gateway is the client side: it implements both gateway.SyncGateway and
// gateway.AsyncGateway. Responder is the server side: it decodes incoming
// envelopes by wire type name and serves them from any gateway.SyncGateway
// through the late-bound dispatch cache.
package natsgw

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/morezero/service-gateway/pkg/gateway"
)

// RequestEnvelope is the JSON envelope of an outgoing request.
type RequestEnvelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ReplyEnvelope is the JSON envelope of a reply.
type ReplyEnvelope struct {
	ID      string          `json:"id"`
	Ok      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`
}

// ErrorDetail holds structured error information.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// RemoteError is a failure reported by the responder. It matches the
// gateway sentinel its code names, so errors.Is(err, gateway.ErrContractViolation)
// holds across the wire.
type RemoteError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %s: %s", e.Code, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	switch e.Code {
	case gateway.CodeInvalidArgument:
		return target == gateway.ErrInvalidArgument
	case gateway.CodeContractViolation:
		return target == gateway.ErrContractViolation
	case gateway.CodeBindingError:
		return target == gateway.ErrBinding
	case gateway.CodeCancelled:
		return target == gateway.ErrCancelled
	}
	return false
}

func errorReply(id string, err error) *ReplyEnvelope {
	detail := &ErrorDetail{Code: gateway.ErrorCode(err), Message: err.Error()}
	var remote *RemoteError
	if errors.As(err, &remote) {
		detail.Code, detail.Message = remote.Code, remote.Message
	}
	detail.Retryable = detail.Code == gateway.CodeGatewayError || detail.Code == gateway.CodeCancelled
	return &ReplyEnvelope{ID: id, Ok: false, Error: detail}
}
