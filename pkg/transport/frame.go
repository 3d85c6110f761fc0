package transport

import (
	"encoding/json"
	"fmt"

	"github.com/theapemachine/agentwire/pkg/errors"
)

// Method names a client may call.  Server pushes reuse the request shape
// with a client-registered capability string in the method field.
const (
	MethodGetAgentCard  = "getAgentCard"
	MethodAuthenticate  = "authenticate"
	MethodSendMessage   = "sendMessage"
	MethodSendStreaming = "sendMessageStreaming"
	MethodGetTask       = "getTask"
	MethodListTasks     = "listTasks"
	MethodCancelTask    = "cancelTask"
	MethodSubscribePush = "subscribeToPushNotifications"
	MethodResubscribe   = "resubscribeTask"
)

/*
Frame is the single shape every payload on the socket takes.  A frame with
a method is a request: client calls and server pushes both look the same on
the wire.  A frame without a method answers whichever request carried the
same id, with exactly one of result or error set.
*/
type Frame struct {
	ID     string           `json:"id"`
	Method string           `json:"method,omitempty"`
	Params json.RawMessage  `json:"params,omitempty"`
	Result json.RawMessage  `json:"result,omitempty"`
	Error  *errors.RpcError `json:"error,omitempty"`
}

// IsRequest reports whether the frame expects a response.
func (frame *Frame) IsRequest() bool {
	return frame.Method != ""
}

// NewRequest builds a request frame, marshaling params in place.
func NewRequest(id, method string, params any) (*Frame, error) {
	frame := &Frame{ID: id, Method: method}

	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params for %s: %w", method, err)
		}
		frame.Params = raw
	}

	return frame, nil
}

// NewResult builds the success response to a request frame.
func NewResult(id string, result any) (*Frame, error) {
	frame := &Frame{ID: id}

	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
		frame.Result = raw
	}

	return frame, nil
}

// NewError builds the failure response to a request frame.
func NewError(id string, rpcErr *errors.RpcError) *Frame {
	return &Frame{ID: id, Error: rpcErr}
}

// Decode parses one wire frame and rejects shapes that cannot be acted on:
// a missing id leaves nothing to correlate, and a response must carry a
// result or an error.
func Decode(payload []byte) (*Frame, error) {
	var frame Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	if frame.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrMalformedFrame)
	}

	if !frame.IsRequest() && frame.Result == nil && frame.Error == nil {
		return nil, fmt.Errorf("%w: response carries neither result nor error", ErrMalformedFrame)
	}

	return &frame, nil
}
