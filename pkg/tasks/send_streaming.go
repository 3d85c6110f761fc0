package tasks

import (
	"context"
	"encoding/json"

	"github.com/theapemachine/agentwire/pkg/a2a"
	"github.com/theapemachine/agentwire/pkg/broker"
	"github.com/theapemachine/agentwire/pkg/errors"
	"github.com/theapemachine/agentwire/pkg/sanitize"
)

// Invoker pushes an update event to a callback capability the client
// registered on its connection.
type Invoker interface {
	Invoke(ctx context.Context, capability string, event a2a.Event) error
}

// HandleSink receives the streaming handles a connection owns, so they can
// be disposed when the connection goes away.
type HandleSink func(handle *StreamingTaskHandle)

// SendStreaming handles sendMessageStreaming: the same create-or-resume as
// Send, plus a live subscription relaying every update to the client's
// callback capability.
func SendStreaming(
	ctx context.Context,
	raw json.RawMessage,
	sanitizer *sanitize.Sanitizer,
	manager *Manager,
	invoker Invoker,
	sink HandleSink,
) (any, *errors.RpcError) {
	params, rpcErr := decodeSendParams(raw, sanitizer)
	if rpcErr != nil {
		return nil, rpcErr
	}

	if params.Callback == "" {
		return nil, errors.ErrInvalidParams.WithMessagef(
			"sendMessageStreaming requires a callback capability",
		)
	}

	if invoker == nil {
		return nil, errors.ErrInvalidParams.WithMessagef(
			"callback streaming requires a socket connection",
		)
	}

	task, handle, rpcErr := manager.SendMessageStreaming(
		ctx, *params, eventRelay(invoker, params.Callback),
	)
	if rpcErr != nil {
		return nil, rpcErr
	}

	if sink != nil {
		sink(handle)
	}

	return task, nil
}

// eventRelay adapts a connection callback capability to a broker callback.
func eventRelay(invoker Invoker, capability string) broker.Callback {
	return func(ctx context.Context, event a2a.Event) error {
		return invoker.Invoke(ctx, capability, event)
	}
}
