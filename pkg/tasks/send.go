package tasks

import (
	"context"
	"encoding/json"

	"github.com/theapemachine/agentwire/pkg/a2a"
	"github.com/theapemachine/agentwire/pkg/errors"
	"github.com/theapemachine/agentwire/pkg/sanitize"
)

// Send handles sendMessage: sanitize the inbound payload, then create or
// resume the task it addresses.
func Send(
	ctx context.Context,
	raw json.RawMessage,
	sanitizer *sanitize.Sanitizer,
	manager *Manager,
) (any, *errors.RpcError) {
	params, rpcErr := decodeSendParams(raw, sanitizer)
	if rpcErr != nil {
		return nil, rpcErr
	}

	return manager.SendMessage(ctx, *params)
}

// decodeSendParams unmarshals and sanitizes the payload shared by
// sendMessage and sendMessageStreaming.
func decodeSendParams(
	raw json.RawMessage, sanitizer *sanitize.Sanitizer,
) (*a2a.MessageSendParams, *errors.RpcError) {
	var params a2a.MessageSendParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, errors.ErrInvalidParams
	}

	clean, err := sanitizer.SanitizeMessage(params.Message)
	if err != nil {
		return nil, errors.Validation(err.Error())
	}
	params.Message = clean

	if params.Metadata, err = sanitizer.SanitizeMetadata(params.Metadata); err != nil {
		return nil, errors.Validation(err.Error())
	}

	return &params, nil
}
