package tasks

import (
	"context"
	"encoding/json"

	"github.com/theapemachine/agentwire/pkg/errors"
)

// Cancel handles cancelTask.
func Cancel(
	ctx context.Context,
	raw json.RawMessage,
	manager *Manager,
) (any, *errors.RpcError) {
	var params struct {
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, errors.ErrInvalidParams
	}

	if params.TaskID == "" {
		return nil, errors.ErrInvalidParams.WithMessagef("taskId is required")
	}

	return manager.CancelTask(ctx, params.TaskID)
}
