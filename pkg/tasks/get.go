package tasks

import (
	"context"
	"encoding/json"

	"github.com/theapemachine/agentwire/pkg/a2a"
	"github.com/theapemachine/agentwire/pkg/errors"
)

// Get handles getTask.
func Get(
	ctx context.Context,
	raw json.RawMessage,
	manager *Manager,
) (any, *errors.RpcError) {
	var params a2a.TaskQueryParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, errors.ErrInvalidParams
	}

	if params.TaskID == "" {
		return nil, errors.ErrInvalidParams.WithMessagef("taskId is required")
	}

	return manager.GetTask(ctx, params)
}
