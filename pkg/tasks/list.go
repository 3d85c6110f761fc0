package tasks

import (
	"context"
	"encoding/json"

	"github.com/theapemachine/agentwire/pkg/a2a"
	"github.com/theapemachine/agentwire/pkg/errors"
)

// List handles listTasks.  Every filter is optional, so an absent params
// object means the first page of everything.
func List(
	ctx context.Context,
	raw json.RawMessage,
	manager *Manager,
) (any, *errors.RpcError) {
	var params a2a.TaskListParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, errors.ErrInvalidParams
		}
	}

	return manager.ListTasks(ctx, params)
}
