package tasks

import (
	"context"
	"encoding/json"

	"github.com/theapemachine/agentwire/pkg/errors"
)

// Resubscribe handles resubscribeTask: it attaches a fresh callback to an
// existing task's update stream and returns the task's current state.  A
// subscriber joining a finished task still receives its one final snapshot
// event through the callback.
func Resubscribe(
	ctx context.Context,
	raw json.RawMessage,
	manager *Manager,
	invoker Invoker,
	sink HandleSink,
) (any, *errors.RpcError) {
	var params struct {
		TaskID   string `json:"taskId"`
		Callback string `json:"callback"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, errors.ErrInvalidParams
	}

	if params.TaskID == "" || params.Callback == "" {
		return nil, errors.ErrInvalidParams.WithMessagef("taskId and callback are required")
	}

	if invoker == nil {
		return nil, errors.ErrInvalidParams.WithMessagef(
			"callback streaming requires a socket connection",
		)
	}

	handle, rpcErr := manager.Resubscribe(ctx, params.TaskID, eventRelay(invoker, params.Callback))
	if rpcErr != nil {
		return nil, rpcErr
	}

	if sink != nil {
		sink(handle)
	}

	return handle.GetTask(ctx)
}
