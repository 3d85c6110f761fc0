package tasks

import (
	"context"
	"encoding/json"

	"github.com/theapemachine/agentwire/pkg/a2a"
	"github.com/theapemachine/agentwire/pkg/errors"
	"github.com/theapemachine/agentwire/pkg/utils"
)

// PushRegistrar binds a webhook to a task's update stream.
type PushRegistrar interface {
	Register(ctx context.Context, taskID string, config a2a.PushNotificationConfig) *errors.RpcError
}

// PushSubscription acknowledges an active update binding for a task.
type PushSubscription struct {
	TaskID string `json:"taskId"`
	Active bool   `json:"active"`
}

// SubscribePush handles subscribeToPushNotifications.  The client supplies
// a connection callback capability, a webhook config, or both; updates then
// flow to whichever channels were bound.
func SubscribePush(
	ctx context.Context,
	raw json.RawMessage,
	manager *Manager,
	registrar PushRegistrar,
	invoker Invoker,
	sink HandleSink,
) (any, *errors.RpcError) {
	var params a2a.PushSubscribeParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, errors.ErrInvalidParams
	}

	if params.TaskID == "" {
		return nil, errors.ErrInvalidParams.WithMessagef("taskId is required")
	}

	if params.Callback == "" && params.Config == nil {
		return nil, errors.ErrInvalidParams.WithMessagef(
			"either a callback or a webhook config is required",
		)
	}

	if params.Callback != "" && invoker == nil {
		return nil, errors.ErrInvalidParams.WithMessagef(
			"callback streaming requires a socket connection",
		)
	}

	// Never bind a subscription to a task that does not exist.
	if _, rpcErr := manager.GetTask(ctx, a2a.TaskQueryParams{
		TaskID:        params.TaskID,
		HistoryLength: utils.Ptr(0),
	}); rpcErr != nil {
		return nil, rpcErr
	}

	if params.Config != nil {
		if registrar == nil {
			return nil, errors.ErrMethodNotFound.WithMessagef(
				"push notifications are not supported by this agent",
			)
		}

		if rpcErr := registrar.Register(ctx, params.TaskID, *params.Config); rpcErr != nil {
			return nil, rpcErr
		}
	}

	if params.Callback != "" {
		handle, rpcErr := manager.Resubscribe(ctx, params.TaskID, eventRelay(invoker, params.Callback))
		if rpcErr != nil {
			return nil, rpcErr
		}

		if sink != nil {
			sink(handle)
		}
	}

	return PushSubscription{TaskID: params.TaskID, Active: true}, nil
}
