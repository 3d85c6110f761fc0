package stores

import (
	"context"

	"github.com/theapemachine/agentwire/pkg/a2a"
	"github.com/theapemachine/agentwire/pkg/errors"
)

/*
TaskStore owns every task.  All mutations of a single task are serialized;
readers always receive detached copies and never observe a torn task.  The
historyLength argument caps the returned copy's history to the most recent
N messages; pass a negative value for the full history.
*/
type TaskStore interface {
	// Create mints a task seeded with the message (which becomes the first
	// history entry) in the submitted state.
	Create(ctx context.Context, message a2a.Message, metadata map[string]any) (*a2a.Task, *errors.RpcError)
	Get(ctx context.Context, taskID string, historyLength int) (*a2a.Task, *errors.RpcError)
	List(ctx context.Context, params a2a.TaskListParams) (*a2a.TaskList, *errors.RpcError)
	AppendHistory(ctx context.Context, taskID string, message a2a.Message) (*a2a.Task, *errors.RpcError)
	AppendArtifact(ctx context.Context, taskID string, artifact a2a.Artifact, appendParts bool) (*a2a.Task, *errors.RpcError)
	// SetStatus applies a state transition, rejecting any move the state
	// machine does not allow with a CONFLICT error.
	SetStatus(ctx context.Context, taskID string, state a2a.TaskState, message *a2a.Message) (*a2a.Task, *errors.RpcError)
	// Cancel moves a non-final task to canceled; canceling a final task is a
	// CONFLICT.
	Cancel(ctx context.Context, taskID string) (*a2a.Task, *errors.RpcError)
}
