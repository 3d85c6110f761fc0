package tasks

import (
	"context"
	"sync/atomic"

	"github.com/theapemachine/agentwire/pkg/a2a"
	"github.com/theapemachine/agentwire/pkg/errors"
)

/*
TaskProcessor is the agent-logic boundary.  The lifecycle invokes Process
once per activation: after a task enters working, and again every time a
parked task is resumed with fresh client input.

The return values steer the terminal transition:

  - (message, nil) while the task is still working completes the task, and
    the message becomes the final agent message.
  - (nil, err) fails the task, and err.Error() becomes the failure message.
  - (nil, nil) after the handle parked the task in input-required or
    auth-required leaves the task waiting on the client.

Process must honor ctx: when the task is canceled externally the context is
canceled and any further store writes are rejected as conflicts.
*/
type TaskProcessor interface {
	Process(ctx context.Context, handle ProcessorHandle) (*a2a.Message, error)
}

/*
Acceptor lets a processor veto a task before any work starts.  When the
processor implements it and Accept returns a non-nil error, the task moves
from submitted straight to rejected and Process is never called.
*/
type Acceptor interface {
	Accept(ctx context.Context, task a2a.Task) error
}

/*
ProcessorHandle is the narrow surface a running processor uses to stream
progress and to park its task while waiting on the client.
*/
type ProcessorHandle interface {
	// Task returns the snapshot the activation started from, history included.
	Task() a2a.Task

	// EmitArtifact persists an artifact chunk and fans it out to every
	// subscriber of the task.
	EmitArtifact(ctx context.Context, artifact a2a.Artifact, appendParts, lastChunk bool) *errors.RpcError

	// RequireInput parks the task in input-required.  The processor should
	// return (nil, nil) afterwards; a later send with this task's id resumes
	// it with the new message appended to history.
	RequireInput(ctx context.Context, prompt *a2a.Message) *errors.RpcError

	// RequireAuth parks the task in auth-required, same contract as
	// RequireInput.
	RequireAuth(ctx context.Context, prompt *a2a.Message) *errors.RpcError
}

type processorHandle struct {
	manager  *Manager
	snapshot a2a.Task
	parked   atomic.Bool
}

func (handle *processorHandle) Task() a2a.Task {
	return handle.snapshot
}

func (handle *processorHandle) EmitArtifact(
	ctx context.Context, artifact a2a.Artifact, appendParts, lastChunk bool,
) *errors.RpcError {
	task, rpcErr := handle.manager.store.AppendArtifact(
		ctx, handle.snapshot.ID, artifact, appendParts,
	)
	if rpcErr != nil {
		return rpcErr
	}

	handle.manager.broker.Publish(ctx, a2a.NewArtifactEvent(task, artifact, appendParts, lastChunk))
	return nil
}

func (handle *processorHandle) RequireInput(
	ctx context.Context, prompt *a2a.Message,
) *errors.RpcError {
	return handle.park(ctx, a2a.TaskStateInputRequired, prompt)
}

func (handle *processorHandle) RequireAuth(
	ctx context.Context, prompt *a2a.Message,
) *errors.RpcError {
	return handle.park(ctx, a2a.TaskStateAuthRequired, prompt)
}

func (handle *processorHandle) park(
	ctx context.Context, state a2a.TaskState, prompt *a2a.Message,
) *errors.RpcError {
	task, rpcErr := handle.manager.store.SetStatus(ctx, handle.snapshot.ID, state, prompt)
	if rpcErr != nil {
		return rpcErr
	}

	// The activation epilogue must not finish a parked task: the client may
	// have resumed it already, and that resume owns the task from here.
	handle.parked.Store(true)

	handle.manager.broker.Publish(ctx, a2a.NewStatusEvent(task, false))
	return nil
}
