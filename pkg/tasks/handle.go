package tasks

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/theapemachine/agentwire/pkg/a2a"
	"github.com/theapemachine/agentwire/pkg/broker"
	"github.com/theapemachine/agentwire/pkg/errors"
)

// DefaultMonitoringTimeout bounds how long a streaming handle waits for a
// terminal event before it gives up the subscription.
const DefaultMonitoringTimeout = time.Hour

/*
StreamingTaskHandle tracks the live update stream of exactly one task.  It
wraps a single broker subscription, opened when the first callback
attaches, and fans every event out to all attached callbacks.  A callback
that returns an error is detached; when none remain the subscription is
pruned.

The handle closes itself on the task's terminal event.  If no terminal
event arrives within the monitoring timeout it force-unsubscribes and
reports final anyway, so an abandoned stream cannot pin memory forever.
*/
type StreamingTaskHandle struct {
	manager *Manager
	taskID  string

	mu        sync.Mutex
	callbacks map[string]broker.Callback
	sub       *broker.SubscriptionHandle
	timer     *time.Timer
	closed    bool
	timedOut  bool

	final atomic.Bool
}

func newStreamingHandle(manager *Manager, taskID string) *StreamingTaskHandle {
	return &StreamingTaskHandle{
		manager:   manager,
		taskID:    taskID,
		callbacks: map[string]broker.Callback{},
	}
}

// TaskID names the task this handle streams.
func (handle *StreamingTaskHandle) TaskID() string {
	return handle.taskID
}

/*
Attach registers a callback.  The first attach opens the underlying
subscription, which delivers the current task snapshot before any live
event; callbacks attached later join the stream mid-flight.
*/
func (handle *StreamingTaskHandle) Attach(
	ctx context.Context, callback broker.Callback,
) *errors.RpcError {
	handle.mu.Lock()
	defer handle.mu.Unlock()

	if handle.closed {
		return errors.ErrConflict.WithMessagef("update stream for task %s is closed", handle.taskID)
	}

	id := uuid.New().String()
	handle.callbacks[id] = callback

	if handle.sub != nil {
		return nil
	}

	sub, rpcErr := handle.manager.broker.Subscribe(ctx, handle.taskID, handle.fanout)
	if rpcErr != nil {
		delete(handle.callbacks, id)
		return rpcErr
	}

	handle.sub = sub
	handle.timer = time.AfterFunc(handle.manager.timeout, handle.expire)

	return nil
}

// GetTask reads the task's current state, full history included.
func (handle *StreamingTaskHandle) GetTask(ctx context.Context) (*a2a.Task, *errors.RpcError) {
	return handle.manager.store.Get(ctx, handle.taskID, -1)
}

// IsFinal reports whether the stream has ended, either by a terminal event
// or by the monitoring timeout.
func (handle *StreamingTaskHandle) IsFinal() bool {
	return handle.final.Load()
}

// TimedOut reports whether the monitoring timeout closed the stream before
// any terminal event arrived.
func (handle *StreamingTaskHandle) TimedOut() bool {
	handle.mu.Lock()
	defer handle.mu.Unlock()

	return handle.timedOut
}

// Dropped counts events this handle's subscription shed to backpressure.
func (handle *StreamingTaskHandle) Dropped() int64 {
	handle.mu.Lock()
	sub := handle.sub
	handle.mu.Unlock()

	if sub == nil {
		return 0
	}

	return sub.Dropped()
}

// Dispose tears the handle down without waiting for a terminal event, for
// example when the owning connection goes away.
func (handle *StreamingTaskHandle) Dispose() {
	handle.close(false)
}

// fanout is the broker callback: it relays the event to every attached
// callback, detaching the ones that fail.
func (handle *StreamingTaskHandle) fanout(ctx context.Context, event a2a.Event) error {
	handle.mu.Lock()
	targets := make(map[string]broker.Callback, len(handle.callbacks))
	for id, callback := range handle.callbacks {
		targets[id] = callback
	}
	handle.mu.Unlock()

	delivered := 0
	for id, callback := range targets {
		if err := callback(ctx, event); err != nil {
			log.Debug("update callback failed, detaching",
				"task_id", handle.taskID, "error", err)
			handle.mu.Lock()
			delete(handle.callbacks, id)
			handle.mu.Unlock()
			continue
		}
		delivered++
	}

	if event.Terminal() {
		handle.final.Store(true)
		handle.close(false)
	}

	if delivered == 0 {
		handle.close(false)
		return fmt.Errorf("no live callbacks remain for task %s", handle.taskID)
	}

	return nil
}

func (handle *StreamingTaskHandle) expire() {
	handle.mu.Lock()
	stillOpen := !handle.closed
	handle.mu.Unlock()

	if !stillOpen {
		return
	}

	log.Warn("stream monitoring timeout, dropping subscription", "task_id", handle.taskID)
	handle.final.Store(true)
	handle.close(true)
}

func (handle *StreamingTaskHandle) close(timedOut bool) {
	handle.mu.Lock()
	if handle.closed {
		handle.mu.Unlock()
		return
	}

	handle.closed = true
	handle.timedOut = timedOut
	handle.callbacks = nil

	if handle.timer != nil {
		handle.timer.Stop()
	}

	sub := handle.sub
	handle.mu.Unlock()

	if sub != nil {
		handle.manager.broker.Unsubscribe(sub)
	}
}
