package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/theapemachine/agentwire/pkg/a2a"
	"github.com/theapemachine/agentwire/pkg/broker"
	"github.com/theapemachine/agentwire/pkg/errors"
	"github.com/theapemachine/agentwire/pkg/stores"
)

/*
Manager drives the task lifecycle: it creates tasks, hands them to the
processor on a background goroutine, publishes every state change through
the update broker, and arbitrates cancellation against completion.

All store writes happen before the matching event is published, so a
subscriber's snapshot always reflects at least as much as the events it has
seen.
*/
type Manager struct {
	card      *a2a.AgentCard
	store     stores.TaskStore
	broker    *broker.UpdateBroker
	processor TaskProcessor
	timeout   time.Duration
	pushBind  func(taskID string, config a2a.PushNotificationConfig)

	base       context.Context
	baseCancel context.CancelFunc

	mu          sync.Mutex
	activations map[string]*activation
	wg          sync.WaitGroup
}

// activation tracks one in-flight processor run so an external cancel can
// reach it.
type activation struct {
	cancel context.CancelFunc
}

type ManagerOption func(*Manager)

func WithStore(store stores.TaskStore) ManagerOption {
	return func(manager *Manager) {
		manager.store = store
	}
}

func WithBroker(updateBroker *broker.UpdateBroker) ManagerOption {
	return func(manager *Manager) {
		manager.broker = updateBroker
	}
}

func WithProcessor(processor TaskProcessor) ManagerOption {
	return func(manager *Manager) {
		manager.processor = processor
	}
}

// WithMonitoringTimeout bounds how long a streaming handle may wait for a
// terminal event before it force-unsubscribes.
func WithMonitoringTimeout(timeout time.Duration) ManagerOption {
	return func(manager *Manager) {
		manager.timeout = timeout
	}
}

// WithPushBinder registers the hook invoked when a send carries a push
// notification config, so the webhook is bound before any event fires.
func WithPushBinder(bind func(taskID string, config a2a.PushNotificationConfig)) ManagerOption {
	return func(manager *Manager) {
		manager.pushBind = bind
	}
}

func NewManager(card *a2a.AgentCard, options ...ManagerOption) (*Manager, error) {
	manager := &Manager{
		card:        card,
		timeout:     DefaultMonitoringTimeout,
		activations: map[string]*activation{},
	}

	for _, option := range options {
		option(manager)
	}

	if manager.store == nil {
		log.Error("missing task store")
		return nil, fmt.Errorf("task manager needs a task store")
	}

	if manager.processor == nil {
		log.Error("missing task processor")
		return nil, fmt.Errorf("task manager needs a task processor")
	}

	if manager.broker == nil {
		manager.broker = broker.NewUpdateBroker(broker.BrokerConfig{
			Snapshot: func(ctx context.Context, taskID string) (*a2a.Task, *errors.RpcError) {
				return manager.store.Get(ctx, taskID, -1)
			},
		})
	}

	manager.base, manager.baseCancel = context.WithCancel(context.Background())
	return manager, nil
}

// Broker exposes the update broker so transports and the push service can
// subscribe to task streams directly.
func (manager *Manager) Broker() *broker.UpdateBroker {
	return manager.broker
}

/*
SendMessage creates a task from the message, or resumes the task the
message names.  The returned task reflects the committed submitted state;
the submitted to working transition and the processor run happen on a
background goroutine after this returns.
*/
func (manager *Manager) SendMessage(
	ctx context.Context, params a2a.MessageSendParams,
) (*a2a.Task, *errors.RpcError) {
	if params.Message.TaskID != "" {
		return manager.resumeTask(ctx, params)
	}

	task, rpcErr := manager.store.Create(ctx, params.Message, params.Metadata)
	if rpcErr != nil {
		return nil, rpcErr
	}

	log.Info("task created", "task_id", task.ID, "context_id", task.ContextID)
	manager.bindPush(task.ID, params.Config)
	manager.spawn(task.ID, manager.runNew)

	return shape(task, params.Config), nil
}

/*
SendMessageStreaming is SendMessage plus a live subscription: the callback
is attached to the task's update stream before the processor starts, so it
observes the full submitted, working, terminal sequence.  The returned
handle owns the subscription.
*/
func (manager *Manager) SendMessageStreaming(
	ctx context.Context, params a2a.MessageSendParams, callback broker.Callback,
) (*a2a.Task, *StreamingTaskHandle, *errors.RpcError) {
	if params.Message.TaskID != "" {
		task, rpcErr := manager.resumeTask(ctx, params)
		if rpcErr != nil {
			return nil, nil, rpcErr
		}

		handle, rpcErr := manager.Resubscribe(ctx, task.ID, callback)
		if rpcErr != nil {
			return nil, nil, rpcErr
		}
		return task, handle, nil
	}

	task, rpcErr := manager.store.Create(ctx, params.Message, params.Metadata)
	if rpcErr != nil {
		return nil, nil, rpcErr
	}

	log.Info("streaming task created", "task_id", task.ID, "context_id", task.ContextID)
	manager.bindPush(task.ID, params.Config)

	handle := newStreamingHandle(manager, task.ID)
	if rpcErr := handle.Attach(ctx, callback); rpcErr != nil {
		return nil, nil, rpcErr
	}

	manager.spawn(task.ID, manager.runNew)
	return shape(task, params.Config), handle, nil
}

// GetTask returns a detached copy of the task, history capped when the
// query asks for it.
func (manager *Manager) GetTask(
	ctx context.Context, params a2a.TaskQueryParams,
) (*a2a.Task, *errors.RpcError) {
	historyLength := -1
	if params.HistoryLength != nil {
		historyLength = *params.HistoryLength
	}

	return manager.store.Get(ctx, params.TaskID, historyLength)
}

// ListTasks pages through the task collection with the store's filters.
func (manager *Manager) ListTasks(
	ctx context.Context, params a2a.TaskListParams,
) (*a2a.TaskList, *errors.RpcError) {
	return manager.store.List(ctx, params)
}

/*
CancelTask moves any non-final task to canceled, signals the running
processor to stop, and publishes the terminal event.  Canceling a final
task is a conflict.  When the processor's own completion races this call,
whichever write lands first owns the terminal event and the loser's
transition is rejected by the store.
*/
func (manager *Manager) CancelTask(
	ctx context.Context, taskID string,
) (*a2a.Task, *errors.RpcError) {
	task, rpcErr := manager.store.Cancel(ctx, taskID)
	if rpcErr != nil {
		return nil, rpcErr
	}

	manager.mu.Lock()
	if act, running := manager.activations[taskID]; running {
		act.cancel()
	}
	manager.mu.Unlock()

	manager.broker.Publish(ctx, a2a.NewStatusEvent(task, true))
	log.Info("task canceled", "task_id", taskID)

	return task, nil
}

// Resubscribe attaches a callback to an existing task's update stream.  A
// late joiner on a finished task receives exactly one final snapshot event.
func (manager *Manager) Resubscribe(
	ctx context.Context, taskID string, callback broker.Callback,
) (*StreamingTaskHandle, *errors.RpcError) {
	handle := newStreamingHandle(manager, taskID)
	if rpcErr := handle.Attach(ctx, callback); rpcErr != nil {
		return nil, rpcErr
	}

	return handle, nil
}

/*
Shutdown cancels every in-flight task, publishes their terminal events, and
waits for the processor goroutines to drain or the context to expire.
*/
func (manager *Manager) Shutdown(ctx context.Context) error {
	manager.mu.Lock()
	ids := make([]string, 0, len(manager.activations))
	for id := range manager.activations {
		ids = append(ids, id)
	}
	manager.mu.Unlock()

	manager.baseCancel()

	for _, id := range ids {
		task, rpcErr := manager.store.Cancel(ctx, id)
		if rpcErr != nil {
			continue
		}
		manager.broker.Publish(ctx, a2a.NewStatusEvent(task, true))
	}

	done := make(chan struct{})
	go func() {
		manager.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

/*
resumeTask appends the message to the task it names and, when the task was
parked waiting on the client, moves it back to working and reactivates the
processor.  The store rejects appends to final tasks, which makes the
final-task conflict check atomic with the append.
*/
func (manager *Manager) resumeTask(
	ctx context.Context, params a2a.MessageSendParams,
) (*a2a.Task, *errors.RpcError) {
	taskID := params.Message.TaskID

	task, rpcErr := manager.store.AppendHistory(ctx, taskID, params.Message)
	if rpcErr != nil {
		return nil, rpcErr
	}

	if task.Status.State.Interruptible() {
		task, rpcErr = manager.store.SetStatus(ctx, taskID, a2a.TaskStateWorking, nil)
		if rpcErr != nil {
			return nil, rpcErr
		}

		manager.broker.Publish(ctx, a2a.NewStatusEvent(task, false))
		manager.spawn(taskID, manager.runResumed)
		log.Info("task resumed", "task_id", taskID)
	}

	return shape(task, params.Config), nil
}

func (manager *Manager) bindPush(taskID string, config *a2a.MessageSendConfig) {
	if config == nil || config.PushNotification == nil || manager.pushBind == nil {
		return
	}

	manager.pushBind(taskID, *config.PushNotification)
}

// spawn runs one processor activation on its own goroutine with a cancel
// hook registered for CancelTask to find.
func (manager *Manager) spawn(taskID string, run func(ctx context.Context, taskID string)) {
	ctx, cancel := context.WithCancel(manager.base)
	act := &activation{cancel: cancel}

	manager.mu.Lock()
	manager.activations[taskID] = act
	manager.mu.Unlock()

	manager.wg.Add(1)
	go func() {
		defer manager.wg.Done()
		defer cancel()
		defer manager.untrack(taskID, act)

		run(ctx, taskID)
	}()
}

// untrack removes the activation only if it is still ours.  A parked task
// can be resumed before the old goroutine unwinds, and the new activation
// must not be clobbered.
func (manager *Manager) untrack(taskID string, act *activation) {
	manager.mu.Lock()
	defer manager.mu.Unlock()

	if manager.activations[taskID] == act {
		delete(manager.activations, taskID)
	}
}

// runNew drives a freshly submitted task: optional acceptance check, the
// submitted to working transition, then the processor.
func (manager *Manager) runNew(ctx context.Context, taskID string) {
	snapshot, rpcErr := manager.store.Get(ctx, taskID, -1)
	if rpcErr != nil {
		log.Warn("task vanished before activation", "task_id", taskID, "error", rpcErr)
		return
	}

	if acceptor, picky := manager.processor.(Acceptor); picky {
		if reason := acceptor.Accept(ctx, *snapshot); reason != nil {
			manager.finish(ctx, taskID, a2a.TaskStateRejected,
				a2a.NewTextMessage(a2a.RoleAgent, reason.Error()),
			)
			return
		}
	}

	task, rpcErr := manager.store.SetStatus(ctx, taskID, a2a.TaskStateWorking, nil)
	if rpcErr != nil {
		// Canceled before any work started; the cancel owns the terminal event.
		log.Debug("task never started", "task_id", taskID, "error", rpcErr)
		return
	}

	manager.broker.Publish(ctx, a2a.NewStatusEvent(task, false))
	manager.invoke(ctx, task)
}

// runResumed drives a task that resumeTask already moved back to working.
func (manager *Manager) runResumed(ctx context.Context, taskID string) {
	task, rpcErr := manager.store.Get(ctx, taskID, -1)
	if rpcErr != nil {
		log.Warn("task vanished before reactivation", "task_id", taskID, "error", rpcErr)
		return
	}

	if task.Status.State != a2a.TaskStateWorking {
		// Canceled between the resume and this goroutine getting scheduled.
		log.Debug("resumed task no longer working", "task_id", taskID, "state", task.Status.State)
		return
	}

	manager.invoke(ctx, task)
}

func (manager *Manager) invoke(ctx context.Context, task *a2a.Task) {
	handle := &processorHandle{manager: manager, snapshot: *task}
	result, err := manager.processor.Process(ctx, handle)

	if ctx.Err() != nil {
		// External cancel; its terminal event is already on the wire.
		log.Debug("activation aborted", "task_id", task.ID)
		return
	}

	if err != nil {
		manager.finish(ctx, task.ID, a2a.TaskStateFailed,
			a2a.NewTextMessage(a2a.RoleAgent, err.Error()),
		)
		return
	}

	if handle.parked.Load() {
		// Waiting on the client; a resume reactivates the processor.
		log.Info("task waiting on client", "task_id", task.ID)
		return
	}

	if result != nil {
		if _, rpcErr := manager.store.AppendHistory(ctx, task.ID, *result); rpcErr != nil {
			log.Debug("final message lost to cancel", "task_id", task.ID, "error", rpcErr)
			return
		}
	}

	manager.finish(ctx, task.ID, a2a.TaskStateCompleted, result)
}

// finish performs a terminal transition and publishes the single terminal
// event.  Losing the store write to a concurrent cancel is not an error;
// the winner already published.
func (manager *Manager) finish(
	ctx context.Context, taskID string, state a2a.TaskState, message *a2a.Message,
) {
	task, rpcErr := manager.store.SetStatus(ctx, taskID, state, message)
	if rpcErr != nil {
		log.Debug("terminal transition lost", "task_id", taskID, "state", state, "error", rpcErr)
		return
	}

	manager.broker.Publish(ctx, a2a.NewStatusEvent(task, true))
	log.Info("task finished", "task_id", taskID, "state", state)
}

// shape applies the send config's history cap to the task copy handed back
// to the caller.
func shape(task *a2a.Task, config *a2a.MessageSendConfig) *a2a.Task {
	if config == nil || config.HistoryLength == nil {
		return task
	}

	capped := task.Clone(*config.HistoryLength)
	return &capped
}
