package stores

import (
	"context"
	"sync"

	"github.com/theapemachine/agentwire/pkg/a2a"
	"github.com/theapemachine/agentwire/pkg/errors"
)

/*
InMemoryTaskStore is the reference TaskStore: a map guarded by a top-level
lock for membership, with a per-task lock serializing every mutation of a
single task.  Listing walks a snapshot of the membership taken under the
read lock, so a long page never blocks writers.
*/
type InMemoryTaskStore struct {
	mu       sync.RWMutex
	tasks    map[string]*taskEntry
	contexts map[string][]string
	order    []string
}

type taskEntry struct {
	mu   sync.Mutex
	task *a2a.Task
}

func NewInMemoryTaskStore() *InMemoryTaskStore {
	return &InMemoryTaskStore{
		tasks:    make(map[string]*taskEntry),
		contexts: make(map[string][]string),
	}
}

func (store *InMemoryTaskStore) Create(
	ctx context.Context, message a2a.Message, metadata map[string]any,
) (*a2a.Task, *errors.RpcError) {
	task := a2a.NewTask(message.ContextID, metadata)
	task.AddMessage(message)

	// Clone before the entry is published; afterwards only the per-task
	// lock makes reads safe.
	clone := task.Clone(-1)

	store.mu.Lock()
	store.tasks[task.ID] = &taskEntry{task: task}
	store.contexts[task.ContextID] = append(store.contexts[task.ContextID], task.ID)
	store.order = append(store.order, task.ID)
	store.mu.Unlock()

	return &clone, nil
}

func (store *InMemoryTaskStore) Get(
	ctx context.Context, taskID string, historyLength int,
) (*a2a.Task, *errors.RpcError) {
	entry, rpcErr := store.entry(taskID)
	if rpcErr != nil {
		return nil, rpcErr
	}

	entry.mu.Lock()
	clone := entry.task.Clone(historyLength)
	entry.mu.Unlock()

	return &clone, nil
}

func (store *InMemoryTaskStore) List(
	ctx context.Context, params a2a.TaskListParams,
) (*a2a.TaskList, *errors.RpcError) {
	store.mu.RLock()
	ids := store.order
	if params.ContextID != "" {
		ids = store.contexts[params.ContextID]
	}

	entries := make([]*taskEntry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, store.tasks[id])
	}
	store.mu.RUnlock()

	historyLength := -1
	if params.HistoryLength != nil {
		historyLength = *params.HistoryLength
	}

	matches := make([]a2a.Task, 0, len(entries))

	for _, entry := range entries {
		entry.mu.Lock()
		if !MatchesFilter(entry.task, params) {
			entry.mu.Unlock()
			continue
		}

		clone := entry.task.Clone(historyLength)
		entry.mu.Unlock()

		if !params.IncludeArtifacts {
			clone.Artifacts = nil
		}

		matches = append(matches, clone)
	}

	return Paginate(matches, params.PageSize, params.PageToken)
}

// AppendHistory adds a message to a live task.  Final tasks accept no
// further input, so appending to one is a conflict.
func (store *InMemoryTaskStore) AppendHistory(
	ctx context.Context, taskID string, message a2a.Message,
) (*a2a.Task, *errors.RpcError) {
	return store.mutate(taskID, func(task *a2a.Task) *errors.RpcError {
		if task.Status.State.Final() {
			return errors.ErrConflict.WithMessagef(
				"task %s is already %s and accepts no further input", taskID, task.Status.State,
			)
		}

		task.AddMessage(message)
		return nil
	})
}

func (store *InMemoryTaskStore) AppendArtifact(
	ctx context.Context, taskID string, artifact a2a.Artifact, appendParts bool,
) (*a2a.Task, *errors.RpcError) {
	return store.mutate(taskID, func(task *a2a.Task) *errors.RpcError {
		if task.Status.State.Final() {
			return errors.ErrConflict.WithMessagef(
				"task %s is already %s, artifacts are frozen", taskID, task.Status.State,
			)
		}

		task.UpsertArtifact(artifact, appendParts)
		return nil
	})
}

func (store *InMemoryTaskStore) SetStatus(
	ctx context.Context, taskID string, state a2a.TaskState, message *a2a.Message,
) (*a2a.Task, *errors.RpcError) {
	return store.mutate(taskID, func(task *a2a.Task) *errors.RpcError {
		if !a2a.ValidTransition(task.Status.State, state) {
			return errors.ErrConflict.WithMessagef(
				"cannot transition task %s from %s to %s", taskID, task.Status.State, state,
			)
		}

		task.ToStatus(state, message)
		return nil
	})
}

// Cancel is the one externally driven transition: any non-final task may be
// canceled, regardless of what the state machine allows from its state.
func (store *InMemoryTaskStore) Cancel(
	ctx context.Context, taskID string,
) (*a2a.Task, *errors.RpcError) {
	return store.mutate(taskID, func(task *a2a.Task) *errors.RpcError {
		if task.Status.State.Final() {
			return errors.ErrConflict.WithMessagef(
				"task %s is already %s", taskID, task.Status.State,
			)
		}

		task.ToStatus(a2a.TaskStateCanceled, nil)
		return nil
	})
}

func (store *InMemoryTaskStore) entry(taskID string) (*taskEntry, *errors.RpcError) {
	store.mu.RLock()
	entry, exists := store.tasks[taskID]
	store.mu.RUnlock()

	if !exists {
		return nil, errors.ErrTaskNotFound.WithMessagef("no task with id %s", taskID)
	}

	return entry, nil
}

// mutate runs fn on the live task under its lock and returns a detached
// copy of the result.  A non-nil error from fn leaves the task untouched
// only if fn itself made no changes before failing, which every caller in
// this package honors by validating first.
func (store *InMemoryTaskStore) mutate(
	taskID string, fn func(*a2a.Task) *errors.RpcError,
) (*a2a.Task, *errors.RpcError) {
	entry, rpcErr := store.entry(taskID)
	if rpcErr != nil {
		return nil, rpcErr
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if rpcErr := fn(entry.task); rpcErr != nil {
		return nil, rpcErr
	}

	clone := entry.task.Clone(-1)
	return &clone, nil
}
