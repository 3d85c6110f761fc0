package s3

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/theapemachine/agentwire/pkg/a2a"
	"github.com/theapemachine/agentwire/pkg/errors"
	"github.com/theapemachine/agentwire/pkg/stores"
)

/*
Store is the durable TaskStore: one JSON object per task under tasks/.
Mutations are read-modify-write cycles guarded by an in-process per-task
lock, so the store is safe for one server process; it is not a multi-writer
coordination layer.
*/
type Store struct {
	conn  *Conn
	locks sync.Map // taskID → *sync.Mutex
}

func NewStore(conn *Conn) *Store {
	return &Store{conn: conn}
}

func (store *Store) Create(
	ctx context.Context, message a2a.Message, metadata map[string]any,
) (*a2a.Task, *errors.RpcError) {
	task := a2a.NewTask(message.ContextID, metadata)
	task.AddMessage(message)

	if rpcErr := store.write(ctx, task); rpcErr != nil {
		return nil, rpcErr
	}

	clone := task.Clone(-1)
	return &clone, nil
}

func (store *Store) Get(
	ctx context.Context, taskID string, historyLength int,
) (*a2a.Task, *errors.RpcError) {
	task, rpcErr := store.load(ctx, taskID)
	if rpcErr != nil {
		return nil, rpcErr
	}

	clone := task.Clone(historyLength)
	return &clone, nil
}

func (store *Store) List(
	ctx context.Context, params a2a.TaskListParams,
) (*a2a.TaskList, *errors.RpcError) {
	keys, err := store.conn.List(ctx, taskPrefix)

	if err != nil {
		log.Error("failed to list tasks", "error", err)
		return nil, errors.ErrInternal.WithMessagef("failed to list tasks: %v", err)
	}

	historyLength := -1
	if params.HistoryLength != nil {
		historyLength = *params.HistoryLength
	}

	matches := make([]a2a.Task, 0, len(keys))

	for _, key := range keys {
		data, found, err := store.conn.Get(ctx, key)

		if err != nil || !found {
			log.Warn("skipping unreadable task object", "key", key, "error", err)
			continue
		}

		task, err := a2a.NewTaskFromJSON(data)

		if err != nil {
			log.Warn("skipping undecodable task object", "key", key, "error", err)
			continue
		}

		if !stores.MatchesFilter(task, params) {
			continue
		}

		clone := task.Clone(historyLength)
		if !params.IncludeArtifacts {
			clone.Artifacts = nil
		}

		matches = append(matches, clone)
	}

	// Object listings come back in key order; page in creation order instead.
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].ID < matches[j].ID
		}
		return matches[i].CreatedAt.Before(matches[j].CreatedAt)
	})

	return stores.Paginate(matches, params.PageSize, params.PageToken)
}

func (store *Store) AppendHistory(
	ctx context.Context, taskID string, message a2a.Message,
) (*a2a.Task, *errors.RpcError) {
	return store.mutate(ctx, taskID, func(task *a2a.Task) *errors.RpcError {
		if task.Status.State.Final() {
			return errors.ErrConflict.WithMessagef(
				"task %s is already %s and accepts no further input", taskID, task.Status.State,
			)
		}

		task.AddMessage(message)
		return nil
	})
}

func (store *Store) AppendArtifact(
	ctx context.Context, taskID string, artifact a2a.Artifact, appendParts bool,
) (*a2a.Task, *errors.RpcError) {
	return store.mutate(ctx, taskID, func(task *a2a.Task) *errors.RpcError {
		if task.Status.State.Final() {
			return errors.ErrConflict.WithMessagef(
				"task %s is already %s, artifacts are frozen", taskID, task.Status.State,
			)
		}

		task.UpsertArtifact(artifact, appendParts)
		return nil
	})
}

func (store *Store) SetStatus(
	ctx context.Context, taskID string, state a2a.TaskState, message *a2a.Message,
) (*a2a.Task, *errors.RpcError) {
	return store.mutate(ctx, taskID, func(task *a2a.Task) *errors.RpcError {
		if !a2a.ValidTransition(task.Status.State, state) {
			return errors.ErrConflict.WithMessagef(
				"cannot transition task %s from %s to %s", taskID, task.Status.State, state,
			)
		}

		task.ToStatus(state, message)
		return nil
	})
}

func (store *Store) Cancel(
	ctx context.Context, taskID string,
) (*a2a.Task, *errors.RpcError) {
	return store.mutate(ctx, taskID, func(task *a2a.Task) *errors.RpcError {
		if task.Status.State.Final() {
			return errors.ErrConflict.WithMessagef(
				"task %s is already %s", taskID, task.Status.State,
			)
		}

		task.ToStatus(a2a.TaskStateCanceled, nil)
		return nil
	})
}

const taskPrefix = "tasks/"

func taskKey(taskID string) string {
	return taskPrefix + taskID + ".json"
}

func (store *Store) lock(taskID string) *sync.Mutex {
	actual, _ := store.locks.LoadOrStore(taskID, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

func (store *Store) load(ctx context.Context, taskID string) (*a2a.Task, *errors.RpcError) {
	data, found, err := store.conn.Get(ctx, taskKey(taskID))

	if err != nil {
		log.Error("failed to get task", "task", taskID, "error", err)
		return nil, errors.ErrInternal.WithMessagef("failed to get task: %v", err)
	}

	if !found {
		return nil, errors.ErrTaskNotFound.WithMessagef("no task with id %s", taskID)
	}

	task, err := a2a.NewTaskFromJSON(data)

	if err != nil {
		log.Error("failed to unmarshal task", "task", taskID, "error", err)
		return nil, errors.ErrInternal.WithMessagef("failed to unmarshal task: %v", err)
	}

	return task, nil
}

func (store *Store) write(ctx context.Context, task *a2a.Task) *errors.RpcError {
	data, err := json.Marshal(task)

	if err != nil {
		log.Error("failed to marshal task", "task", task.ID, "error", err)
		return errors.ErrInternal.WithMessagef("failed to marshal task: %v", err)
	}

	if err := store.conn.Put(ctx, taskKey(task.ID), data); err != nil {
		log.Error("failed to store task", "task", task.ID, "error", err)
		return errors.ErrInternal.WithMessagef("failed to store task: %v", err)
	}

	return nil
}

// mutate serializes a read-modify-write cycle on one task.
func (store *Store) mutate(
	ctx context.Context, taskID string, fn func(*a2a.Task) *errors.RpcError,
) (*a2a.Task, *errors.RpcError) {
	mu := store.lock(taskID)
	mu.Lock()
	defer mu.Unlock()

	task, rpcErr := store.load(ctx, taskID)
	if rpcErr != nil {
		return nil, rpcErr
	}

	if rpcErr := fn(task); rpcErr != nil {
		return nil, rpcErr
	}

	if rpcErr := store.write(ctx, task); rpcErr != nil {
		return nil, rpcErr
	}

	clone := task.Clone(-1)
	return &clone, nil
}
