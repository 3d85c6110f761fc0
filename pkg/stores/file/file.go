package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/theapemachine/agentwire/pkg/a2a"
	"github.com/theapemachine/agentwire/pkg/errors"
	"github.com/theapemachine/agentwire/pkg/stores"
)

/*
Store persists one JSON file per task under a state directory, which gives
a single node durability across restarts without any external service.
Mutations are read-modify-write cycles guarded by an in-process per-task
lock, so the store is safe for one server process sharing the directory
with nobody else.
*/
type Store struct {
	dir   string
	locks sync.Map // taskID → *sync.Mutex
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	return &Store{dir: dir}, nil
}

func (store *Store) Create(
	ctx context.Context, message a2a.Message, metadata map[string]any,
) (*a2a.Task, *errors.RpcError) {
	task := a2a.NewTask(message.ContextID, metadata)
	task.AddMessage(message)

	if rpcErr := store.write(task); rpcErr != nil {
		return nil, rpcErr
	}

	clone := task.Clone(-1)
	return &clone, nil
}

func (store *Store) Get(
	ctx context.Context, taskID string, historyLength int,
) (*a2a.Task, *errors.RpcError) {
	task, rpcErr := store.load(taskID)
	if rpcErr != nil {
		return nil, rpcErr
	}

	clone := task.Clone(historyLength)
	return &clone, nil
}

func (store *Store) List(
	ctx context.Context, params a2a.TaskListParams,
) (*a2a.TaskList, *errors.RpcError) {
	entries, err := os.ReadDir(store.dir)
	if err != nil {
		log.Error("failed to list tasks", "error", err)
		return nil, errors.ErrInternal.WithMessagef("failed to list tasks: %v", err)
	}

	historyLength := -1
	if params.HistoryLength != nil {
		historyLength = *params.HistoryLength
	}

	matches := make([]a2a.Task, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(store.dir, entry.Name()))
		if err != nil {
			log.Warn("skipping unreadable task file", "file", entry.Name(), "error", err)
			continue
		}

		task, err := a2a.NewTaskFromJSON(data)
		if err != nil {
			log.Warn("skipping undecodable task file", "file", entry.Name(), "error", err)
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

	// Directory listings come back in name order; page in creation order.
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

func (store *Store) AppendArtifact(
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

func (store *Store) SetStatus(
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

func (store *Store) Cancel(
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

func (store *Store) taskPath(taskID string) string {
	return filepath.Join(store.dir, taskID+".json")
}

// cleanID refuses identifiers that could escape the state directory.
// Server-minted ids are UUIDs, so anything else came from a caller.
func cleanID(taskID string) bool {
	return taskID != "" &&
		taskID == filepath.Base(taskID) &&
		!strings.HasPrefix(taskID, ".")
}

func (store *Store) lock(taskID string) *sync.Mutex {
	actual, _ := store.locks.LoadOrStore(taskID, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

func (store *Store) load(taskID string) (*a2a.Task, *errors.RpcError) {
	if !cleanID(taskID) {
		return nil, errors.ErrTaskNotFound.WithMessagef("no task with id %s", taskID)
	}

	data, err := os.ReadFile(store.taskPath(taskID))

	if os.IsNotExist(err) {
		return nil, errors.ErrTaskNotFound.WithMessagef("no task with id %s", taskID)
	}

	if err != nil {
		log.Error("failed to read task", "task", taskID, "error", err)
		return nil, errors.ErrInternal.WithMessagef("failed to read task: %v", err)
	}

	task, err := a2a.NewTaskFromJSON(data)

	if err != nil {
		log.Error("failed to unmarshal task", "task", taskID, "error", err)
		return nil, errors.ErrInternal.WithMessagef("failed to unmarshal task: %v", err)
	}

	return task, nil
}

// write lands the task through a temp file and a rename, so a crash mid
// write never leaves a torn task behind.
func (store *Store) write(task *a2a.Task) *errors.RpcError {
	data, err := json.Marshal(task)

	if err != nil {
		log.Error("failed to marshal task", "task", task.ID, "error", err)
		return errors.ErrInternal.WithMessagef("failed to marshal task: %v", err)
	}

	tmp, err := os.CreateTemp(store.dir, task.ID+".*.tmp")
	if err != nil {
		log.Error("failed to stage task file", "task", task.ID, "error", err)
		return errors.ErrInternal.WithMessagef("failed to stage task file: %v", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		log.Error("failed to write task file", "task", task.ID, "error", err)
		return errors.ErrInternal.WithMessagef("failed to write task file: %v", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.ErrInternal.WithMessagef("failed to write task file: %v", err)
	}

	if err := os.Rename(tmp.Name(), store.taskPath(task.ID)); err != nil {
		os.Remove(tmp.Name())
		log.Error("failed to store task", "task", task.ID, "error", err)
		return errors.ErrInternal.WithMessagef("failed to store task: %v", err)
	}

	return nil
}

// mutate serializes a read-modify-write cycle on one task.
func (store *Store) mutate(
	taskID string, fn func(*a2a.Task) *errors.RpcError,
) (*a2a.Task, *errors.RpcError) {
	mu := store.lock(taskID)
	mu.Lock()
	defer mu.Unlock()

	task, rpcErr := store.load(taskID)
	if rpcErr != nil {
		return nil, rpcErr
	}

	if rpcErr := fn(task); rpcErr != nil {
		return nil, rpcErr
	}

	if rpcErr := store.write(task); rpcErr != nil {
		return nil, rpcErr
	}

	clone := task.Clone(-1)
	return &clone, nil
}
