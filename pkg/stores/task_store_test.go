package stores

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/theapemachine/agentwire/pkg/a2a"
	"github.com/theapemachine/agentwire/pkg/errors"
	"github.com/theapemachine/agentwire/pkg/utils"
)

func TestNewInMemoryTaskStore(t *testing.T) {
	store := NewInMemoryTaskStore()
	assert.NotNil(t, store)
	assert.Empty(t, store.tasks)
}

func TestTaskStoreCreate(t *testing.T) {
	store := NewInMemoryTaskStore()
	ctx := context.Background()

	task, rpcErr := store.Create(ctx, *a2a.NewTextMessage(a2a.RoleUser, "hello"), map[string]any{"tenant": "acme"})
	assert.Nil(t, rpcErr)
	assert.NotEmpty(t, task.ID)
	assert.NotEmpty(t, task.ContextID)
	assert.Equal(t, a2a.TaskStateSubmitted, task.Status.State)
	assert.NotZero(t, task.CreatedAt)
	assert.NotZero(t, task.UpdatedAt)
	assert.Equal(t, map[string]any{"tenant": "acme"}, task.Metadata)

	// The seed message becomes history[0], bound to the new task
	assert.Len(t, task.History, 1)
	assert.Equal(t, task.ID, task.History[0].TaskID)
	assert.Equal(t, task.ContextID, task.History[0].ContextID)
	assert.Equal(t, "hello", task.History[0].Parts[0].Text)
}

func TestTaskStoreCreateReusesContext(t *testing.T) {
	store := NewInMemoryTaskStore()
	ctx := context.Background()

	msg := a2a.NewTextMessage(a2a.RoleUser, "first")
	msg.ContextID = "ctx-42"

	task, rpcErr := store.Create(ctx, *msg, nil)
	assert.Nil(t, rpcErr)
	assert.Equal(t, "ctx-42", task.ContextID)
}

func TestTaskStoreGet(t *testing.T) {
	store := NewInMemoryTaskStore()
	ctx := context.Background()

	created, _ := store.Create(ctx, *a2a.NewTextMessage(a2a.RoleUser, "hello"), nil)

	task, rpcErr := store.Get(ctx, created.ID, -1)
	assert.Nil(t, rpcErr)
	assert.Equal(t, created.ID, task.ID)

	_, rpcErr = store.Get(ctx, "nonexistent", -1)
	assert.NotNil(t, rpcErr)
	assert.Equal(t, errors.CodeNotFound, rpcErr.Code)
}

func TestTaskStoreGetHistoryCap(t *testing.T) {
	store := NewInMemoryTaskStore()
	ctx := context.Background()

	created, _ := store.Create(ctx, *a2a.NewTextMessage(a2a.RoleUser, "one"), nil)
	store.AppendHistory(ctx, created.ID, *a2a.NewTextMessage(a2a.RoleAgent, "two"))
	store.AppendHistory(ctx, created.ID, *a2a.NewTextMessage(a2a.RoleUser, "three"))

	task, rpcErr := store.Get(ctx, created.ID, 2)
	assert.Nil(t, rpcErr)
	assert.Len(t, task.History, 2)
	assert.Equal(t, "two", task.History[0].Parts[0].Text)
	assert.Equal(t, "three", task.History[1].Parts[0].Text)

	full, _ := store.Get(ctx, created.ID, -1)
	assert.Len(t, full.History, 3)

	none, _ := store.Get(ctx, created.ID, 0)
	assert.Empty(t, none.History)
}

func TestTaskStoreAppendHistory(t *testing.T) {
	store := NewInMemoryTaskStore()
	ctx := context.Background()

	created, _ := store.Create(ctx, *a2a.NewTextMessage(a2a.RoleUser, "hello"), nil)

	task, rpcErr := store.AppendHistory(ctx, created.ID, *a2a.NewTextMessage(a2a.RoleAgent, "hi there"))
	assert.Nil(t, rpcErr)
	assert.Len(t, task.History, 2)
	assert.Equal(t, created.ID, task.History[1].TaskID)

	_, rpcErr = store.AppendHistory(ctx, "nonexistent", *a2a.NewTextMessage(a2a.RoleAgent, "lost"))
	assert.NotNil(t, rpcErr)
	assert.Equal(t, errors.CodeNotFound, rpcErr.Code)

	// Final tasks accept no further input
	store.Cancel(ctx, created.ID)
	_, rpcErr = store.AppendHistory(ctx, created.ID, *a2a.NewTextMessage(a2a.RoleUser, "too late"))
	assert.NotNil(t, rpcErr)
	assert.Equal(t, errors.CodeConflict, rpcErr.Code)
}

func TestTaskStoreAppendArtifact(t *testing.T) {
	store := NewInMemoryTaskStore()
	ctx := context.Background()

	created, _ := store.Create(ctx, *a2a.NewTextMessage(a2a.RoleUser, "hello"), nil)

	artifact := a2a.NewTextArtifact("report", "chunk one")
	task, rpcErr := store.AppendArtifact(ctx, created.ID, artifact, false)
	assert.Nil(t, rpcErr)
	assert.Len(t, task.Artifacts, 1)
	assert.Len(t, task.Artifacts[0].Parts, 1)

	// Same artifactId with appendParts extends the parts
	chunk := a2a.Artifact{ArtifactID: artifact.ArtifactID, Parts: []a2a.Part{a2a.NewTextPart("chunk two")}}
	task, rpcErr = store.AppendArtifact(ctx, created.ID, chunk, true)
	assert.Nil(t, rpcErr)
	assert.Len(t, task.Artifacts, 1)
	assert.Len(t, task.Artifacts[0].Parts, 2)

	// Without appendParts the parts are replaced
	replacement := a2a.Artifact{ArtifactID: artifact.ArtifactID, Parts: []a2a.Part{a2a.NewTextPart("rewritten")}}
	task, _ = store.AppendArtifact(ctx, created.ID, replacement, false)
	assert.Len(t, task.Artifacts[0].Parts, 1)
	assert.Equal(t, "rewritten", task.Artifacts[0].Parts[0].Text)

	// A new artifactId adds a second artifact
	task, _ = store.AppendArtifact(ctx, created.ID, a2a.NewTextArtifact("summary", "done"), false)
	assert.Len(t, task.Artifacts, 2)

	// Artifacts freeze once the task is final
	store.Cancel(ctx, created.ID)
	_, rpcErr = store.AppendArtifact(ctx, created.ID, a2a.NewTextArtifact("late", "ignored"), false)
	assert.NotNil(t, rpcErr)
	assert.Equal(t, errors.CodeConflict, rpcErr.Code)
}

func TestTaskStoreSetStatus(t *testing.T) {
	store := NewInMemoryTaskStore()
	ctx := context.Background()

	created, _ := store.Create(ctx, *a2a.NewTextMessage(a2a.RoleUser, "hello"), nil)

	task, rpcErr := store.SetStatus(ctx, created.ID, a2a.TaskStateWorking, nil)
	assert.Nil(t, rpcErr)
	assert.Equal(t, a2a.TaskStateWorking, task.Status.State)

	task, rpcErr = store.SetStatus(ctx, created.ID, a2a.TaskStateCompleted, a2a.NewTextMessage(a2a.RoleAgent, "done"))
	assert.Nil(t, rpcErr)
	assert.Equal(t, a2a.TaskStateCompleted, task.Status.State)
	assert.Equal(t, "done", task.Status.Message.String())

	// No transitions out of a final state
	_, rpcErr = store.SetStatus(ctx, created.ID, a2a.TaskStateWorking, nil)
	assert.NotNil(t, rpcErr)
	assert.Equal(t, errors.CodeConflict, rpcErr.Code)
}

func TestTaskStoreSetStatusSkippingStates(t *testing.T) {
	store := NewInMemoryTaskStore()
	ctx := context.Background()

	created, _ := store.Create(ctx, *a2a.NewTextMessage(a2a.RoleUser, "hello"), nil)

	// submitted cannot jump straight to completed
	_, rpcErr := store.SetStatus(ctx, created.ID, a2a.TaskStateCompleted, nil)
	assert.NotNil(t, rpcErr)
	assert.Equal(t, errors.CodeConflict, rpcErr.Code)

	// but submitted may be rejected outright
	task, rpcErr := store.SetStatus(ctx, created.ID, a2a.TaskStateRejected, nil)
	assert.Nil(t, rpcErr)
	assert.Equal(t, a2a.TaskStateRejected, task.Status.State)
}

func TestTaskStoreCancel(t *testing.T) {
	store := NewInMemoryTaskStore()
	ctx := context.Background()

	created, _ := store.Create(ctx, *a2a.NewTextMessage(a2a.RoleUser, "hello"), nil)

	// Cancel works from submitted, before the lifecycle ever ran
	task, rpcErr := store.Cancel(ctx, created.ID)
	assert.Nil(t, rpcErr)
	assert.Equal(t, a2a.TaskStateCanceled, task.Status.State)

	// Canceling a final task conflicts
	_, rpcErr = store.Cancel(ctx, created.ID)
	assert.NotNil(t, rpcErr)
	assert.Equal(t, errors.CodeConflict, rpcErr.Code)

	_, rpcErr = store.Cancel(ctx, "nonexistent")
	assert.NotNil(t, rpcErr)
	assert.Equal(t, errors.CodeNotFound, rpcErr.Code)
}

func TestTaskStoreList(t *testing.T) {
	store := NewInMemoryTaskStore()
	ctx := context.Background()

	first := a2a.NewTextMessage(a2a.RoleUser, "first")
	first.ContextID = "ctx-a"
	second := a2a.NewTextMessage(a2a.RoleUser, "second")
	second.ContextID = "ctx-a"
	third := a2a.NewTextMessage(a2a.RoleUser, "third")
	third.ContextID = "ctx-b"

	taskA1, _ := store.Create(ctx, *first, nil)
	taskA2, _ := store.Create(ctx, *second, nil)
	store.Create(ctx, *third, nil)

	store.SetStatus(ctx, taskA2.ID, a2a.TaskStateWorking, nil)

	list, rpcErr := store.List(ctx, a2a.TaskListParams{ContextID: "ctx-a"})
	assert.Nil(t, rpcErr)
	assert.Equal(t, 2, list.TotalSize)
	assert.Len(t, list.Tasks, 2)
	assert.Equal(t, taskA1.ID, list.Tasks[0].ID)
	assert.Equal(t, taskA2.ID, list.Tasks[1].ID)

	list, _ = store.List(ctx, a2a.TaskListParams{States: []a2a.TaskState{a2a.TaskStateWorking}})
	assert.Equal(t, 1, list.TotalSize)
	assert.Equal(t, taskA2.ID, list.Tasks[0].ID)

	list, _ = store.List(ctx, a2a.TaskListParams{})
	assert.Equal(t, 3, list.TotalSize)
}

func TestTaskStoreListPagination(t *testing.T) {
	store := NewInMemoryTaskStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		store.Create(ctx, *a2a.NewTextMessage(a2a.RoleUser, "msg"), nil)
	}

	page, rpcErr := store.List(ctx, a2a.TaskListParams{PageSize: 2})
	assert.Nil(t, rpcErr)
	assert.Len(t, page.Tasks, 2)
	assert.Equal(t, 5, page.TotalSize)
	assert.NotEmpty(t, page.NextPageToken)

	seen := map[string]bool{}
	for _, task := range page.Tasks {
		seen[task.ID] = true
	}

	for page.NextPageToken != "" {
		page, rpcErr = store.List(ctx, a2a.TaskListParams{PageSize: 2, PageToken: page.NextPageToken})
		assert.Nil(t, rpcErr)
		for _, task := range page.Tasks {
			assert.False(t, seen[task.ID], "page overlap on %s", task.ID)
			seen[task.ID] = true
		}
	}

	assert.Len(t, seen, 5)

	_, rpcErr = store.List(ctx, a2a.TaskListParams{PageToken: "not!a!token"})
	assert.NotNil(t, rpcErr)
	assert.Equal(t, errors.CodeInvalidParams, rpcErr.Code)
}

func TestTaskStoreListShaping(t *testing.T) {
	store := NewInMemoryTaskStore()
	ctx := context.Background()

	created, _ := store.Create(ctx, *a2a.NewTextMessage(a2a.RoleUser, "one"), nil)
	store.AppendHistory(ctx, created.ID, *a2a.NewTextMessage(a2a.RoleAgent, "two"))
	store.AppendArtifact(ctx, created.ID, a2a.NewTextArtifact("report", "body"), false)

	// Artifacts are stripped unless asked for
	list, _ := store.List(ctx, a2a.TaskListParams{})
	assert.Empty(t, list.Tasks[0].Artifacts)

	list, _ = store.List(ctx, a2a.TaskListParams{IncludeArtifacts: true})
	assert.Len(t, list.Tasks[0].Artifacts, 1)

	// History capping applies per task
	list, _ = store.List(ctx, a2a.TaskListParams{HistoryLength: utils.Ptr(1)})
	assert.Len(t, list.Tasks[0].History, 1)
	assert.Equal(t, "two", list.Tasks[0].History[0].Parts[0].Text)
}

func TestTaskStoreListUpdatedAfter(t *testing.T) {
	store := NewInMemoryTaskStore()
	ctx := context.Background()

	stale, _ := store.Create(ctx, *a2a.NewTextMessage(a2a.RoleUser, "stale"), nil)
	cutoff := time.Now().UTC()

	fresh, _ := store.Create(ctx, *a2a.NewTextMessage(a2a.RoleUser, "fresh"), nil)

	list, rpcErr := store.List(ctx, a2a.TaskListParams{LastUpdatedAfter: &cutoff})
	assert.Nil(t, rpcErr)

	ids := map[string]bool{}
	for _, task := range list.Tasks {
		ids[task.ID] = true
	}
	assert.True(t, ids[fresh.ID])
	assert.False(t, ids[stale.ID])
}

func TestTaskStoreReadsAreDetached(t *testing.T) {
	store := NewInMemoryTaskStore()
	ctx := context.Background()

	created, _ := store.Create(ctx, *a2a.NewTextMessage(a2a.RoleUser, "hello"), nil)

	got, _ := store.Get(ctx, created.ID, -1)
	got.History[0].Parts[0].Text = "tampered"
	got.Status.State = a2a.TaskStateFailed

	again, _ := store.Get(ctx, created.ID, -1)
	assert.Equal(t, "hello", again.History[0].Parts[0].Text)
	assert.Equal(t, a2a.TaskStateSubmitted, again.Status.State)
}
