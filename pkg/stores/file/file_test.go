package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/theapemachine/agentwire/pkg/a2a"
	"github.com/theapemachine/agentwire/pkg/errors"
)

func newStore(t *testing.T) (*Store, string) {
	t.Helper()

	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	return store, dir
}

func TestFileStoreSurvivesRestart(t *testing.T) {
	store, dir := newStore(t)
	ctx := context.Background()

	created, rpcErr := store.Create(ctx, *a2a.NewTextMessage(a2a.RoleUser, "persist me"), nil)
	require.Nil(t, rpcErr)

	_, rpcErr = store.SetStatus(ctx, created.ID, a2a.TaskStateWorking, nil)
	require.Nil(t, rpcErr)

	_, rpcErr = store.AppendArtifact(ctx, created.ID, a2a.NewTextArtifact("report", "chunk"), false)
	require.Nil(t, rpcErr)

	// A fresh store over the same directory sees everything.
	reopened, err := NewStore(dir)
	require.NoError(t, err)

	task, rpcErr := reopened.Get(ctx, created.ID, -1)
	require.Nil(t, rpcErr)
	assert.Equal(t, a2a.TaskStateWorking, task.Status.State)
	assert.Equal(t, "persist me", task.History[0].Parts[0].Text)
	require.Len(t, task.Artifacts, 1)
	assert.Equal(t, "chunk", task.Artifacts[0].Parts[0].Text)
}

func TestFileStoreRefusesEscapingIDs(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	for _, id := range []string{"../escape", "a/b", ".hidden", ""} {
		_, rpcErr := store.Get(ctx, id, -1)
		require.NotNil(t, rpcErr, "id %q", id)
		assert.Equal(t, errors.CodeNotFound, rpcErr.Code)

		_, rpcErr = store.AppendHistory(ctx, id, *a2a.NewTextMessage(a2a.RoleUser, "nope"))
		require.NotNil(t, rpcErr, "id %q", id)
		assert.Equal(t, errors.CodeNotFound, rpcErr.Code)
	}
}

func TestFileStoreListSkipsForeignFiles(t *testing.T) {
	store, dir := newStore(t)
	ctx := context.Background()

	created, rpcErr := store.Create(ctx, *a2a.NewTextMessage(a2a.RoleUser, "real"), nil)
	require.Nil(t, rpcErr)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "garbage.json"), []byte("not json"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "leftover.tmp"), []byte("{}"), 0o644))

	list, rpcErr := store.List(ctx, a2a.TaskListParams{})
	require.Nil(t, rpcErr)
	assert.Equal(t, 1, list.TotalSize)
	assert.Equal(t, created.ID, list.Tasks[0].ID)
}

func TestFileStoreLifecycleSemantics(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	created, _ := store.Create(ctx, *a2a.NewTextMessage(a2a.RoleUser, "hello"), nil)

	// submitted cannot jump straight to completed
	_, rpcErr := store.SetStatus(ctx, created.ID, a2a.TaskStateCompleted, nil)
	require.NotNil(t, rpcErr)
	assert.Equal(t, errors.CodeConflict, rpcErr.Code)

	_, rpcErr = store.Cancel(ctx, created.ID)
	require.Nil(t, rpcErr)

	_, rpcErr = store.AppendHistory(ctx, created.ID, *a2a.NewTextMessage(a2a.RoleUser, "too late"))
	require.NotNil(t, rpcErr)
	assert.Equal(t, errors.CodeConflict, rpcErr.Code)

	_, rpcErr = store.Cancel(ctx, created.ID)
	require.NotNil(t, rpcErr)
	assert.Equal(t, errors.CodeConflict, rpcErr.Code)
}

func TestFileStoreListFiltersAndPages(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		msg := a2a.NewTextMessage(a2a.RoleUser, "msg")
		msg.ContextID = "ctx-a"
		_, rpcErr := store.Create(ctx, *msg, nil)
		require.Nil(t, rpcErr)
	}

	other := a2a.NewTextMessage(a2a.RoleUser, "other")
	other.ContextID = "ctx-b"
	store.Create(ctx, *other, nil)

	list, rpcErr := store.List(ctx, a2a.TaskListParams{ContextID: "ctx-a", PageSize: 2})
	require.Nil(t, rpcErr)
	assert.Equal(t, 2, len(list.Tasks))
	assert.Equal(t, 3, list.TotalSize)
	assert.NotEmpty(t, list.NextPageToken)

	rest, rpcErr := store.List(ctx, a2a.TaskListParams{
		ContextID: "ctx-a", PageSize: 2, PageToken: list.NextPageToken,
	})
	require.Nil(t, rpcErr)
	assert.Len(t, rest.Tasks, 1)
	assert.Empty(t, rest.NextPageToken)
}
