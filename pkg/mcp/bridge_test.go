package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/theapemachine/agentwire/pkg/a2a"
	"github.com/theapemachine/agentwire/pkg/stores"
	"github.com/theapemachine/agentwire/pkg/tasks"
)

// parkingProcessor waits for client input, so cancellation paths stay
// deterministic in tests.
type parkingProcessor struct{}

func (parkingProcessor) Process(
	ctx context.Context, handle tasks.ProcessorHandle,
) (*a2a.Message, error) {
	if rpcErr := handle.RequireInput(ctx, a2a.NewTextMessage(a2a.RoleAgent, "which one?")); rpcErr != nil {
		return nil, rpcErr
	}

	return nil, nil
}

func newBridge(t *testing.T) (*Bridge, *tasks.Manager) {
	t.Helper()

	card := &a2a.AgentCard{Name: "bridge-agent", Version: "0.1.0"}

	manager, err := tasks.NewManager(
		card,
		tasks.WithStore(stores.NewInMemoryTaskStore()),
		tasks.WithProcessor(parkingProcessor{}),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		manager.Shutdown(ctx)
	})

	return NewBridge(card, manager, nil), manager
}

func call(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func decodeTask(t *testing.T, result *mcp.CallToolResult) a2a.Task {
	t.Helper()

	require.False(t, result.IsError)
	require.NotEmpty(t, result.Content)

	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "tool result should be text")

	var task a2a.Task
	require.NoError(t, json.Unmarshal([]byte(text.Text), &task))
	return task
}

func errorText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()

	require.True(t, result.IsError)
	require.NotEmpty(t, result.Content)

	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestTaskSendCreatesTask(t *testing.T) {
	bridge, manager := newBridge(t)

	result, err := bridge.handleSend(context.Background(), call("task_send", map[string]any{
		"text": "hello there",
	}))
	require.NoError(t, err)

	task := decodeTask(t, result)
	assert.NotEmpty(t, task.ID)
	assert.NotEmpty(t, task.ContextID)
	require.Len(t, task.History, 1)
	assert.Equal(t, "hello there", task.History[0].String())

	// The processor parks the task once it gets scheduled.
	require.Eventually(t, func() bool {
		got, rpcErr := manager.GetTask(context.Background(), a2a.TaskQueryParams{TaskID: task.ID})
		return rpcErr == nil && got.Status.State == a2a.TaskStateInputRequired
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTaskSendScrubsControlCharacters(t *testing.T) {
	bridge, _ := newBridge(t)

	result, err := bridge.handleSend(context.Background(), call("task_send", map[string]any{
		"text": "hi\x00there",
	}))
	require.NoError(t, err)

	task := decodeTask(t, result)
	require.Len(t, task.History, 1)
	assert.Equal(t, "hithere", task.History[0].String())
}

func TestTaskSendRequiresText(t *testing.T) {
	bridge, _ := newBridge(t)

	result, err := bridge.handleSend(context.Background(), call("task_send", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestTaskGetReturnsTask(t *testing.T) {
	bridge, _ := newBridge(t)

	created := decodeTask(t, mustSend(t, bridge, "inspect me"))

	// Numbers arrive as float64 once the request has been through JSON.
	result, err := bridge.handleGet(context.Background(), call("task_get", map[string]any{
		"task_id":        created.ID,
		"history_length": float64(1),
	}))
	require.NoError(t, err)

	task := decodeTask(t, result)
	assert.Equal(t, created.ID, task.ID)
	assert.LessOrEqual(t, len(task.History), 1)
}

func TestTaskGetUnknownTask(t *testing.T) {
	bridge, _ := newBridge(t)

	result, err := bridge.handleGet(context.Background(), call("task_get", map[string]any{
		"task_id": "no-such-task",
	}))
	require.NoError(t, err)
	assert.Contains(t, errorText(t, result), "NOT_FOUND")
}

func TestTaskCancel(t *testing.T) {
	bridge, manager := newBridge(t)

	created := decodeTask(t, mustSend(t, bridge, "cancel me"))

	// Wait for the park so cancel does not race the activation.
	require.Eventually(t, func() bool {
		got, rpcErr := manager.GetTask(context.Background(), a2a.TaskQueryParams{TaskID: created.ID})
		return rpcErr == nil && got.Status.State == a2a.TaskStateInputRequired
	}, 2*time.Second, 10*time.Millisecond)

	result, err := bridge.handleCancel(context.Background(), call("task_cancel", map[string]any{
		"task_id": created.ID,
	}))
	require.NoError(t, err)

	task := decodeTask(t, result)
	assert.Equal(t, a2a.TaskStateCanceled, task.Status.State)

	// A second cancel hits a finished task.
	result, err = bridge.handleCancel(context.Background(), call("task_cancel", map[string]any{
		"task_id": created.ID,
	}))
	require.NoError(t, err)
	assert.Contains(t, errorText(t, result), "CONFLICT")
}

func mustSend(t *testing.T, bridge *Bridge, text string) *mcp.CallToolResult {
	t.Helper()

	result, err := bridge.handleSend(context.Background(), call("task_send", map[string]any{
		"text": text,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	return result
}
