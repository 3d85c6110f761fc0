package mcp

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/theapemachine/agentwire/pkg/a2a"
	"github.com/theapemachine/agentwire/pkg/errors"
	"github.com/theapemachine/agentwire/pkg/sanitize"
	"github.com/theapemachine/agentwire/pkg/tasks"
)

/*
Bridge exposes the task engine as MCP tools so MCP-speaking clients can
drive the same lifecycle the socket serves: task_send, task_get and
task_cancel.  The transport is stdio and the caller is the local process
that spawned us, so sessions and rate limits do not apply here; inbound
text still passes through the sanitizer.
*/
type Bridge struct {
	manager   *tasks.Manager
	sanitizer *sanitize.Sanitizer
	server    *server.MCPServer
}

func NewBridge(card *a2a.AgentCard, manager *tasks.Manager, sanitizer *sanitize.Sanitizer) *Bridge {
	if sanitizer == nil {
		sanitizer = sanitize.New()
	}

	bridge := &Bridge{
		manager:   manager,
		sanitizer: sanitizer,
		server: server.NewMCPServer(
			card.Name,
			card.Version,
			server.WithLogging(),
		),
	}

	bridge.server.AddTool(mcp.NewTool(
		"task_send",
		mcp.WithDescription("Send a text message to the agent. Creates a new task, or resumes the task named by task_id when that task is waiting for input."),
		mcp.WithString("text",
			mcp.Description("The message text to send."),
			mcp.Required(),
		),
		mcp.WithString("task_id",
			mcp.Description("Resume this task instead of creating a new one."),
		),
		mcp.WithString("context_id",
			mcp.Description("Group the new task under an existing context."),
		),
	), bridge.handleSend)

	bridge.server.AddTool(mcp.NewTool(
		"task_get",
		mcp.WithDescription("Fetch a task with its status, history and artifacts."),
		mcp.WithString("task_id",
			mcp.Description("The task to fetch."),
			mcp.Required(),
		),
		mcp.WithNumber("history_length",
			mcp.Description("Cap the returned history to the most recent N messages."),
		),
	), bridge.handleGet)

	bridge.server.AddTool(mcp.NewTool(
		"task_cancel",
		mcp.WithDescription("Cancel a task that has not finished yet."),
		mcp.WithString("task_id",
			mcp.Description("The task to cancel."),
			mcp.Required(),
		),
	), bridge.handleCancel)

	return bridge
}

// ServeStdio blocks serving the MCP protocol on stdin/stdout.
func (bridge *Bridge) ServeStdio() error {
	return server.ServeStdio(bridge.server)
}

func (bridge *Bridge) handleSend(
	ctx context.Context, req mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {
	args := req.GetArguments()

	text, ok := args["text"].(string)
	if !ok || text == "" {
		return mcp.NewToolResultError("text must be a non-empty string"), nil
	}

	message := a2a.NewTextMessage(a2a.RoleUser, text)
	if taskID, ok := args["task_id"].(string); ok {
		message.TaskID = taskID
	}
	if contextID, ok := args["context_id"].(string); ok {
		message.ContextID = contextID
	}

	clean, err := bridge.sanitizer.SanitizeMessage(*message)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	task, rpcErr := bridge.manager.SendMessage(ctx, a2a.MessageSendParams{Message: clean})
	if rpcErr != nil {
		return refusal(rpcErr), nil
	}

	return taskResult(task)
}

func (bridge *Bridge) handleGet(
	ctx context.Context, req mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {
	args := req.GetArguments()

	taskID, ok := args["task_id"].(string)
	if !ok || taskID == "" {
		return mcp.NewToolResultError("task_id must be a non-empty string"), nil
	}

	params := a2a.TaskQueryParams{TaskID: taskID}

	// JSON numbers arrive as float64.
	if n, ok := args["history_length"].(float64); ok && n >= 0 {
		capped := int(n)
		params.HistoryLength = &capped
	}

	task, rpcErr := bridge.manager.GetTask(ctx, params)
	if rpcErr != nil {
		return refusal(rpcErr), nil
	}

	return taskResult(task)
}

func (bridge *Bridge) handleCancel(
	ctx context.Context, req mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {
	taskID, ok := req.GetArguments()["task_id"].(string)
	if !ok || taskID == "" {
		return mcp.NewToolResultError("task_id must be a non-empty string"), nil
	}

	task, rpcErr := bridge.manager.CancelTask(ctx, taskID)
	if rpcErr != nil {
		return refusal(rpcErr), nil
	}

	return taskResult(task)
}

func taskResult(task *a2a.Task) (*mcp.CallToolResult, error) {
	buf, err := json.Marshal(task)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(string(buf)), nil
}

// refusal keeps the wire code visible to the MCP caller, so "task not
// found" and "task already finished" stay distinguishable.
func refusal(rpcErr *errors.RpcError) *mcp.CallToolResult {
	return mcp.NewToolResultError(rpcErr.Code + ": " + rpcErr.Message)
}
