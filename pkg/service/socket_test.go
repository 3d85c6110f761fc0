package service

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/theapemachine/agentwire/pkg/a2a"
	"github.com/theapemachine/agentwire/pkg/auth"
	"github.com/theapemachine/agentwire/pkg/client"
	"github.com/theapemachine/agentwire/pkg/errors"
	"github.com/theapemachine/agentwire/pkg/tasks"
	"github.com/theapemachine/agentwire/pkg/transport"
	"github.com/theapemachine/agentwire/pkg/utils"
)

// parkingProcessor asks for more input and leaves the task waiting, which
// keeps it alive for cancellation and push tests.
type parkingProcessor struct{}

func (parkingProcessor) Process(
	ctx context.Context, handle tasks.ProcessorHandle,
) (*a2a.Message, error) {
	if rpcErr := handle.RequireInput(
		ctx, a2a.NewTextMessage(a2a.RoleAgent, "which format?"),
	); rpcErr != nil {
		return nil, rpcErr
	}
	return nil, nil
}

type integration struct {
	server *Server
	agent  *client.AgentClient
}

// newIntegration boots a full server on loopback ports and a client
// credentialed against it.
func newIntegration(t *testing.T, processor tasks.TaskProcessor) *integration {
	t.Helper()

	validator := auth.NewTokenValidator(auth.ValidatorConfig{
		Secret:   []byte("0123456789abcdef0123456789abcdef"),
		Issuer:   "agentwire-test",
		Audience: "agentwire-clients",
	})

	server, err := NewServer(ServerConfig{
		Card:      &a2a.AgentCard{Name: "integration-agent"},
		Validator: validator,
		Processor: processor,
		Socket:    SocketConfig{Addr: "127.0.0.1:0"},
	})
	require.NoError(t, err)

	httpListener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		_ = server.app.Listener(httpListener, fiber.ListenConfig{DisableStartupMessage: true})
	}()

	require.NoError(t, server.socket.Start())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	})

	token, err := validator.IssueToken("user-1", []string{"tasks:write"})
	require.NoError(t, err)

	agent, err := client.NewAgentClient(client.Config{
		BaseURL:     "http://" + httpListener.Addr().String(),
		SocketURL:   "ws://" + server.socket.Addr().String(),
		Credential:  token,
		CallTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = agent.Close() })

	return &integration{server: server, agent: agent}
}

func TestSocketRoundTrip(t *testing.T) {
	fix := newIntegration(t, echoProcessor{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	card, err := fix.agent.FetchAgentCard(ctx)
	require.NoError(t, err)
	assert.Equal(t, "integration-agent", card.Name)

	ack, err := fix.agent.Connect(ctx)
	require.NoError(t, err)
	assert.Equal(t, "user-1", ack.UserID)

	reply, err := fix.agent.SendText(ctx, "hello out there")
	require.NoError(t, err)
	assert.Equal(t, "done", reply)

	list, err := fix.agent.ListTasks(ctx, a2a.TaskListParams{})
	require.NoError(t, err)
	assert.Equal(t, 1, list.TotalSize)
}

func TestSocketStreaming(t *testing.T) {
	fix := newIntegration(t, echoProcessor{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var mu sync.Mutex
	var events []a2a.Event
	fix.agent.On("onTaskUpdate", func(ctx context.Context, event a2a.Event) error {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
		return nil
	})

	_, err := fix.agent.Connect(ctx)
	require.NoError(t, err)

	task, err := fix.agent.SendMessageStreaming(ctx, a2a.MessageSendParams{
		Message:  *a2a.NewTextMessage(a2a.RoleUser, "stream it"),
		Callback: "onTaskUpdate",
	})
	require.NoError(t, err)
	require.NotEmpty(t, task.ID)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) > 0 && events[len(events)-1].Terminal()
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	for _, event := range events {
		taskID, _ := event.Ref()
		assert.Equal(t, task.ID, taskID)
	}

	last, isStatus := events[len(events)-1].(a2a.TaskStatusUpdateEvent)
	require.True(t, isStatus)
	assert.Equal(t, a2a.TaskStateCompleted, last.Status.State)
}

func TestSocketRefusesCallsBeforeAuthenticate(t *testing.T) {
	fix := newIntegration(t, echoProcessor{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	raw, _, _, err := ws.Dial(ctx, "ws://"+fix.server.socket.Addr().String())
	require.NoError(t, err)
	defer raw.Close()

	frame, err := transport.NewRequest("1", transport.MethodListTasks, map[string]any{})
	require.NoError(t, err)
	payload, err := json.Marshal(frame)
	require.NoError(t, err)
	require.NoError(t, wsutil.WriteClientMessage(raw, ws.OpText, payload))

	data, _, err := wsutil.ReadServerData(raw)
	require.NoError(t, err)

	response, err := transport.Decode(data)
	require.NoError(t, err)
	require.NotNil(t, response.Error)
	assert.Equal(t, errors.CodeUnauthorized, response.Error.Code)
}

func TestSocketDisconnectReleasesSession(t *testing.T) {
	fix := newIntegration(t, echoProcessor{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := fix.agent.Connect(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, fix.server.socket.ConnCount())

	require.NoError(t, fix.agent.Close())

	require.Eventually(t, func() bool {
		return fix.server.socket.ConnCount() == 0
	}, 2*time.Second, 10*time.Millisecond)

	// The same session handle binds the replacement socket.
	_, err = fix.agent.Connect(ctx)
	require.NoError(t, err)

	list, err := fix.agent.ListTasks(ctx, a2a.TaskListParams{})
	require.NoError(t, err)
	assert.Equal(t, 0, list.TotalSize)
}

func TestSocketCancelParkedTask(t *testing.T) {
	fix := newIntegration(t, parkingProcessor{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := fix.agent.Connect(ctx)
	require.NoError(t, err)

	task, err := fix.agent.SendMessage(ctx, a2a.MessageSendParams{
		Message: *a2a.NewTextMessage(a2a.RoleUser, "render the report"),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		current, err := fix.agent.GetTask(ctx, a2a.TaskQueryParams{TaskID: task.ID})
		return err == nil && current.Status.State == a2a.TaskStateInputRequired
	}, 2*time.Second, 10*time.Millisecond)

	canceled, err := fix.agent.CancelTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, a2a.TaskStateCanceled, canceled.Status.State)

	// Canceling twice conflicts, and the error carries the wire code.
	_, err = fix.agent.CancelTask(ctx, task.ID)
	require.Error(t, err)

	var rpcErr *errors.RpcError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, errors.CodeConflict, rpcErr.Code)
}

func TestSocketPushSubscription(t *testing.T) {
	fix := newIntegration(t, parkingProcessor{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var mu sync.Mutex
	var tokens []string
	var states []a2a.TaskState
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var event a2a.TaskStatusUpdateEvent
		if err := json.NewDecoder(r.Body).Decode(&event); err == nil {
			mu.Lock()
			tokens = append(tokens, r.Header.Get("X-Task-Token"))
			states = append(states, event.Status.State)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	_, err := fix.agent.Connect(ctx)
	require.NoError(t, err)

	task, err := fix.agent.SendMessage(ctx, a2a.MessageSendParams{
		Message: *a2a.NewTextMessage(a2a.RoleUser, "render the report"),
	})
	require.NoError(t, err)

	require.NoError(t, fix.agent.SubscribePush(ctx, a2a.PushSubscribeParams{
		TaskID: task.ID,
		Config: &a2a.PushNotificationConfig{
			URL:   hook.URL,
			Token: utils.Ptr("hook-token"),
		},
	}))

	_, err = fix.agent.CancelTask(ctx, task.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) > 0 && states[len(states)-1] == a2a.TaskStateCanceled
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, token := range tokens {
		assert.Equal(t, "hook-token", token)
	}
}
