package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gobwas/ws"
	"github.com/theapemachine/agentwire/pkg/a2a"
	"github.com/theapemachine/agentwire/pkg/errors"
	"github.com/theapemachine/agentwire/pkg/transport"
)

// EventHandler consumes one pushed update event.  Returning an error tells
// the server the delivery failed, which detaches the stream behind the
// capability.
type EventHandler func(ctx context.Context, event a2a.Event) error

// Config points an AgentClient at one remote agent.
type Config struct {
	// BaseURL is the agent's HTTP origin, used for the credential
	// exchange, the public card, and the non-streaming fallback
	BaseURL string
	// SocketURL is the duplex endpoint, e.g. ws://host:3211
	SocketURL string
	// Credential is the bearer credential exchanged for a session
	Credential string
	// CallTimeout bounds one request/response round-trip
	CallTimeout time.Duration
	// HTTPClient overrides the default client for the HTTP side
	HTTPClient *http.Client
}

func (cfg Config) withDefaults() Config {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return cfg
}

/*
AgentClient talks to one remote agent over its duplex socket.  The usual
sequence is Authenticate (HTTP credential exchange), On for every callback
capability the client intends to receive, then Connect, then calls.

The client answers server pushes itself: inbound request frames are routed
to the registered handler and acknowledged, inbound responses are matched
to their waiting call.  One client drives one connection; calls from any
goroutine are safe.
*/
type AgentClient struct {
	cfg Config

	mu       sync.RWMutex
	grant    *a2a.AuthGrant
	conn     *transport.Conn
	handlers map[string]EventHandler
}

func NewAgentClient(cfg Config) (*AgentClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("client needs a base url")
	}
	if cfg.SocketURL == "" {
		return nil, fmt.Errorf("client needs a socket url")
	}

	return &AgentClient{
		cfg:      cfg.withDefaults(),
		handlers: map[string]EventHandler{},
	}, nil
}

// FetchAgentCard reads the public card; no session is involved.
func (client *AgentClient) FetchAgentCard(ctx context.Context) (*a2a.AgentCard, error) {
	request, err := http.NewRequestWithContext(
		ctx, http.MethodGet, client.cfg.BaseURL+"/.well-known/agent.json", nil,
	)
	if err != nil {
		return nil, fmt.Errorf("build card request: %w", err)
	}

	response, err := client.cfg.HTTPClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("fetch card: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch card: %s", response.Status)
	}

	var card a2a.AgentCard
	if err := json.NewDecoder(response.Body).Decode(&card); err != nil {
		return nil, fmt.Errorf("decode card: %w", err)
	}

	return &card, nil
}

// Authenticate exchanges the configured credential for a session handle.
func (client *AgentClient) Authenticate(ctx context.Context) (*a2a.AuthGrant, error) {
	request, err := http.NewRequestWithContext(
		ctx, http.MethodPost, client.cfg.BaseURL+"/a2a/auth", nil,
	)
	if err != nil {
		return nil, fmt.Errorf("build auth request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+client.cfg.Credential)

	response, err := client.cfg.HTTPClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("credential exchange: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("credential exchange refused: %s", response.Status)
	}

	var grant a2a.AuthGrant
	if err := json.NewDecoder(response.Body).Decode(&grant); err != nil {
		return nil, fmt.Errorf("decode grant: %w", err)
	}

	client.mu.Lock()
	client.grant = &grant
	client.mu.Unlock()

	log.Debug("session issued", "user", grant.UserID, "expiresIn", grant.ExpiresIn)

	return &grant, nil
}

// On registers the handler for a callback capability.  Register before
// Connect; a push for an unregistered capability is answered with an
// error, which ends its stream.
func (client *AgentClient) On(capability string, handler EventHandler) {
	client.mu.Lock()
	client.handlers[capability] = handler
	client.mu.Unlock()
}

/*
Connect dials the socket and binds the session to it.  When Authenticate
has not been called yet it runs first, so a fully configured client can
connect in one step.
*/
func (client *AgentClient) Connect(ctx context.Context) (*a2a.AuthAck, error) {
	client.mu.RLock()
	grant := client.grant
	client.mu.RUnlock()

	if grant == nil {
		var err error
		if grant, err = client.Authenticate(ctx); err != nil {
			return nil, err
		}
	}

	raw, _, _, err := ws.Dial(ctx, client.cfg.SocketURL)
	if err != nil {
		return nil, fmt.Errorf("socket dial: %w", err)
	}

	conn := transport.NewConn(raw, ws.StateClientSide)

	client.mu.Lock()
	if client.conn != nil {
		client.mu.Unlock()
		_ = conn.Close()
		return nil, fmt.Errorf("already connected")
	}
	client.conn = conn
	client.mu.Unlock()

	go client.readLoop(conn)

	callCtx, cancel := context.WithTimeout(ctx, client.cfg.CallTimeout)
	defer cancel()

	response, err := conn.Invoke(
		callCtx, transport.MethodAuthenticate,
		map[string]string{"sessionId": grant.SessionID},
	)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("bind session: %w", err)
	}

	var ack a2a.AuthAck
	if err := json.Unmarshal(response.Result, &ack); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("decode bind ack: %w", err)
	}

	log.Info("socket bound", "user", ack.UserID)

	return &ack, nil
}

// Connected reports whether a socket is currently up.
func (client *AgentClient) Connected() bool {
	client.mu.RLock()
	defer client.mu.RUnlock()

	return client.conn != nil
}

// Close tears the socket down.  The session itself survives until it
// expires server-side, so a reconnect can bind it again.
func (client *AgentClient) Close() error {
	client.mu.Lock()
	conn := client.conn
	client.conn = nil
	client.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

/*
Call performs one round-trip over the socket.  A server-side refusal comes
back as the wire's *errors.RpcError, so callers can branch on its Code.
*/
func (client *AgentClient) Call(
	ctx context.Context, method string, params, result any,
) error {
	client.mu.RLock()
	conn := client.conn
	client.mu.RUnlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	ctx, cancel := context.WithTimeout(ctx, client.cfg.CallTimeout)
	defer cancel()

	response, err := conn.Invoke(ctx, method, params)
	if err != nil {
		return err
	}

	if result == nil {
		return nil
	}

	if err := json.Unmarshal(response.Result, result); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}

	return nil
}

// GetAgentCard reads the card over the socket.
func (client *AgentClient) GetAgentCard(ctx context.Context) (*a2a.AgentCard, error) {
	var card a2a.AgentCard
	if err := client.Call(ctx, transport.MethodGetAgentCard, nil, &card); err != nil {
		return nil, err
	}
	return &card, nil
}

// SendMessage creates or resumes a task with one message.
func (client *AgentClient) SendMessage(
	ctx context.Context, params a2a.MessageSendParams,
) (*a2a.Task, error) {
	var task a2a.Task
	if err := client.Call(ctx, transport.MethodSendMessage, params, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// SendMessageStreaming is SendMessage plus a live update stream delivered
// to the callback capability named in params.
func (client *AgentClient) SendMessageStreaming(
	ctx context.Context, params a2a.MessageSendParams,
) (*a2a.Task, error) {
	var task a2a.Task
	if err := client.Call(ctx, transport.MethodSendStreaming, params, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// GetTask reads one task.
func (client *AgentClient) GetTask(
	ctx context.Context, query a2a.TaskQueryParams,
) (*a2a.Task, error) {
	var task a2a.Task
	if err := client.Call(ctx, transport.MethodGetTask, query, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// ListTasks pages through the agent's task collection.
func (client *AgentClient) ListTasks(
	ctx context.Context, params a2a.TaskListParams,
) (*a2a.TaskList, error) {
	var list a2a.TaskList
	if err := client.Call(ctx, transport.MethodListTasks, params, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// CancelTask requests cancellation and returns the canceled snapshot.
func (client *AgentClient) CancelTask(ctx context.Context, taskID string) (*a2a.Task, error) {
	var task a2a.Task
	err := client.Call(
		ctx, transport.MethodCancelTask, map[string]string{"taskId": taskID}, &task,
	)
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// Resubscribe re-attaches a callback capability to an existing task's
// update stream, typically after a reconnect.
func (client *AgentClient) Resubscribe(
	ctx context.Context, taskID, capability string,
) error {
	return client.Call(ctx, transport.MethodResubscribe, map[string]string{
		"taskId":   taskID,
		"callback": capability,
	}, nil)
}

// SubscribePush binds a webhook config, a callback capability, or both to
// a task's update stream.
func (client *AgentClient) SubscribePush(
	ctx context.Context, params a2a.PushSubscribeParams,
) error {
	return client.Call(ctx, transport.MethodSubscribePush, params, nil)
}

/*
SendText is the text-in, text-out convenience: send one user message, wait
for the task to finish, return the agent's reply.  It polls rather than
streams so it also works before any capability is registered.
*/
func (client *AgentClient) SendText(ctx context.Context, text string) (string, error) {
	task, err := client.SendMessage(ctx, a2a.MessageSendParams{
		Message: *a2a.NewTextMessage(a2a.RoleUser, text),
	})
	if err != nil {
		return "", err
	}

	for !task.Status.State.Final() {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}

		task, err = client.GetTask(ctx, a2a.TaskQueryParams{TaskID: task.ID})
		if err != nil {
			return "", err
		}
	}

	if task.Status.State != a2a.TaskStateCompleted {
		return "", fmt.Errorf("task ended in state %s", task.Status.State)
	}

	return lastAgentText(task), nil
}

// lastAgentText digs the reply out of a finished task: artifacts first,
// then the history from newest to oldest.
func lastAgentText(task *a2a.Task) string {
	for _, artifact := range task.Artifacts {
		for _, part := range artifact.Parts {
			if part.Kind == a2a.PartKindText && part.Text != "" {
				return part.Text
			}
		}
	}

	for i := len(task.History) - 1; i >= 0; i-- {
		message := task.History[i]
		if message.Role != a2a.RoleAgent {
			continue
		}
		for _, part := range message.Parts {
			if part.Kind == a2a.PartKindText && part.Text != "" {
				return part.Text
			}
		}
	}

	return ""
}

func (client *AgentClient) readLoop(conn *transport.Conn) {
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			_ = conn.Close()

			client.mu.Lock()
			if client.conn == conn {
				client.conn = nil
			}
			client.mu.Unlock()
			return
		}

		if frame.IsRequest() {
			go client.answerPush(conn, frame)
			continue
		}

		if !conn.Resolve(frame) {
			log.Debug("response without a waiter", "id", frame.ID)
		}
	}
}

// answerPush routes one server push to its capability handler and writes
// the acknowledgement the server is waiting on.
func (client *AgentClient) answerPush(conn *transport.Conn, frame *transport.Frame) {
	client.mu.RLock()
	handler := client.handlers[frame.Method]
	client.mu.RUnlock()

	if handler == nil {
		_ = conn.WriteFrame(transport.NewError(
			frame.ID, errors.ErrMethodNotFound.WithMessagef(
				"no handler registered for capability %q", frame.Method,
			),
		))
		return
	}

	event, err := a2a.DecodeEvent(frame.Params)
	if err != nil {
		_ = conn.WriteFrame(transport.NewError(
			frame.ID, errors.ErrInvalidParams.WithMessagef("undecodable event: %v", err),
		))
		return
	}

	if err := handler(context.Background(), event); err != nil {
		_ = conn.WriteFrame(transport.NewError(frame.ID, errors.Internal(err)))
		return
	}

	ack, err := transport.NewResult(frame.ID, map[string]bool{"delivered": true})
	if err != nil {
		return
	}
	_ = conn.WriteFrame(ack)
}
