package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/theapemachine/agentwire/pkg/a2a"
	"github.com/theapemachine/agentwire/pkg/auth"
	"github.com/theapemachine/agentwire/pkg/errors"
	"github.com/theapemachine/agentwire/pkg/metrics"
	"github.com/theapemachine/agentwire/pkg/sanitize"
	"github.com/theapemachine/agentwire/pkg/tasks"
	"github.com/theapemachine/agentwire/pkg/transport"
)

/*
Caller is the identity a dispatch runs under.  A socket connection keeps
one Caller for its whole lifetime, so the SessionID set by a successful
authenticate carries over to every later frame.  The HTTP fallback builds
a throwaway Caller per request with the session taken from the bearer
header and no connection identity at all.
*/
type Caller struct {
	// ConnID names the socket connection; empty on the HTTP fallback
	ConnID string
	// SessionID is the session the caller has presented so far
	SessionID string
	// Invoker pushes update frames back over the caller's connection
	Invoker tasks.Invoker
	// Sink collects streaming handles so a disconnect can dispose of them
	Sink tasks.HandleSink
}

// DispatcherConfig wires a Dispatcher to the components it fronts.
type DispatcherConfig struct {
	Card      *a2a.AgentCard
	Manager   *tasks.Manager
	Sanitizer *sanitize.Sanitizer
	Sessions  *auth.SessionRegistry
	Limiter   *auth.RateLimiter
	Registrar tasks.PushRegistrar
	Metrics   *metrics.Registry
}

/*
Dispatcher routes request frames to their handlers.  Only getAgentCard
and authenticate are reachable without a session; every other method
validates the caller's session, checks its connection binding, and
consumes one rate-limit point for the principal before the handler runs.
*/
type Dispatcher struct {
	cfg DispatcherConfig
}

func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Card == nil {
		return nil, fmt.Errorf("dispatcher needs an agent card")
	}
	if cfg.Manager == nil {
		return nil, fmt.Errorf("dispatcher needs a task manager")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("dispatcher needs a session registry")
	}
	if cfg.Limiter == nil {
		return nil, fmt.Errorf("dispatcher needs a rate limiter")
	}
	if cfg.Sanitizer == nil {
		cfg.Sanitizer = sanitize.New()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewRegistry()
	}
	return &Dispatcher{cfg: cfg}, nil
}

/*
Dispatch answers one request frame.  It never returns nil: every request
gets either a result or an error frame under the same id, so the caller
can always correlate.
*/
func (dispatcher *Dispatcher) Dispatch(
	ctx context.Context, caller *Caller, frame *transport.Frame,
) *transport.Frame {
	result, rpcErr := dispatcher.call(ctx, caller, frame)

	if rpcErr != nil {
		log.Debug(
			"call refused",
			"method", frame.Method,
			"id", frame.ID,
			"code", rpcErr.Code,
		)
		return transport.NewError(frame.ID, rpcErr)
	}

	response, err := transport.NewResult(frame.ID, result)

	if err != nil {
		log.Error("result marshal failed", "method", frame.Method, "error", err)
		return transport.NewError(frame.ID, errors.ErrInternal)
	}

	return response
}

func (dispatcher *Dispatcher) call(
	ctx context.Context, caller *Caller, frame *transport.Frame,
) (any, *errors.RpcError) {
	switch frame.Method {
	case transport.MethodGetAgentCard:
		return dispatcher.cfg.Card, nil
	case transport.MethodAuthenticate:
		return dispatcher.authenticate(caller, frame.Params)
	}

	session, rpcErr := dispatcher.gate(caller)

	if rpcErr != nil {
		return nil, rpcErr
	}

	log.Debug(
		"dispatch",
		"method", frame.Method,
		"user", session.Principal.UserID,
		"connection", caller.ConnID,
	)

	switch frame.Method {
	case transport.MethodSendMessage:
		return tasks.Send(
			ctx, frame.Params, dispatcher.cfg.Sanitizer, dispatcher.cfg.Manager,
		)
	case transport.MethodSendStreaming:
		return tasks.SendStreaming(
			ctx, frame.Params, dispatcher.cfg.Sanitizer, dispatcher.cfg.Manager,
			caller.Invoker, caller.Sink,
		)
	case transport.MethodGetTask:
		return tasks.Get(ctx, frame.Params, dispatcher.cfg.Manager)
	case transport.MethodListTasks:
		return tasks.List(ctx, frame.Params, dispatcher.cfg.Manager)
	case transport.MethodCancelTask:
		return tasks.Cancel(ctx, frame.Params, dispatcher.cfg.Manager)
	case transport.MethodSubscribePush:
		return tasks.SubscribePush(
			ctx, frame.Params, dispatcher.cfg.Manager, dispatcher.cfg.Registrar,
			caller.Invoker, caller.Sink,
		)
	case transport.MethodResubscribe:
		return tasks.Resubscribe(
			ctx, frame.Params, dispatcher.cfg.Manager,
			caller.Invoker, caller.Sink,
		)
	default:
		return nil, errors.ErrMethodNotFound.WithMessagef(
			"unknown method %q", frame.Method,
		)
	}
}

/*
authenticate binds the presented session to the calling connection.  The
handle is single-homed: a session already bound to a live connection
refuses a second one, and the refusal is indistinguishable from an
unknown session so the handle leaks nothing.
*/
func (dispatcher *Dispatcher) authenticate(
	caller *Caller, raw json.RawMessage,
) (any, *errors.RpcError) {
	var params struct {
		SessionID string `json:"sessionId"`
	}

	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, errors.ErrInvalidParams
	}

	if params.SessionID == "" {
		return nil, errors.ErrInvalidParams.WithMessagef("sessionId is required")
	}

	if caller.ConnID == "" {
		return nil, errors.ErrInvalidParams.WithMessagef(
			"authenticate binds a socket connection; HTTP callers present the session as a bearer credential",
		)
	}

	session := dispatcher.cfg.Sessions.Bind(params.SessionID, caller.ConnID)

	if session == nil {
		dispatcher.cfg.Metrics.AuthFailed()
		return nil, errors.ErrSessionNotFound
	}

	caller.SessionID = session.ID

	log.Info(
		"session bound",
		"connection", caller.ConnID,
		"user", session.Principal.UserID,
	)

	return a2a.AuthAck{
		UserID:      session.Principal.UserID,
		Permissions: session.Principal.Permissions,
		ExpiresAt:   session.ExpiresAt,
	}, nil
}

/*
gate admits one authenticated call.  Validate slides the session's idle
clock, so a connection that keeps calling stays alive up to the hard TTL.
The connection-binding check only applies to socket callers: the HTTP
fallback holds the handle as a bearer credential and has no connection
to match.
*/
func (dispatcher *Dispatcher) gate(caller *Caller) (*auth.Session, *errors.RpcError) {
	if caller.SessionID == "" {
		return nil, errors.ErrUnauthorized
	}

	session := dispatcher.cfg.Sessions.Validate(caller.SessionID)

	if session == nil {
		dispatcher.cfg.Metrics.AuthFailed()
		return nil, errors.ErrSessionNotFound
	}

	if caller.ConnID != "" && session.BoundConnection != caller.ConnID {
		dispatcher.cfg.Metrics.AuthFailed()
		return nil, errors.ErrUnauthorized
	}

	ok, retryAfter := dispatcher.cfg.Limiter.Consume(session.Principal.UserID, 1)

	if !ok {
		dispatcher.cfg.Metrics.RateLimitRejected()
		return nil, errors.RateLimited(retryAfter)
	}

	return session, nil
}
