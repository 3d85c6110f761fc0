package service

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gofiber/fiber/v3"
	fiberadaptor "github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/theapemachine/agentwire/pkg/a2a"
	"github.com/theapemachine/agentwire/pkg/auth"
	"github.com/theapemachine/agentwire/pkg/broker"
	"github.com/theapemachine/agentwire/pkg/errors"
	"github.com/theapemachine/agentwire/pkg/metrics"
	"github.com/theapemachine/agentwire/pkg/push"
	"github.com/theapemachine/agentwire/pkg/sanitize"
	"github.com/theapemachine/agentwire/pkg/service/sse"
	"github.com/theapemachine/agentwire/pkg/stores"
	"github.com/theapemachine/agentwire/pkg/tasks"
	"github.com/theapemachine/agentwire/pkg/transport"
)

// ServerConfig assembles one agent endpoint.  Card, Validator and
// Processor have no useful defaults and must be supplied.
type ServerConfig struct {
	Card      *a2a.AgentCard
	Addr      string
	Socket    SocketConfig
	Validator *auth.TokenValidator

	Store     stores.TaskStore
	Processor tasks.TaskProcessor
	Sanitizer *sanitize.Sanitizer

	// Sessions tunes handle lifetime (SESSION_TIMEOUT)
	Sessions auth.RegistryConfig
	// TrafficLimit is the per-principal RPC budget
	TrafficLimit auth.LimiterConfig
	// AuthLimit is the per-IP credential exchange budget, tighter than
	// the traffic budget
	AuthLimit auth.LimiterConfig
	// Push tunes webhook delivery
	Push push.Config
	// QueueCapacity bounds each update subscriber's queue
	QueueCapacity int
	// MonitoringTimeout caps how long an update stream waits for a
	// terminal event
	MonitoringTimeout time.Duration
}

func (cfg ServerConfig) withDefaults() ServerConfig {
	if cfg.Addr == "" {
		cfg.Addr = ":3210"
	}
	if cfg.Store == nil {
		cfg.Store = stores.NewInMemoryTaskStore()
	}
	if cfg.Sanitizer == nil {
		cfg.Sanitizer = sanitize.New()
	}
	if cfg.AuthLimit.Points == 0 {
		cfg.AuthLimit = auth.LimiterConfig{
			Points:        10,
			Duration:      time.Minute,
			BlockDuration: 5 * time.Minute,
		}
	}
	return cfg
}

/*
Server is the composition root: it owns the HTTP app, the socket
listener, and every shared component between them.  The HTTP side issues
sessions and serves the card, health, metrics, the SSE mirror, and a
non-streaming RPC fallback; everything interactive runs over the socket.
*/
type Server struct {
	cfg ServerConfig

	app       *fiber.App
	metrics   *metrics.Registry
	hub       *sse.Hub
	sessions  *auth.SessionRegistry
	limiter   *auth.RateLimiter
	authGuard *auth.RateLimiter

	manager    *tasks.Manager
	pusher     *push.Service
	dispatcher *Dispatcher
	socket     *SocketServer

	started time.Time
}

func NewServer(cfg ServerConfig) (*Server, error) {
	cfg = cfg.withDefaults()

	if cfg.Card == nil {
		return nil, fmt.Errorf("server needs an agent card")
	}
	if cfg.Validator == nil {
		return nil, fmt.Errorf("server needs a token validator")
	}
	if cfg.Processor == nil {
		return nil, fmt.Errorf("server needs a task processor")
	}

	server := &Server{
		cfg:     cfg,
		metrics: metrics.NewRegistry(),
		hub:     sse.NewHub(),
	}

	updates := broker.NewUpdateBroker(broker.BrokerConfig{
		QueueCapacity: cfg.QueueCapacity,
		Snapshot: func(ctx context.Context, taskID string) (*a2a.Task, *errors.RpcError) {
			return cfg.Store.Get(ctx, taskID, -1)
		},
		Tap:    server.observe,
		OnDrop: server.metrics.EventDropped,
	})

	pushCfg := cfg.Push
	pushCfg.OnDelivered = server.metrics.PushDelivered
	pushCfg.OnFailed = server.metrics.PushFailed
	server.pusher = push.NewService(updates, pushCfg)

	options := []tasks.ManagerOption{
		tasks.WithStore(cfg.Store),
		tasks.WithBroker(updates),
		tasks.WithProcessor(cfg.Processor),
		tasks.WithPushBinder(func(taskID string, config a2a.PushNotificationConfig) {
			if rpcErr := server.pusher.Register(context.Background(), taskID, config); rpcErr != nil {
				log.Warn("push binding refused", "task", taskID, "code", rpcErr.Code)
			}
		}),
	}
	if cfg.MonitoringTimeout > 0 {
		options = append(options, tasks.WithMonitoringTimeout(cfg.MonitoringTimeout))
	}

	manager, err := tasks.NewManager(cfg.Card, options...)
	if err != nil {
		return nil, err
	}
	server.manager = manager

	server.sessions = auth.NewSessionRegistry(cfg.Sessions)
	server.limiter = auth.NewRateLimiter(cfg.TrafficLimit)
	server.authGuard = auth.NewRateLimiter(cfg.AuthLimit)

	server.metrics.RegisterSessionsProbe(server.sessions.Count)
	server.metrics.RegisterTasksProbe(func() int {
		list, rpcErr := cfg.Store.List(context.Background(), a2a.TaskListParams{PageSize: 1})
		if rpcErr != nil {
			return 0
		}
		return list.TotalSize
	})

	dispatcher, err := NewDispatcher(DispatcherConfig{
		Card:      cfg.Card,
		Manager:   manager,
		Sanitizer: cfg.Sanitizer,
		Sessions:  server.sessions,
		Limiter:   server.limiter,
		Registrar: server.pusher,
		Metrics:   server.metrics,
	})
	if err != nil {
		return nil, err
	}
	server.dispatcher = dispatcher
	server.socket = NewSocketServer(cfg.Socket, dispatcher)

	server.app = fiber.New(fiber.Config{
		AppName:           cfg.Card.Name,
		ServerHeader:      "AgentWire-Server",
		StreamRequestBody: true,
	})
	server.routes()
	server.started = time.Now()

	return server, nil
}

// observe is the broker tap: it mirrors every task event onto the SSE
// feed and keeps the event counters honest.
func (server *Server) observe(event a2a.Event) {
	server.metrics.EventPublished()

	if status, ok := event.(a2a.TaskStatusUpdateEvent); ok {
		server.metrics.TaskEntered(string(status.Status.State))
	}

	if err := server.hub.Broadcast(event); err != nil {
		log.Debug("event mirror failed", "error", err)
	}
}

func (server *Server) routes() {
	server.app.Use(logger.New(logger.Config{
		// Skip logging for the streaming endpoints to reduce noise
		Next: func(c fiber.Ctx) bool {
			return c.Path() == "/events" || c.Path() == "/metrics"
		},
	}), healthcheck.New())

	server.app.Get("/", server.handleRoot)
	server.app.Get("/.well-known/agent.json", server.handleAgentCard)
	server.app.Post("/a2a/auth", server.handleAuth)
	server.app.Get("/health", server.handleHealth)
	server.app.Post("/rpc", server.handleRPC)
	server.app.Get("/events", server.handleEvents)
	server.app.Get("/metrics", server.handleMetrics)
}

// Start boots the socket listener and blocks serving HTTP until Shutdown.
func (server *Server) Start() error {
	if err := server.socket.Start(); err != nil {
		return err
	}

	log.Info("http listening", "addr", server.cfg.Addr)

	return server.app.Listen(
		server.cfg.Addr, fiber.ListenConfig{DisableStartupMessage: true},
	)
}

// Shutdown stops both listeners and releases every owned component.
func (server *Server) Shutdown(ctx context.Context) error {
	server.socket.Shutdown()

	err := server.app.ShutdownWithContext(ctx)

	if managerErr := server.manager.Shutdown(ctx); managerErr != nil && err == nil {
		err = managerErr
	}

	server.pusher.Stop()
	server.hub.Close()
	server.sessions.Stop()
	server.limiter.Stop()
	server.authGuard.Stop()

	return err
}

func (server *Server) handleRoot(ctx fiber.Ctx) error {
	return ctx.SendString("OK")
}

func (server *Server) handleAgentCard(ctx fiber.Ctx) error {
	return ctx.JSON(server.cfg.Card)
}

/*
handleAuth exchanges a bearer credential for a session.  Attempts are
budgeted per client IP before the credential is even looked at, so a
brute-force run burns its budget on rejections.
*/
func (server *Server) handleAuth(ctx fiber.Ctx) error {
	if ok, retryAfter := server.authGuard.Consume(ctx.IP(), 1); !ok {
		server.metrics.RateLimitRejected()
		secs := int(retryAfter.Round(time.Second).Seconds())
		if secs < 1 {
			secs = 1
		}
		ctx.Set("Retry-After", strconv.Itoa(secs))
		return ctx.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"error": fiber.Map{
				"code":    errors.CodeRateLimited,
				"message": "Too many authentication attempts",
			},
		})
	}

	credential := bearerToken(ctx.Get("Authorization"))
	if credential == "" {
		return unauthorized(ctx, "missing bearer credential")
	}

	principal, refusal := server.cfg.Validator.Validate(credential)
	if refusal != nil {
		server.metrics.AuthFailed()
		log.Warn("credential refused", "kind", refusal.Kind, "ip", ctx.IP())
		return unauthorized(ctx, "invalid credential")
	}

	session := server.sessions.CreateSession(*principal)

	log.Info("session issued", "user", principal.UserID, "ip", ctx.IP())

	return ctx.JSON(a2a.AuthGrant{
		SessionID:   session.ID,
		ExpiresIn:   int(time.Until(session.ExpiresAt).Seconds()),
		UserID:      principal.UserID,
		Permissions: principal.Permissions,
	})
}

type healthReport struct {
	Status    string    `json:"status"`
	Uptime    string    `json:"uptime"`
	Timestamp time.Time `json:"timestamp"`
	Tasks     int       `json:"tasks"`
	Sessions  int       `json:"sessions"`
}

func (server *Server) handleHealth(ctx fiber.Ctx) error {
	total := 0
	if list, rpcErr := server.cfg.Store.List(
		ctx, a2a.TaskListParams{PageSize: 1},
	); rpcErr == nil {
		total = list.TotalSize
	}

	return ctx.JSON(healthReport{
		Status:    "healthy",
		Uptime:    time.Since(server.started).Round(time.Second).String(),
		Timestamp: time.Now().UTC(),
		Tasks:     total,
		Sessions:  server.sessions.Count(),
	})
}

/*
handleRPC is the non-streaming fallback: one request frame per POST, the
session presented as a bearer header instead of a socket binding.  Methods
that need a callback channel refuse this path on their own.
*/
func (server *Server) handleRPC(ctx fiber.Ctx) error {
	frame, err := transport.Decode(ctx.Body())
	if err != nil {
		return ctx.Status(fiber.StatusBadRequest).JSON(transport.NewError(
			"", errors.ErrInvalidParams.WithMessagef("malformed frame: %v", err),
		))
	}

	if !frame.IsRequest() {
		return ctx.Status(fiber.StatusBadRequest).JSON(transport.NewError(
			frame.ID, errors.ErrInvalidParams.WithMessagef("expected a request frame"),
		))
	}

	caller := &Caller{SessionID: bearerToken(ctx.Get("Authorization"))}

	return ctx.JSON(server.dispatcher.Dispatch(ctx, caller, frame))
}

// handleEvents serves the read-only SSE mirror of the update stream.  The
// hub holds the connection open and flushes each event as it lands, so the
// route goes through the net/http adaptor like /metrics does.
func (server *Server) handleEvents(ctx fiber.Ctx) error {
	return fiberadaptor.HTTPHandler(http.HandlerFunc(server.hub.Subscribe))(ctx)
}

func (server *Server) handleMetrics(ctx fiber.Ctx) error {
	return fiberadaptor.HTTPHandler(server.metrics.Handler())(ctx)
}

// bearerToken strips the Bearer scheme off an Authorization header.
func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func unauthorized(ctx fiber.Ctx, message string) error {
	ctx.Set("WWW-Authenticate", `Bearer realm="a2a"`)
	return ctx.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    errors.CodeUnauthorized,
			"message": message,
		},
	})
}
