package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gobwas/ws"
	"github.com/theapemachine/agentwire/pkg/a2a"
	"github.com/theapemachine/agentwire/pkg/auth"
	"github.com/theapemachine/agentwire/pkg/metrics"
	"github.com/theapemachine/agentwire/pkg/tasks"
	"github.com/theapemachine/agentwire/pkg/transport"
)

// SocketConfig tunes the WebSocket listener.
type SocketConfig struct {
	// Addr is the TCP address the socket endpoint binds (SOCKET_PORT)
	Addr string
	// HandshakeTimeout bounds the HTTP upgrade on a fresh TCP connection
	HandshakeTimeout time.Duration
	// PushTimeout bounds one server-to-client callback round-trip
	PushTimeout time.Duration
	// ConnOptions forwards frame-size and flood-guard tuning
	ConnOptions []transport.ConnOption
}

func (cfg SocketConfig) withDefaults() SocketConfig {
	if cfg.Addr == "" {
		cfg.Addr = ":3211"
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = 10 * time.Second
	}
	return cfg
}

/*
SocketServer owns the duplex WebSocket endpoint.  Each accepted TCP
connection is upgraded, wrapped in a transport.Conn, and served by one
read loop: requests go through the dispatcher, responses to the server's
own pushes are routed back to the Invoke waiting on them.

A disconnect tears down everything the connection owned.  Its streaming
handles are disposed, its session binding is released so a reconnecting
client can authenticate again, and the connection is dropped from the
shutdown set.
*/
type SocketServer struct {
	cfg        SocketConfig
	dispatcher *Dispatcher
	sessions   *auth.SessionRegistry
	metrics    *metrics.Registry

	mu       sync.Mutex
	listener net.Listener
	conns    map[string]*transport.Conn
	closed   bool

	wg sync.WaitGroup
}

func NewSocketServer(cfg SocketConfig, dispatcher *Dispatcher) *SocketServer {
	return &SocketServer{
		cfg:        cfg.withDefaults(),
		dispatcher: dispatcher,
		sessions:   dispatcher.cfg.Sessions,
		metrics:    dispatcher.cfg.Metrics,
		conns:      map[string]*transport.Conn{},
	}
}

// Start binds the listener and accepts connections until Shutdown.
func (server *SocketServer) Start() error {
	server.mu.Lock()
	if server.listener != nil || server.closed {
		server.mu.Unlock()
		return fmt.Errorf("socket server already started")
	}

	listener, err := net.Listen("tcp", server.cfg.Addr)
	if err != nil {
		server.mu.Unlock()
		return fmt.Errorf("socket listen: %w", err)
	}

	server.listener = listener
	server.mu.Unlock()

	log.Info("socket listening", "addr", listener.Addr().String())

	server.wg.Add(1)
	go server.acceptLoop(listener)

	return nil
}

// Addr reports the bound address, so tests can listen on port zero.
func (server *SocketServer) Addr() net.Addr {
	server.mu.Lock()
	defer server.mu.Unlock()

	if server.listener == nil {
		return nil
	}
	return server.listener.Addr()
}

// ConnCount reports how many connections are currently open.
func (server *SocketServer) ConnCount() int {
	server.mu.Lock()
	defer server.mu.Unlock()

	return len(server.conns)
}

// Shutdown closes the listener and every open connection, then waits for
// the read loops to drain.
func (server *SocketServer) Shutdown() {
	server.mu.Lock()
	if server.closed {
		server.mu.Unlock()
		return
	}
	server.closed = true
	listener := server.listener
	conns := make([]*transport.Conn, 0, len(server.conns))
	for _, conn := range server.conns {
		conns = append(conns, conn)
	}
	server.mu.Unlock()

	if listener != nil {
		_ = listener.Close()
	}
	for _, conn := range conns {
		_ = conn.Close()
	}

	server.wg.Wait()
}

func (server *SocketServer) acceptLoop(listener net.Listener) {
	defer server.wg.Done()

	for {
		raw, err := listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Error("accept failed", "error", err)
			}
			return
		}

		server.wg.Add(1)
		go func(raw net.Conn) {
			defer server.wg.Done()
			server.handle(raw)
		}(raw)
	}
}

/*
handle upgrades one TCP connection and serves it to completion.  The
handshake runs under a deadline so a silent client cannot hold the
goroutine; a served connection has no deadline and lives until either
side closes.
*/
func (server *SocketServer) handle(raw net.Conn) {
	if err := raw.SetDeadline(time.Now().Add(server.cfg.HandshakeTimeout)); err != nil {
		_ = raw.Close()
		return
	}

	if _, err := ws.Upgrade(raw); err != nil {
		log.Debug("upgrade failed", "remote", raw.RemoteAddr(), "error", err)
		_ = raw.Close()
		return
	}

	_ = raw.SetDeadline(time.Time{})

	conn := transport.NewConn(raw, ws.StateServerSide, server.cfg.ConnOptions...)

	server.mu.Lock()
	if server.closed {
		server.mu.Unlock()
		_ = conn.Close()
		return
	}
	server.conns[conn.ID()] = conn
	server.mu.Unlock()

	server.metrics.ConnOpened()
	log.Info("connection open", "connection", conn.ID(), "remote", conn.RemoteAddr())

	server.serve(conn)
}

func (server *SocketServer) serve(conn *transport.Conn) {
	streams := &streamSet{}
	caller := &Caller{
		ConnID:  conn.ID(),
		Invoker: &connInvoker{conn: conn, timeout: server.cfg.PushTimeout},
		Sink:    streams.keep,
	}

	defer func() {
		streams.dispose()
		server.sessions.ReleaseConnection(conn.ID())

		server.mu.Lock()
		delete(server.conns, conn.ID())
		server.mu.Unlock()

		_ = conn.Close()
		server.metrics.ConnClosed()
		log.Info("connection closed", "connection", conn.ID())
	}()

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, transport.ErrConnClosed) {
				log.Debug("read ended", "connection", conn.ID(), "error", err)
			}
			return
		}

		server.metrics.FrameRead()

		if !frame.IsRequest() {
			if !conn.Resolve(frame) {
				log.Debug("stray response", "connection", conn.ID(), "id", frame.ID)
			}
			continue
		}

		response := server.dispatcher.Dispatch(context.Background(), caller, frame)

		if err := conn.WriteFrame(response); err != nil {
			return
		}

		server.metrics.FrameWritten()
	}
}

/*
connInvoker pushes update events to the client as request frames on the
connection and waits for the acknowledgement, under a timeout so a client
that stops answering sheds its stream instead of pinning the broker's
delivery goroutine.
*/
type connInvoker struct {
	conn    *transport.Conn
	timeout time.Duration
}

func (invoker *connInvoker) Invoke(
	ctx context.Context, capability string, event a2a.Event,
) error {
	ctx, cancel := context.WithTimeout(ctx, invoker.timeout)
	defer cancel()

	_, err := invoker.conn.Invoke(ctx, capability, event)
	return err
}

// streamSet collects the streaming handles a connection owns so a
// disconnect can dispose of all of them at once.
type streamSet struct {
	mu      sync.Mutex
	handles []*tasks.StreamingTaskHandle
}

func (set *streamSet) keep(handle *tasks.StreamingTaskHandle) {
	set.mu.Lock()
	set.handles = append(set.handles, handle)
	set.mu.Unlock()
}

func (set *streamSet) dispose() {
	set.mu.Lock()
	handles := set.handles
	set.handles = nil
	set.mu.Unlock()

	for _, handle := range handles {
		handle.Dispose()
	}
}
