package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	// DefaultMaxFrameBytes caps a single inbound frame.  Message-level size
	// limits are enforced again by the sanitizer; this one exists so a peer
	// cannot make us buffer an arbitrarily large payload.
	DefaultMaxFrameBytes = 1 << 20

	// DefaultFrameRate and DefaultFrameBurst guard against a peer flooding
	// the socket with frames faster than any legitimate client would.
	DefaultFrameRate  = rate.Limit(120)
	DefaultFrameBurst = 240
)

var (
	ErrConnClosed     = errors.New("connection closed")
	ErrFrameTooLarge  = errors.New("inbound frame exceeds size limit")
	ErrFlooded        = errors.New("inbound frame rate exceeded")
	ErrMalformedFrame = errors.New("malformed frame")
)

type ConnOption func(*Conn)

func WithMaxFrameBytes(n int64) ConnOption {
	return func(conn *Conn) {
		conn.maxFrame = n
	}
}

func WithFrameRate(perSecond rate.Limit, burst int) ConnOption {
	return func(conn *Conn) {
		conn.limiter = rate.NewLimiter(perSecond, burst)
	}
}

/*
Conn wraps a websocket connection with the framing this protocol speaks:
JSON frames, a single-writer rule for everything outbound, correlation of
server-initiated requests with their responses, and an inbound flood guard.

Exactly one goroutine may call ReadFrame; any number may call WriteFrame
and Invoke.
*/
type Conn struct {
	id    string
	raw   net.Conn
	state ws.State

	writeMu sync.Mutex
	reader  *wsutil.Reader

	maxFrame int64
	limiter  *rate.Limiter

	pending sync.Map // frame id -> chan *Frame
	done    chan struct{}
	once    sync.Once
}

func NewConn(raw net.Conn, state ws.State, options ...ConnOption) *Conn {
	conn := &Conn{
		id:       uuid.New().String(),
		raw:      raw,
		state:    state,
		maxFrame: DefaultMaxFrameBytes,
		limiter:  rate.NewLimiter(DefaultFrameRate, DefaultFrameBurst),
		done:     make(chan struct{}),
	}

	for _, option := range options {
		option(conn)
	}

	conn.reader = wsutil.NewReader(raw, state)
	return conn
}

// ID is the connection's stable identity, used for session binding.
func (conn *Conn) ID() string {
	return conn.id
}

func (conn *Conn) RemoteAddr() string {
	return conn.raw.RemoteAddr().String()
}

// Done closes when the connection is torn down.
func (conn *Conn) Done() <-chan struct{} {
	return conn.done
}

// WriteFrame marshals and writes one frame.  Callers never touch the socket
// directly; the mutex is the single-writer rule.
func (conn *Conn) WriteFrame(frame *Frame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()

	select {
	case <-conn.done:
		return ErrConnClosed
	default:
	}

	return wsutil.WriteMessage(conn.raw, conn.state, ws.OpText, payload)
}

/*
ReadFrame blocks until the next data frame arrives and decodes it.  Control
frames are answered inline; size and rate violations surface as errors so
the read loop can shut the connection down.
*/
func (conn *Conn) ReadFrame() (*Frame, error) {
	for {
		header, err := conn.reader.NextFrame()
		if err != nil {
			return nil, err
		}

		if header.OpCode.IsControl() {
			if err := conn.handleControl(header); err != nil {
				return nil, err
			}
			continue
		}

		if header.OpCode != ws.OpText && header.OpCode != ws.OpBinary {
			if _, err := io.CopyN(io.Discard, conn.reader, header.Length); err != nil {
				return nil, err
			}
			continue
		}

		if !conn.limiter.Allow() {
			return nil, ErrFlooded
		}

		if header.Length > conn.maxFrame {
			return nil, ErrFrameTooLarge
		}

		payload := make([]byte, header.Length)
		if _, err := io.ReadFull(conn.reader, payload); err != nil {
			return nil, err
		}

		return Decode(payload)
	}
}

/*
Invoke sends a server-initiated request and waits for the peer's response.
The read loop must feed inbound responses to Resolve for the wait to end.
*/
func (conn *Conn) Invoke(ctx context.Context, method string, payload any) (*Frame, error) {
	frame, err := NewRequest(uuid.New().String(), method, payload)
	if err != nil {
		return nil, err
	}

	waiter := make(chan *Frame, 1)
	conn.pending.Store(frame.ID, waiter)
	defer conn.pending.Delete(frame.ID)

	if err := conn.WriteFrame(frame); err != nil {
		return nil, err
	}

	select {
	case response := <-waiter:
		if response.Error != nil {
			return nil, response.Error
		}
		return response, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-conn.done:
		return nil, ErrConnClosed
	}
}

// Resolve routes a response frame to the Invoke waiting on it and reports
// whether anything was waiting.
func (conn *Conn) Resolve(frame *Frame) bool {
	waiter, loaded := conn.pending.LoadAndDelete(frame.ID)
	if !loaded {
		return false
	}

	waiter.(chan *Frame) <- frame
	return true
}

func (conn *Conn) Close() error {
	var err error
	conn.once.Do(func() {
		close(conn.done)
		err = conn.raw.Close()
	})
	return err
}

func (conn *Conn) handleControl(header ws.Header) error {
	payload := make([]byte, header.Length)
	if _, err := io.ReadFull(conn.reader, payload); err != nil {
		return err
	}

	switch header.OpCode {
	case ws.OpPing:
		conn.writeMu.Lock()
		defer conn.writeMu.Unlock()
		return wsutil.WriteMessage(conn.raw, conn.state, ws.OpPong, payload)
	case ws.OpClose:
		conn.writeMu.Lock()
		_ = wsutil.WriteMessage(conn.raw, conn.state, ws.OpClose, nil)
		conn.writeMu.Unlock()
		return io.EOF
	}

	return nil
}
