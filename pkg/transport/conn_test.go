package transport

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	rpcerrors "github.com/theapemachine/agentwire/pkg/errors"
)

// pipeConn builds a server-side Conn talking to a raw in-memory peer.  The
// peer plays the client with plain gobwas helpers.
func pipeConn(t *testing.T, options ...ConnOption) (*Conn, net.Conn) {
	t.Helper()

	serverSide, clientSide := net.Pipe()
	conn := NewConn(serverSide, ws.StateServerSide, options...)

	t.Cleanup(func() {
		conn.Close()
		clientSide.Close()
	})

	return conn, clientSide
}

func writeClientFrame(peer net.Conn, frame *Frame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return wsutil.WriteClientMessage(peer, ws.OpText, payload)
}

func TestConnReadsClientFrames(t *testing.T) {
	conn, peer := pipeConn(t)

	go func() {
		request, _ := NewRequest("1", MethodGetAgentCard, nil)
		_ = writeClientFrame(peer, request)
	}()

	frame, err := conn.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "1", frame.ID)
	assert.Equal(t, MethodGetAgentCard, frame.Method)
	assert.True(t, frame.IsRequest())
}

func TestConnWritesServerFrames(t *testing.T) {
	conn, peer := pipeConn(t)

	type readResult struct {
		data []byte
		err  error
	}
	results := make(chan readResult, 1)
	go func() {
		data, _, err := wsutil.ReadServerData(peer)
		results <- readResult{data: data, err: err}
	}()

	require.NoError(t, conn.WriteFrame(NewError("9", rpcerrors.ErrTaskNotFound)))

	res := <-results
	require.NoError(t, res.err)

	frame, err := Decode(res.data)
	require.NoError(t, err)
	assert.Equal(t, "9", frame.ID)
	assert.Equal(t, rpcerrors.CodeNotFound, frame.Error.Code)
}

func TestConnAnswersPing(t *testing.T) {
	conn, peer := pipeConn(t)

	frames := make(chan *Frame, 1)
	go func() {
		frame, err := conn.ReadFrame()
		if err == nil {
			frames <- frame
		}
	}()

	require.NoError(t, wsutil.WriteClientMessage(peer, ws.OpPing, []byte("tick")))

	// The pong echoes the ping payload
	pong, err := ws.ReadFrame(peer)
	require.NoError(t, err)
	assert.Equal(t, ws.OpPong, pong.Header.OpCode)
	assert.Equal(t, []byte("tick"), pong.Payload)

	// Data frames still flow after the control exchange
	request, _ := NewRequest("2", MethodListTasks, nil)
	require.NoError(t, writeClientFrame(peer, request))

	select {
	case frame := <-frames:
		assert.Equal(t, "2", frame.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("data frame never arrived")
	}
}

func TestConnFloodGuard(t *testing.T) {
	conn, peer := pipeConn(t, WithFrameRate(1, 2))

	go func() {
		request, _ := NewRequest("1", MethodListTasks, nil)
		for range 3 {
			if err := writeClientFrame(peer, request); err != nil {
				return
			}
		}
	}()

	_, err := conn.ReadFrame()
	require.NoError(t, err)
	_, err = conn.ReadFrame()
	require.NoError(t, err)

	_, err = conn.ReadFrame()
	assert.ErrorIs(t, err, ErrFlooded)
}

func TestConnFrameSizeCap(t *testing.T) {
	conn, peer := pipeConn(t, WithMaxFrameBytes(16))

	go func() {
		request, _ := NewRequest("1", MethodSendMessage, map[string]string{
			"filler": "way more than sixteen bytes of payload",
		})
		_ = writeClientFrame(peer, request)
	}()

	_, err := conn.ReadFrame()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestConnRejectsMalformedPayload(t *testing.T) {
	conn, peer := pipeConn(t)

	go func() {
		_ = wsutil.WriteClientMessage(peer, ws.OpText, []byte(`{not json`))
	}()

	_, err := conn.ReadFrame()
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestInvokeRoundTrip(t *testing.T) {
	conn, peer := pipeConn(t)

	// Peer answers the first push with a result, the second with an error.
	go func() {
		for {
			data, _, err := wsutil.ReadServerData(peer)
			if err != nil {
				return
			}
			pushed, err := Decode(data)
			if err != nil {
				return
			}

			var response *Frame
			if pushed.Method == "evt-ok" {
				response, _ = NewResult(pushed.ID, map[string]string{"ack": "ok"})
			} else {
				response = NewError(pushed.ID, rpcerrors.ErrInvalidParams)
			}
			if err := writeClientFrame(peer, response); err != nil {
				return
			}
		}
	}()

	// Server read loop feeding responses back to the waiters.
	go func() {
		for {
			frame, err := conn.ReadFrame()
			if err != nil {
				return
			}
			if !frame.IsRequest() {
				conn.Resolve(frame)
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	response, err := conn.Invoke(ctx, "evt-ok", map[string]string{"hello": "world"})
	require.NoError(t, err)

	var ack map[string]string
	require.NoError(t, json.Unmarshal(response.Result, &ack))
	assert.Equal(t, "ok", ack["ack"])

	// An error response surfaces as the RpcError itself
	_, err = conn.Invoke(ctx, "evt-bad", nil)
	require.Error(t, err)
	rpcErr, isRpc := err.(*rpcerrors.RpcError)
	require.True(t, isRpc)
	assert.Equal(t, rpcerrors.CodeInvalidParams, rpcErr.Code)
}

func TestInvokeUnblocksOnClose(t *testing.T) {
	conn, peer := pipeConn(t)

	// Swallow the push so Invoke gets as far as waiting.
	go func() {
		_, _, _ = wsutil.ReadServerData(peer)
	}()

	go func() {
		time.Sleep(20 * time.Millisecond)
		conn.Close()
	}()

	_, err := conn.Invoke(context.Background(), "evt-update", nil)
	assert.ErrorIs(t, err, ErrConnClosed)

	// Writing after close fails fast
	assert.ErrorIs(t, conn.WriteFrame(NewError("x", rpcerrors.ErrInternal)), ErrConnClosed)
}

func TestInvokeHonorsContext(t *testing.T) {
	conn, peer := pipeConn(t)

	go func() {
		_, _, _ = wsutil.ReadServerData(peer)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := conn.Invoke(ctx, "evt-update", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResolveWithoutWaiter(t *testing.T) {
	conn, _ := pipeConn(t)

	stray, err := NewResult("never-asked", map[string]bool{"ok": true})
	require.NoError(t, err)
	assert.False(t, conn.Resolve(stray))
}
