package sse

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/theapemachine/agentwire/pkg/a2a"
)

// Event is one server-sent event as read off the wire.
type Event struct {
	ID   string
	Name string
	Data []byte
}

// Config tunes a mirror tail.  URL is required, everything else has a
// workable default.
type Config struct {
	URL        string
	Header     http.Header
	Retries    int           // consecutive reconnect attempts before giving up
	RetryDelay time.Duration // backoff base, doubled per attempt
	HTTPClient *http.Client
}

/*
Client tails a server's live event mirror.  The mirror is lossy on the
server side, so the client takes the same stance: a dropped connection
reconnects with exponential backoff and whatever was missed stays missed.
*/
type Client struct {
	cfg Config
}

func NewClient(cfg Config) *Client {
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}

	return &Client{cfg: cfg}
}

/*
Tail connects to the mirror and hands every event to handler until ctx
ends.  Dropped connections reconnect; the retry budget only resets once a
connection produces traffic, so a server that accepts and immediately
hangs up still exhausts it.  Tail never returns nil.
*/
func (client *Client) Tail(ctx context.Context, handler func(Event)) error {
	attempt := 0

	backoff := func(cause error) error {
		if attempt >= client.cfg.Retries {
			return fmt.Errorf("mirror unreachable after %d attempts: %w", attempt+1, cause)
		}

		delay := client.cfg.RetryDelay * time.Duration(1<<attempt)
		attempt++

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
			return nil
		}
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		body, err := client.connect(ctx)
		if err != nil {
			if err := backoff(err); err != nil {
				return err
			}
			continue
		}

		frames, err := client.read(ctx, body, handler)
		body.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if frames > 0 {
			attempt = 0
			continue
		}

		// An accepted connection that never produced a frame counts
		// against the budget like a refused one.
		if err := backoff(err); err != nil {
			return err
		}
	}
}

// TailUpdates decodes each payload as a task update event.  Heartbeats and
// payloads that do not decode are skipped.
func (client *Client) TailUpdates(ctx context.Context, handler func(a2a.Event)) error {
	return client.Tail(ctx, func(ev Event) {
		event, err := a2a.DecodeEvent(ev.Data)
		if err != nil {
			return
		}
		handler(event)
	})
}

func (client *Client) connect(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, client.cfg.URL, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for key, values := range client.cfg.Header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	resp, err := client.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return resp.Body, nil
}

/*
read parses events off one connection until it drops or ctx ends,
reporting how many frames (events and heartbeat comments) arrived so the
caller can tell a healthy-then-dropped stream from a dead one.
*/
func (client *Client) read(ctx context.Context, body io.ReadCloser, handler func(Event)) (int, error) {
	// Closing the body is the only way to unblock a pending read.
	unhook := context.AfterFunc(ctx, func() { body.Close() })
	defer unhook()

	reader := bufio.NewReader(body)
	frames := 0

	var (
		event Event
		data  strings.Builder
		open  bool
	)

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return frames, err
		}

		line = strings.TrimRight(line, "\r\n")

		// A blank line terminates the pending event.
		if line == "" {
			if open {
				event.Data = []byte(data.String())
				handler(event)
				frames++

				event = Event{}
				data.Reset()
				open = false
			}
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
			// Heartbeat comment.
			frames++
		case strings.HasPrefix(line, "id:"):
			open = true
			event.ID = strings.TrimSpace(line[len("id:"):])
		case strings.HasPrefix(line, "event:"):
			open = true
			event.Name = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			open = true
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}
