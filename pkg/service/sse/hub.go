package sse

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// feedCapacity bounds each client's buffer: a client that stops reading
// loses events instead of slowing the publisher down.
const feedCapacity = 8

/*
Hub mirrors task update events to any number of server-sent-event clients.
Each event becomes one single-line `data: {json}` message on every attached
feed.  The hub is a debug and observability surface: delivery guarantees
live with the update broker, not here, so slow clients simply miss events.
*/
type Hub struct {
	mu        sync.RWMutex
	clients   map[uint64]chan []byte
	nextID    uint64
	closed    bool
	heartbeat time.Duration
}

func NewHub() *Hub {
	return &Hub{
		clients:   make(map[uint64]chan []byte),
		heartbeat: 25 * time.Second,
	}
}

/*
Attach registers a client and returns its event feed along with a detach
func.  The feed closes on detach and on hub close; a feed from an already
closed hub arrives closed.
*/
func (hub *Hub) Attach() (<-chan []byte, func()) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if hub.closed {
		feed := make(chan []byte)
		close(feed)
		return feed, func() {}
	}

	id := hub.nextID
	hub.nextID++

	feed := make(chan []byte, feedCapacity)
	hub.clients[id] = feed

	return feed, func() { hub.detach(id) }
}

/*
Subscribe serves the feed to one HTTP client as an SSE stream and blocks
until the client disconnects or the hub closes.  Comment heartbeats keep
idle proxies from reaping the connection.
*/
func (hub *Hub) Subscribe(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	feed, detach := hub.Attach()
	defer detach()

	ticker := time.NewTicker(hub.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, open := <-feed:
			if !open {
				return
			}
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(msg)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-ticker.C:
			_, _ = w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()
		}
	}
}

// Broadcast marshals v and hands it to every attached client.  A client
// with a full feed is skipped.
func (hub *Hub) Broadcast(v any) error {
	msg, err := json.Marshal(v)
	if err != nil {
		return err
	}

	hub.mu.RLock()
	defer hub.mu.RUnlock()

	if hub.closed {
		return nil
	}

	for _, feed := range hub.clients {
		select {
		case feed <- msg:
		default:
		}
	}

	return nil
}

// ClientCount reports the attached clients.
func (hub *Hub) ClientCount() int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.clients)
}

// Close disconnects every client and refuses further attachments.
func (hub *Hub) Close() {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if hub.closed {
		return
	}

	hub.closed = true
	for _, feed := range hub.clients {
		close(feed)
	}
	hub.clients = map[uint64]chan []byte{}
}

func (hub *Hub) detach(id uint64) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if feed, attached := hub.clients[id]; attached {
		delete(hub.clients, id)
		close(feed)
	}
}
