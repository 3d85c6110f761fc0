package sse

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"github.com/theapemachine/agentwire/pkg/a2a"
)

func collect(t *testing.T, events <-chan Event) Event {
	t.Helper()

	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event within deadline")
		return Event{}
	}
}

func TestTail(t *testing.T) {
	Convey("Given a mirror that streams two events and a heartbeat", t, func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")

			fmt.Fprint(w, ": heartbeat\n\n")
			fmt.Fprint(w, "data: {\"kind\":\"status-update\"}\n\n")
			fmt.Fprint(w, "id: 7\nevent: update\ndata: one\ndata: two\n\n")
			w.(http.Flusher).Flush()

			<-r.Context().Done()
		}))
		defer server.Close()

		events := make(chan Event, 4)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		done := make(chan error, 1)
		client := NewClient(Config{URL: server.URL})

		go func() { done <- client.Tail(ctx, func(ev Event) { events <- ev }) }()

		Convey("Then both events arrive, the heartbeat silently", func() {
			first := collect(t, events)
			So(string(first.Data), ShouldEqual, `{"kind":"status-update"}`)
			So(first.ID, ShouldBeEmpty)

			second := collect(t, events)
			So(second.ID, ShouldEqual, "7")
			So(second.Name, ShouldEqual, "update")
			So(string(second.Data), ShouldEqual, "one\ntwo")

			cancel()
			So(<-done, ShouldEqual, context.Canceled)
		})
	})
}

func TestTailReconnects(t *testing.T) {
	Convey("Given a mirror that drops every connection after one event", t, func() {
		var connects atomic.Int32

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprintf(w, "data: connection %d\n\n", connects.Add(1))
			w.(http.Flusher).Flush()
		}))
		defer server.Close()

		events := make(chan Event, 8)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		done := make(chan error, 1)
		client := NewClient(Config{URL: server.URL, RetryDelay: time.Millisecond})

		go func() { done <- client.Tail(ctx, func(ev Event) { events <- ev }) }()

		Convey("Then the tail resumes on a fresh connection", func() {
			So(string(collect(t, events).Data), ShouldEqual, "connection 1")
			So(string(collect(t, events).Data), ShouldEqual, "connection 2")

			cancel()
			So(<-done, ShouldEqual, context.Canceled)
		})
	})
}

func TestTailFailure(t *testing.T) {
	Convey("Given a mirror that is not listening", t, func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		url := server.URL
		server.Close()

		client := NewClient(Config{URL: url, Retries: 2, RetryDelay: time.Millisecond})

		Convey("Then the tail gives up after its retry budget", func() {
			err := client.Tail(context.Background(), func(Event) {})

			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "mirror unreachable")
		})
	})

	Convey("Given a mirror that refuses the subscription", t, func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		client := NewClient(Config{URL: server.URL, Retries: 1, RetryDelay: time.Millisecond})

		Convey("Then the status code surfaces in the error", func() {
			err := client.Tail(context.Background(), func(Event) {})

			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "unexpected status 404")
		})
	})
}

func TestTailUpdates(t *testing.T) {
	Convey("Given a mirror that mixes noise with a real task event", t, func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")

			fmt.Fprint(w, "data: not json at all\n\n")
			fmt.Fprint(w, `data: {"kind":"status-update","taskId":"task-1","contextId":"ctx-1","status":{"state":"working"},"final":false}`+"\n\n")
			w.(http.Flusher).Flush()

			<-r.Context().Done()
		}))
		defer server.Close()

		updates := make(chan a2a.Event, 4)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		done := make(chan error, 1)
		client := NewClient(Config{URL: server.URL})

		go func() { done <- client.TailUpdates(ctx, func(ev a2a.Event) { updates <- ev }) }()

		Convey("Then only the decodable event comes through, typed", func() {
			select {
			case ev := <-updates:
				status, ok := ev.(a2a.TaskStatusUpdateEvent)
				So(ok, ShouldBeTrue)
				So(status.TaskID, ShouldEqual, "task-1")
				So(status.Status.State, ShouldEqual, a2a.TaskStateWorking)
			case <-time.After(2 * time.Second):
				t.Fatal("no decoded update within deadline")
			}

			cancel()
			So(<-done, ShouldEqual, context.Canceled)
		})
	})
}
