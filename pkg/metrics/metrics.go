package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

/*
Registry bundles every collector the server records into.  Core packages
never import prometheus; the service layer owns one Registry and passes
its methods around as plain funcs, so the instrumentation points stay
decoupled from the metrics backend.
*/
type Registry struct {
	registry *prometheus.Registry
	factory  promauto.Factory

	connectionsOpen prometheus.Gauge
	framesRead      prometheus.Counter
	framesWritten   prometheus.Counter
	eventsPublished prometheus.Counter
	eventsDropped   prometheus.Counter
	transitions     *prometheus.CounterVec
	rateLimited     prometheus.Counter
	authFailures    prometheus.Counter
	pushDelivered   prometheus.Counter
	pushFailed      prometheus.Counter
}

// NewRegistry builds a self-contained collector set.  Each Registry owns
// its own prometheus registry, so tests can create as many as they like
// without duplicate-registration panics.
func NewRegistry() *Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(registry)

	return &Registry{
		registry: registry,
		factory:  factory,
		connectionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agentwire_socket_connections_open",
			Help: "Open duplex socket connections.",
		}),
		framesRead: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentwire_socket_frames_read_total",
			Help: "Frames read off client sockets.",
		}),
		framesWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentwire_socket_frames_written_total",
			Help: "Frames written to client sockets, pushes included.",
		}),
		eventsPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentwire_events_published_total",
			Help: "Task update events published to the broker.",
		}),
		eventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentwire_events_dropped_total",
			Help: "Events lost to slow subscribers.",
		}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentwire_task_transitions_total",
			Help: "Task lifecycle transitions observed, by entered state.",
		}, []string{"state"}),
		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentwire_rate_limit_rejections_total",
			Help: "Calls refused by the per-principal rate limiter.",
		}),
		authFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentwire_auth_failures_total",
			Help: "Credential and session validations that were refused.",
		}),
		pushDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentwire_push_deliveries_total",
			Help: "Webhook push notifications delivered.",
		}),
		pushFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentwire_push_failures_total",
			Help: "Webhook push notifications that exhausted their retries.",
		}),
	}
}

func (reg *Registry) ConnOpened() { reg.connectionsOpen.Inc() }
func (reg *Registry) ConnClosed() { reg.connectionsOpen.Dec() }

func (reg *Registry) FrameRead()    { reg.framesRead.Inc() }
func (reg *Registry) FrameWritten() { reg.framesWritten.Inc() }

func (reg *Registry) EventPublished() { reg.eventsPublished.Inc() }
func (reg *Registry) EventDropped()   { reg.eventsDropped.Inc() }

// TaskEntered counts a task arriving in a lifecycle state.
func (reg *Registry) TaskEntered(state string) {
	reg.transitions.WithLabelValues(state).Inc()
}

func (reg *Registry) RateLimitRejected() { reg.rateLimited.Inc() }
func (reg *Registry) AuthFailed()        { reg.authFailures.Inc() }

func (reg *Registry) PushDelivered() { reg.pushDelivered.Inc() }
func (reg *Registry) PushFailed()    { reg.pushFailed.Inc() }

// RegisterSessionsProbe samples the live session count at scrape time.
func (reg *Registry) RegisterSessionsProbe(count func() int) {
	reg.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "agentwire_sessions_active",
		Help: "Live sessions in the registry.",
	}, func() float64 { return float64(count()) })
}

// RegisterTasksProbe samples the stored task count at scrape time.
func (reg *Registry) RegisterTasksProbe(count func() int) {
	reg.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "agentwire_tasks_stored",
		Help: "Tasks currently held by the task store.",
	}, func() float64 { return float64(count()) })
}

// Handler exposes the scrape endpoint for this registry.
func (reg *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(reg.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests.
func (reg *Registry) Gatherer() prometheus.Gatherer {
	return reg.registry
}
