package push

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/theapemachine/agentwire/pkg/a2a"
	"github.com/theapemachine/agentwire/pkg/broker"
	"github.com/theapemachine/agentwire/pkg/errors"
	"github.com/theapemachine/agentwire/pkg/transport"
)

// Config tunes webhook delivery.
type Config struct {
	// MaxAttempts caps delivery tries per event; default 3
	MaxAttempts int
	// RetryDelay is the pause before a retry, growing linearly per attempt;
	// default 5s
	RetryDelay time.Duration
	// Timeout bounds one webhook POST; default 10s
	Timeout time.Duration
	// QueueSize bounds the delivery queue; default 1024
	QueueSize int
	// OnDelivered and OnFailed feed the metrics counters
	OnDelivered func()
	OnFailed    func()
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	return cfg
}

/*
Service delivers task update events to registered webhooks.  Registering a
task subscribes its event stream on the update broker; every event is
POSTed to the webhook URL as JSON, through a bounded queue drained by a
single worker.  A failed POST is retried a bounded number of times; an
event that exhausts its attempts is logged and abandoned, never blocking
later deliveries.
*/
type Service struct {
	cfg    Config
	source *broker.UpdateBroker
	client *http.Client

	mu       sync.RWMutex
	bindings map[string]*binding

	queue chan *delivery
	done  chan struct{}
	once  sync.Once
}

type binding struct {
	config a2a.PushNotificationConfig
	sub    *broker.SubscriptionHandle
}

type delivery struct {
	taskID  string
	config  a2a.PushNotificationConfig
	payload *transport.Payload[a2a.Event]
	attempt int
}

func NewService(source *broker.UpdateBroker, cfg Config) *Service {
	cfg = cfg.withDefaults()

	service := &Service{
		cfg:      cfg,
		source:   source,
		client:   &http.Client{Timeout: cfg.Timeout},
		bindings: make(map[string]*binding),
		queue:    make(chan *delivery, cfg.QueueSize),
		done:     make(chan struct{}),
	}

	go service.worker()

	return service
}

/*
Register binds a webhook to a task's update stream.  Registering a task
that already has a webhook replaces the target URL without re-subscribing,
so no event is ever delivered twice.
*/
func (service *Service) Register(
	ctx context.Context, taskID string, config a2a.PushNotificationConfig,
) *errors.RpcError {
	if rpcErr := validateWebhook(config.URL); rpcErr != nil {
		return rpcErr
	}

	// The binding must be visible before Subscribe: the broker starts
	// delivering the snapshot event immediately, and enqueue drops events
	// for unbound tasks.
	service.mu.Lock()
	if existing, bound := service.bindings[taskID]; bound {
		existing.config = config
		service.mu.Unlock()
		log.Info("webhook replaced", "task", taskID, "url", config.URL)
		return nil
	}
	bound := &binding{config: config}
	service.bindings[taskID] = bound
	service.mu.Unlock()

	sub, rpcErr := service.source.Subscribe(ctx, taskID,
		func(ctx context.Context, event a2a.Event) error {
			service.enqueue(taskID, event)
			return nil
		})
	if rpcErr != nil {
		service.mu.Lock()
		delete(service.bindings, taskID)
		service.mu.Unlock()
		return rpcErr
	}

	service.mu.Lock()
	bound.sub = sub
	service.mu.Unlock()

	log.Info("webhook registered", "task", taskID, "url", config.URL)
	return nil
}

// Unregister drops a task's webhook and ends its subscription.
func (service *Service) Unregister(taskID string) {
	service.mu.Lock()
	bound, exists := service.bindings[taskID]
	delete(service.bindings, taskID)
	service.mu.Unlock()

	if exists && bound.sub != nil {
		service.source.Unsubscribe(bound.sub)
	}
}

// Bound reports whether the task has a webhook registered.
func (service *Service) Bound(taskID string) bool {
	service.mu.RLock()
	defer service.mu.RUnlock()
	_, exists := service.bindings[taskID]
	return exists
}

// Stop ends the delivery worker.  Queued deliveries are abandoned.
func (service *Service) Stop() {
	service.once.Do(func() { close(service.done) })
}

func (service *Service) enqueue(taskID string, event a2a.Event) {
	service.mu.RLock()
	bound, exists := service.bindings[taskID]
	service.mu.RUnlock()

	if !exists {
		return
	}

	item := &delivery{
		taskID:  taskID,
		config:  bound.config,
		payload: transport.NewPayload(&event),
	}

	select {
	case service.queue <- item:
	default:
		log.Warn("push queue full, dropping event", "task", taskID)
		if service.cfg.OnFailed != nil {
			service.cfg.OnFailed()
		}
	}

	// The terminal event ends the broker subscription on its own; the
	// binding just needs to stop taking up space.
	if event.Terminal() {
		service.mu.Lock()
		delete(service.bindings, taskID)
		service.mu.Unlock()
	}
}

func (service *Service) worker() {
	for {
		select {
		case <-service.done:
			return
		case item := <-service.queue:
			if item.attempt > 0 {
				select {
				case <-time.After(service.cfg.RetryDelay * time.Duration(item.attempt)):
				case <-service.done:
					return
				}
			}

			err := service.post(item)
			if err == nil {
				if service.cfg.OnDelivered != nil {
					service.cfg.OnDelivered()
				}
				continue
			}

			item.attempt++
			if item.attempt >= service.cfg.MaxAttempts {
				log.Error("push delivery abandoned",
					"task", item.taskID, "url", item.config.URL,
					"attempts", item.attempt, "error", err)
				if service.cfg.OnFailed != nil {
					service.cfg.OnFailed()
				}
				continue
			}

			select {
			case service.queue <- item:
			default:
				log.Warn("push queue full, abandoning retry", "task", item.taskID)
				if service.cfg.OnFailed != nil {
					service.cfg.OnFailed()
				}
			}
		}
	}
}

func (service *Service) post(item *delivery) error {
	body, err := item.payload.Reader()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, item.config.URL, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if item.config.Token != nil {
		req.Header.Set("X-Task-Token", *item.config.Token)
	}

	resp, err := service.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("webhook answered %d", resp.StatusCode)
	}

	return nil
}

// validateWebhook rejects targets the worker could never POST to.  The
// allowed scheme set is narrower than the message sanitizer's.
func validateWebhook(raw string) *errors.RpcError {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return errors.ErrValidationFailed.WithMessagef("webhook url must be absolute http or https")
	}
	return nil
}
