package broker

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/theapemachine/agentwire/pkg/a2a"
	"github.com/theapemachine/agentwire/pkg/errors"
)

// DefaultQueueCapacity bounds each subscriber's delivery queue
// (SUBSCRIBER_QUEUE_CAPACITY).
const DefaultQueueCapacity = 64

// Callback carries one event across to a subscriber.  A returned error means
// the subscriber is gone (closed socket, rejected invoke) and prunes the
// subscription; it is never propagated to other subscribers.
type Callback func(ctx context.Context, event a2a.Event) error

// SnapshotFunc resolves a task's current state for late-joiner delivery.
type SnapshotFunc func(ctx context.Context, taskID string) (*a2a.Task, *errors.RpcError)

// BrokerConfig wires an UpdateBroker to its task source.
type BrokerConfig struct {
	// QueueCapacity bounds each subscriber queue; defaults to 64
	QueueCapacity int
	// Snapshot answers "what does this task look like right now"
	Snapshot SnapshotFunc
	// Tap observes every event that actually reaches a topic, across all
	// tasks.  It runs under the topic lock and must not block; the SSE
	// mirror and the published-events counter hang off it.
	Tap func(event a2a.Event)
	// OnDrop fires once per event lost to a slow subscriber.
	OnDrop func()
}

/*
UpdateBroker is the per-task publish/subscribe hub.  Each task is a topic;
fan-out for a topic happens under that topic's lock, which is what keeps
every subscriber seeing the same event order.  Delivery is decoupled from
publishing through a bounded queue per subscription, drained by its own
goroutine, so a slow subscriber can never stall a publisher or a sibling.

A topic closes when its terminal event has been delivered; publishing to a
closed topic is a silent no-op, which makes racing completion paths (the
processor finishing versus an external cancel) safe to leave unordered.
*/
type UpdateBroker struct {
	mu     sync.RWMutex
	cfg    BrokerConfig
	topics map[string]*topic
}

type topic struct {
	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
	onDrop func()
}

type subscription struct {
	id       string
	taskID   string
	callback Callback
	queue    chan a2a.Event
	dropped  atomic.Int64
	terminal atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// SubscriptionHandle identifies one live subscription.  Callers keep it to
// unsubscribe and to observe delivery bookkeeping.
type SubscriptionHandle struct {
	ID     string
	TaskID string

	sub *subscription
}

// Dropped reports how many non-terminal events were evicted because the
// subscriber could not keep up.
func (handle *SubscriptionHandle) Dropped() int64 {
	return handle.sub.dropped.Load()
}

// TerminalSeen reports whether the terminal event has been delivered.
func (handle *SubscriptionHandle) TerminalSeen() bool {
	return handle.sub.terminal.Load()
}

// Done closes when the subscription has ended: terminal delivered, pruned,
// or unsubscribed.
func (handle *SubscriptionHandle) Done() <-chan struct{} {
	return handle.sub.done
}

func NewUpdateBroker(cfg BrokerConfig) *UpdateBroker {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}

	return &UpdateBroker{
		cfg:    cfg,
		topics: make(map[string]*topic),
	}
}

/*
Publish fans an event out to every subscriber of its task.  The call never
blocks on slow subscribers: a full queue evicts its oldest event to make
room (counted on the subscription), and the terminal event is never the one
evicted because nothing is published after it.  A terminal event closes the
topic after delivery.
*/
func (broker *UpdateBroker) Publish(ctx context.Context, event a2a.Event) {
	taskID, _ := event.Ref()
	top := broker.topic(taskID)

	top.mu.Lock()
	defer top.mu.Unlock()

	if top.closed {
		return
	}

	if broker.cfg.Tap != nil {
		broker.cfg.Tap(event)
	}

	for _, sub := range top.subs {
		top.enqueue(sub, event)
	}

	if event.Terminal() {
		top.closed = true
		for _, sub := range top.subs {
			close(sub.queue)
		}
		top.subs = nil
	}
}

/*
Subscribe attaches a callback to a task's event stream.  The first event
delivered is always a snapshot of the task's current status, so a
subscriber never has to poll for what it missed; when the task is already
final, that snapshot is also the terminal event and the subscription ends
immediately after it.
*/
func (broker *UpdateBroker) Subscribe(
	ctx context.Context, taskID string, callback Callback,
) (*SubscriptionHandle, *errors.RpcError) {
	top := broker.topic(taskID)

	top.mu.Lock()
	defer top.mu.Unlock()

	// Snapshot under the topic lock, so no published event can slip in
	// between the snapshot read and the subscription becoming visible.
	task, rpcErr := broker.cfg.Snapshot(ctx, taskID)
	if rpcErr != nil {
		return nil, rpcErr
	}

	final := top.closed || task.Status.State.Final()
	snapshot := a2a.NewStatusEvent(task, final)

	sub := newSubscription(taskID, callback, broker.cfg.QueueCapacity)
	handle := &SubscriptionHandle{ID: sub.id, TaskID: taskID, sub: sub}

	sub.queue <- snapshot

	if final {
		close(sub.queue)
		go sub.deliver(nil)
		return handle, nil
	}

	top.subs[sub.id] = sub
	go sub.deliver(func() { broker.remove(taskID, sub.id) })

	return handle, nil
}

// Unsubscribe detaches a subscription.  Safe to call more than once and
// after the subscription has already ended.
func (broker *UpdateBroker) Unsubscribe(handle *SubscriptionHandle) {
	if handle == nil {
		return
	}

	handle.sub.cancel()
	broker.remove(handle.TaskID, handle.ID)
}

// SubscriberCount reports the live subscriptions on a task's topic.
func (broker *UpdateBroker) SubscriberCount(taskID string) int {
	broker.mu.RLock()
	top, exists := broker.topics[taskID]
	broker.mu.RUnlock()

	if !exists {
		return 0
	}

	top.mu.Lock()
	defer top.mu.Unlock()
	return len(top.subs)
}

// Close tears down every topic; used on server shutdown.  Subscribers are
// cut loose without a terminal event.
func (broker *UpdateBroker) Close() {
	broker.mu.Lock()
	defer broker.mu.Unlock()

	for _, top := range broker.topics {
		top.mu.Lock()
		if !top.closed {
			top.closed = true
			for _, sub := range top.subs {
				sub.cancel()
				close(sub.queue)
			}
			top.subs = nil
		}
		top.mu.Unlock()
	}
}

func (broker *UpdateBroker) topic(taskID string) *topic {
	broker.mu.RLock()
	top, exists := broker.topics[taskID]
	broker.mu.RUnlock()

	if exists {
		return top
	}

	broker.mu.Lock()
	defer broker.mu.Unlock()

	if top, exists = broker.topics[taskID]; exists {
		return top
	}

	top = &topic{subs: make(map[string]*subscription), onDrop: broker.cfg.OnDrop}
	broker.topics[taskID] = top
	return top
}

func (broker *UpdateBroker) remove(taskID, subID string) {
	broker.mu.RLock()
	top, exists := broker.topics[taskID]
	broker.mu.RUnlock()

	if !exists {
		return
	}

	top.mu.Lock()
	delete(top.subs, subID)
	top.mu.Unlock()
}

// enqueue is called under the topic lock, making this goroutine the only
// sender on the queue.
func (top *topic) enqueue(sub *subscription, event a2a.Event) {
	select {
	case sub.queue <- event:
		return
	default:
	}

	// Full queue: evict the front to keep the stream moving.  The front is
	// never the terminal event, because a terminal closes the topic and
	// nothing is published after it.
	select {
	case <-sub.queue:
		sub.dropped.Add(1)
		if top.onDrop != nil {
			top.onDrop()
		}
		log.Debug("dropped event for slow subscriber",
			"task", sub.taskID, "subscription", sub.id, "dropped", sub.dropped.Load())
	default:
	}

	// A slot is free now and nobody else sends on this queue.
	sub.queue <- event
}

func newSubscription(taskID string, callback Callback, capacity int) *subscription {
	ctx, cancel := context.WithCancel(context.Background())

	return &subscription{
		id:       uuid.NewString(),
		taskID:   taskID,
		callback: callback,
		queue:    make(chan a2a.Event, capacity),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

/*
deliver drains the queue and invokes the callback, one event at a time.  It
ends on terminal delivery, on queue close, on unsubscribe, or on the first
callback error; remove detaches the subscription from its topic on the way
out.
*/
func (sub *subscription) deliver(remove func()) {
	defer close(sub.done)
	if remove != nil {
		defer remove()
	}

	for {
		select {
		case <-sub.ctx.Done():
			return

		case event, ok := <-sub.queue:
			if !ok {
				return
			}

			if err := sub.callback(sub.ctx, event); err != nil {
				log.Warn("subscriber callback failed, pruning",
					"task", sub.taskID, "subscription", sub.id, "error", err)
				return
			}

			if event.Terminal() {
				sub.terminal.Store(true)
				return
			}
		}
	}
}
