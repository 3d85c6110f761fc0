package broker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/theapemachine/agentwire/pkg/a2a"
	"github.com/theapemachine/agentwire/pkg/errors"
)

// taskFixture stands in for the task store behind the snapshot function.
type taskFixture struct {
	mu   sync.Mutex
	task *a2a.Task
}

func newTaskFixture(state a2a.TaskState) *taskFixture {
	task := a2a.NewTask("", nil)
	if state != a2a.TaskStateSubmitted {
		task.ToStatus(state, nil)
	}
	return &taskFixture{task: task}
}

func (fixture *taskFixture) snapshot(ctx context.Context, taskID string) (*a2a.Task, *errors.RpcError) {
	fixture.mu.Lock()
	defer fixture.mu.Unlock()

	if fixture.task == nil || fixture.task.ID != taskID {
		return nil, errors.ErrTaskNotFound
	}

	clone := fixture.task.Clone(-1)
	return &clone, nil
}

func (fixture *taskFixture) setState(state a2a.TaskState) *a2a.Task {
	fixture.mu.Lock()
	defer fixture.mu.Unlock()

	fixture.task.ToStatus(state, nil)
	clone := fixture.task.Clone(-1)
	return &clone
}

func (fixture *taskFixture) current() *a2a.Task {
	fixture.mu.Lock()
	defer fixture.mu.Unlock()

	clone := fixture.task.Clone(-1)
	return &clone
}

// collector is a subscriber callback that records what it receives.
type collector struct {
	mu     sync.Mutex
	events []a2a.Event
	delay  time.Duration
}

func (c *collector) callback(ctx context.Context, event a2a.Event) error {
	if c.delay > 0 {
		time.Sleep(c.delay)
	}

	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
	return nil
}

func (c *collector) snapshot() []a2a.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]a2a.Event(nil), c.events...)
}

func waitDone(t *testing.T, handle *SubscriptionHandle) {
	t.Helper()
	select {
	case <-handle.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not end in time")
	}
}

func newTestBroker(fixture *taskFixture, queueCapacity int) *UpdateBroker {
	return NewUpdateBroker(BrokerConfig{
		QueueCapacity: queueCapacity,
		Snapshot:      fixture.snapshot,
	})
}

func TestSubscribeDeliversSnapshotFirst(t *testing.T) {
	fixture := newTaskFixture(a2a.TaskStateWorking)
	broker := newTestBroker(fixture, 0)
	ctx := context.Background()

	c := &collector{}
	handle, rpcErr := broker.Subscribe(ctx, fixture.current().ID, c.callback)
	require.Nil(t, rpcErr)

	// Drive the task to completion so the subscription ends
	broker.Publish(ctx, a2a.NewStatusEvent(fixture.setState(a2a.TaskStateCompleted), true))
	waitDone(t, handle)

	events := c.snapshot()
	require.NotEmpty(t, events)

	first, ok := events[0].(a2a.TaskStatusUpdateEvent)
	require.True(t, ok)
	assert.Equal(t, a2a.TaskStateWorking, first.Status.State)
	assert.False(t, first.Final)
}

func TestSubscribeUnknownTask(t *testing.T) {
	fixture := newTaskFixture(a2a.TaskStateWorking)
	broker := newTestBroker(fixture, 0)

	_, rpcErr := broker.Subscribe(context.Background(), "no-such-task", (&collector{}).callback)
	require.NotNil(t, rpcErr)
	assert.Equal(t, errors.CodeNotFound, rpcErr.Code)
}

func TestTerminalIsUniqueAndLast(t *testing.T) {
	fixture := newTaskFixture(a2a.TaskStateWorking)
	broker := newTestBroker(fixture, 0)
	ctx := context.Background()
	task := fixture.current()

	c := &collector{}
	handle, rpcErr := broker.Subscribe(ctx, task.ID, c.callback)
	require.Nil(t, rpcErr)

	for i := 0; i < 5; i++ {
		chunk := a2a.NewTextArtifact("out", fmt.Sprintf("chunk-%d", i))
		broker.Publish(ctx, a2a.NewArtifactEvent(task, chunk, true, false))
	}
	broker.Publish(ctx, a2a.NewStatusEvent(fixture.setState(a2a.TaskStateCompleted), true))

	waitDone(t, handle)
	assert.True(t, handle.TerminalSeen())

	events := c.snapshot()
	finals := 0
	for i, event := range events {
		if event.Terminal() {
			finals++
			assert.Equal(t, len(events)-1, i, "terminal event must be last")
		}
	}
	assert.Equal(t, 1, finals)
}

func TestPublishAfterTerminalIsNoOp(t *testing.T) {
	fixture := newTaskFixture(a2a.TaskStateWorking)
	broker := newTestBroker(fixture, 0)
	ctx := context.Background()
	task := fixture.current()

	c := &collector{}
	handle, _ := broker.Subscribe(ctx, task.ID, c.callback)

	terminal := a2a.NewStatusEvent(fixture.setState(a2a.TaskStateCompleted), true)
	broker.Publish(ctx, terminal)
	broker.Publish(ctx, terminal) // racing duplicate
	broker.Publish(ctx, a2a.NewArtifactEvent(task, a2a.NewTextArtifact("late", "too late"), false, false))

	waitDone(t, handle)

	events := c.snapshot()
	assert.Len(t, events, 2) // snapshot + terminal
	assert.True(t, events[len(events)-1].Terminal())
}

func TestLateJoinerAfterCompletion(t *testing.T) {
	fixture := newTaskFixture(a2a.TaskStateWorking)
	broker := newTestBroker(fixture, 0)
	ctx := context.Background()
	task := fixture.current()

	// Run the task to completion with one live subscriber
	live := &collector{}
	liveHandle, _ := broker.Subscribe(ctx, task.ID, live.callback)
	broker.Publish(ctx, a2a.NewStatusEvent(fixture.setState(a2a.TaskStateCompleted), true))
	waitDone(t, liveHandle)

	// A late joiner gets exactly one event: the terminal snapshot
	late := &collector{}
	lateHandle, rpcErr := broker.Subscribe(ctx, task.ID, late.callback)
	require.Nil(t, rpcErr)
	waitDone(t, lateHandle)

	events := late.snapshot()
	require.Len(t, events, 1)
	status, ok := events[0].(a2a.TaskStatusUpdateEvent)
	require.True(t, ok)
	assert.Equal(t, a2a.TaskStateCompleted, status.Status.State)
	assert.True(t, status.Final)
	assert.True(t, lateHandle.TerminalSeen())
}

func TestLateJoinerWithoutPriorPublishes(t *testing.T) {
	// The store already holds a final task but no event was ever published
	// on this broker (e.g. after a restart).  The snapshot alone must end
	// the subscription.
	fixture := newTaskFixture(a2a.TaskStateCompleted)
	broker := newTestBroker(fixture, 0)

	c := &collector{}
	handle, rpcErr := broker.Subscribe(context.Background(), fixture.current().ID, c.callback)
	require.Nil(t, rpcErr)
	waitDone(t, handle)

	events := c.snapshot()
	require.Len(t, events, 1)
	assert.True(t, events[0].Terminal())
}

func TestSubscribersSeeSameOrder(t *testing.T) {
	fixture := newTaskFixture(a2a.TaskStateWorking)
	broker := newTestBroker(fixture, 0)
	ctx := context.Background()
	task := fixture.current()

	first := &collector{}
	second := &collector{}
	firstHandle, _ := broker.Subscribe(ctx, task.ID, first.callback)
	secondHandle, _ := broker.Subscribe(ctx, task.ID, second.callback)

	for i := 0; i < 20; i++ {
		chunk := a2a.NewTextArtifact("out", fmt.Sprintf("chunk-%d", i))
		broker.Publish(ctx, a2a.NewArtifactEvent(task, chunk, true, false))
	}
	broker.Publish(ctx, a2a.NewStatusEvent(fixture.setState(a2a.TaskStateCompleted), true))

	waitDone(t, firstHandle)
	waitDone(t, secondHandle)

	assert.Equal(t, first.snapshot(), second.snapshot())
}

func TestUnsubscribeLeavesOthersIntact(t *testing.T) {
	fixture := newTaskFixture(a2a.TaskStateWorking)
	broker := newTestBroker(fixture, 0)
	ctx := context.Background()
	task := fixture.current()

	leaver := &collector{}
	stayer := &collector{}
	leaverHandle, _ := broker.Subscribe(ctx, task.ID, leaver.callback)
	stayerHandle, _ := broker.Subscribe(ctx, task.ID, stayer.callback)

	broker.Publish(ctx, a2a.NewArtifactEvent(task, a2a.NewTextArtifact("out", "early"), true, false))

	broker.Unsubscribe(leaverHandle)
	broker.Unsubscribe(leaverHandle) // idempotent
	waitDone(t, leaverHandle)
	assert.Equal(t, 1, broker.SubscriberCount(task.ID))

	broker.Publish(ctx, a2a.NewArtifactEvent(task, a2a.NewTextArtifact("out", "late"), true, false))
	broker.Publish(ctx, a2a.NewStatusEvent(fixture.setState(a2a.TaskStateCompleted), true))
	waitDone(t, stayerHandle)

	assert.False(t, leaverHandle.TerminalSeen())
	assert.True(t, stayerHandle.TerminalSeen())

	texts := []string{}
	for _, event := range stayer.snapshot() {
		if artifact, ok := event.(a2a.TaskArtifactUpdateEvent); ok {
			texts = append(texts, artifact.Artifact.Parts[0].Text)
		}
	}
	assert.Equal(t, []string{"early", "late"}, texts)
}

func TestFailingCallbackIsPruned(t *testing.T) {
	fixture := newTaskFixture(a2a.TaskStateWorking)
	broker := newTestBroker(fixture, 0)
	ctx := context.Background()
	task := fixture.current()

	failing := func(ctx context.Context, event a2a.Event) error {
		return fmt.Errorf("socket closed")
	}

	failingHandle, _ := broker.Subscribe(ctx, task.ID, failing)
	healthy := &collector{}
	healthyHandle, _ := broker.Subscribe(ctx, task.ID, healthy.callback)

	// The failing subscriber dies on its first delivery (the snapshot)
	waitDone(t, failingHandle)
	assert.Equal(t, 1, broker.SubscriberCount(task.ID))

	broker.Publish(ctx, a2a.NewStatusEvent(fixture.setState(a2a.TaskStateCompleted), true))
	waitDone(t, healthyHandle)
	assert.True(t, healthyHandle.TerminalSeen())
}

func TestSlowSubscriberDropsButGetsTerminal(t *testing.T) {
	fixture := newTaskFixture(a2a.TaskStateWorking)
	broker := newTestBroker(fixture, 4)
	ctx := context.Background()
	task := fixture.current()

	slow := &collector{delay: 20 * time.Millisecond}
	fast := &collector{}
	slowHandle, _ := broker.Subscribe(ctx, task.ID, slow.callback)
	fastHandle, _ := broker.Subscribe(ctx, task.ID, fast.callback)

	const burst = 30
	for i := 0; i < burst; i++ {
		chunk := a2a.NewTextArtifact("out", fmt.Sprintf("chunk-%d", i))
		broker.Publish(ctx, a2a.NewArtifactEvent(task, chunk, true, false))
		time.Sleep(2 * time.Millisecond)
	}
	broker.Publish(ctx, a2a.NewStatusEvent(fixture.setState(a2a.TaskStateCompleted), true))

	waitDone(t, slowHandle)
	waitDone(t, fastHandle)

	assert.Greater(t, slowHandle.Dropped(), int64(0))
	assert.Equal(t, int64(0), fastHandle.Dropped())

	// The fast subscriber saw everything: snapshot + burst + terminal
	assert.Len(t, fast.snapshot(), burst+2)

	// Both end on the terminal event, dropped or not
	slowEvents := slow.snapshot()
	fastEvents := fast.snapshot()
	assert.True(t, slowEvents[len(slowEvents)-1].Terminal())
	assert.True(t, fastEvents[len(fastEvents)-1].Terminal())
	assert.Less(t, len(slowEvents), len(fastEvents))
}

func TestBrokerClose(t *testing.T) {
	fixture := newTaskFixture(a2a.TaskStateWorking)
	broker := newTestBroker(fixture, 0)
	ctx := context.Background()
	task := fixture.current()

	c := &collector{}
	handle, _ := broker.Subscribe(ctx, task.ID, c.callback)

	broker.Close()
	waitDone(t, handle)

	assert.False(t, handle.TerminalSeen())
	assert.Equal(t, 0, broker.SubscriberCount(task.ID))
}
