package eventbus_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/forgeflow/process-engine/internal/eventbus"
)

type fakePublisher struct {
	name  string
	mu    sync.Mutex
	got   []eventbus.Event
	err   error
	panic bool
	delay time.Duration
}

func (f *fakePublisher) Name() string { return f.name }

func (f *fakePublisher) Publish(_ context.Context, evt eventbus.Event) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.panic {
		panic("publisher exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, evt)
	return f.err
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

// waitDelivered polls until the publisher's worker has drained n events.
// Delivery is asynchronous, so tests must not assert immediately after
// Publish returns.
func waitDelivered(t *testing.T, f *fakePublisher, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.count() >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("publisher %s received %d events, want %d", f.name, f.count(), n)
}

func TestBus_FansOutToAllPublishers(t *testing.T) {
	bus := eventbus.NewBus()
	a := &fakePublisher{name: "a"}
	b := &fakePublisher{name: "b"}
	bus.Register(a)
	bus.Register(b)

	evt := eventbus.New(eventbus.EventStepCompleted, "exec-1", "refund", map[string]any{"step": "charge"})
	bus.Publish(context.Background(), evt)

	waitDelivered(t, a, 1)
	waitDelivered(t, b, 1)
}

func TestBus_OneFailingPublisherDoesNotBlockOthers(t *testing.T) {
	bus := eventbus.NewBus()
	failing := &fakePublisher{name: "failing", err: context.DeadlineExceeded}
	ok := &fakePublisher{name: "ok"}
	bus.Register(failing)
	bus.Register(ok)

	bus.Publish(context.Background(), eventbus.New(eventbus.EventProcessFailed, "exec-2", "refund", nil))

	waitDelivered(t, ok, 1)
}

func TestBus_PanickingPublisherIsIsolated(t *testing.T) {
	bus := eventbus.NewBus()
	exploding := &fakePublisher{name: "exploding", panic: true}
	ok := &fakePublisher{name: "ok"}
	bus.Register(exploding)
	bus.Register(ok)

	// Two publishes, each panicking the exploding publisher: the healthy
	// one must still receive both events.
	bus.Publish(context.Background(), eventbus.New(eventbus.EventStepStarted, "exec-3", "refund", nil))
	bus.Publish(context.Background(), eventbus.New(eventbus.EventStepCompleted, "exec-3", "refund", nil))

	waitDelivered(t, ok, 2)
}

func TestBus_PublishReturnsPromptlyWithSlowPublisher(t *testing.T) {
	bus := eventbus.NewBus()
	slow := &fakePublisher{name: "slow", delay: 300 * time.Millisecond}
	bus.Register(slow)

	start := time.Now()
	bus.Publish(context.Background(), eventbus.New(eventbus.EventStepCompleted, "exec-4", "refund", nil))
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("Publish blocked for %v, want prompt return", elapsed)
	}

	waitDelivered(t, slow, 1)
}
