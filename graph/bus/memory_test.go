package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestBus(t *testing.T, opts ...Option) *MemoryBus {
	t.Helper()
	b, err := NewMemoryBus(opts...)
	if err != nil {
		t.Fatalf("NewMemoryBus: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

// eventRecorder collects delivered events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) handler(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *eventRecorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *eventRecorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func TestMemoryBus_DeliversToSubscriber(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	var rec eventRecorder
	if _, err := b.Subscribe(ctx, "audit", "worker-1", rec.handler); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ev := Event{Type: EventGraphStarted, RunID: "run-001", GraphID: "support", Seq: 0}
	if err := b.Publish(ctx, ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, time.Second, "event delivery", func() bool { return rec.len() == 1 })

	got := rec.all()[0]
	if got.Type != EventGraphStarted {
		t.Errorf("expected type %q, got %q", EventGraphStarted, got.Type)
	}
	if got.RunID != "run-001" {
		t.Errorf("expected run ID 'run-001', got %q", got.RunID)
	}
	if got.ID == "" {
		t.Error("expected event ID to be assigned")
	}
	if got.At.IsZero() {
		t.Error("expected event time to be assigned")
	}
}

func TestMemoryBus_PreservesPublishOrder(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	var rec eventRecorder
	if _, err := b.Subscribe(ctx, "audit", "worker-1", rec.handler); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	const n = 50
	for i := 0; i < n; i++ {
		ev := Event{Type: EventNodeStarted, RunID: "run-001", NodeID: fmt.Sprintf("node-%d", i), Seq: i}
		if err := b.Publish(ctx, ev); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}

	waitFor(t, 2*time.Second, "all events", func() bool { return rec.len() == n })

	for i, ev := range rec.all() {
		if ev.Seq != i {
			t.Fatalf("expected seq %d at position %d, got %d", i, i, ev.Seq)
		}
	}
}

func TestMemoryBus_FansOutToAllGroups(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	var audit, billing eventRecorder
	if _, err := b.Subscribe(ctx, "audit", "worker-1", audit.handler); err != nil {
		t.Fatalf("Subscribe audit: %v", err)
	}
	if _, err := b.Subscribe(ctx, "billing", "worker-1", billing.handler); err != nil {
		t.Fatalf("Subscribe billing: %v", err)
	}

	if err := b.Publish(ctx, Event{Type: EventGraphFinished, RunID: "run-001"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, time.Second, "fan-out to both groups", func() bool {
		return audit.len() == 1 && billing.len() == 1
	})
}

func TestMemoryBus_RejectsDuplicateGroup(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	h := func(context.Context, Event) error { return nil }
	if _, err := b.Subscribe(ctx, "audit", "worker-1", h); err != nil {
		t.Fatalf("first Subscribe: %v", err)
	}
	if _, err := b.Subscribe(ctx, "audit", "worker-2", h); err == nil {
		t.Error("expected error for duplicate group")
	}
}

func TestMemoryBus_RetriesThenDeadLetters(t *testing.T) {
	dlq := NewMemoryDLQ()
	b := newTestBus(t, WithMaxDeliveries(3), WithDeadLetterSink(dlq))
	ctx := context.Background()

	var attempts atomic.Int32
	h := func(context.Context, Event) error {
		attempts.Add(1)
		return errors.New("boom")
	}
	if _, err := b.Subscribe(ctx, "audit", "worker-1", h); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.Publish(ctx, Event{Type: EventNodeFailed, RunID: "run-001", NodeID: "classify"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, 2*time.Second, "dead letter", func() bool { return dlq.Len() == 1 })

	if got := attempts.Load(); got != 3 {
		t.Errorf("expected 3 delivery attempts, got %d", got)
	}
	letter := dlq.Letters()[0]
	if letter.Event.RunID != "run-001" {
		t.Errorf("expected run ID 'run-001', got %q", letter.Event.RunID)
	}
	if letter.Deliveries != 3 {
		t.Errorf("expected 3 deliveries, got %d", letter.Deliveries)
	}
	if letter.Reason != "boom" {
		t.Errorf("expected reason 'boom', got %q", letter.Reason)
	}
}

func TestMemoryBus_RecoversHandlerPanic(t *testing.T) {
	b := newTestBus(t, WithMaxDeliveries(5))
	ctx := context.Background()

	var attempts atomic.Int32
	var rec eventRecorder
	h := func(ctx context.Context, ev Event) error {
		if attempts.Add(1) == 1 {
			panic("first delivery explodes")
		}
		return rec.handler(ctx, ev)
	}
	if _, err := b.Subscribe(ctx, "audit", "worker-1", h); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.Publish(ctx, Event{Type: EventNodeSucceeded, RunID: "run-001"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, time.Second, "delivery after panic", func() bool { return rec.len() == 1 })
	if got := attempts.Load(); got != 2 {
		t.Errorf("expected 2 attempts, got %d", got)
	}
}

func TestMemoryBus_DropsOldestWhenFull(t *testing.T) {
	b := newTestBus(t, WithBufferSize(2))
	ctx := context.Background()

	entered := make(chan string, 8)
	gate := make(chan struct{})
	var rec eventRecorder
	h := func(ctx context.Context, ev Event) error {
		entered <- ev.NodeID
		<-gate
		return rec.handler(ctx, ev)
	}
	if _, err := b.Subscribe(ctx, "audit", "worker-1", h); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	publish := func(node string) {
		t.Helper()
		if err := b.Publish(ctx, Event{Type: EventNodeStarted, RunID: "run-001", NodeID: node}); err != nil {
			t.Fatalf("Publish %s: %v", node, err)
		}
	}

	// First event occupies the worker; the buffer is empty.
	publish("ev1")
	if got := <-entered; got != "ev1" {
		t.Fatalf("expected worker to pick up ev1, got %q", got)
	}

	// Fill the buffer, then overflow it. ev2 is the oldest and is dropped.
	publish("ev2")
	publish("ev3")
	publish("ev4")

	waitFor(t, time.Second, "drop counter", func() bool { return b.Dropped() == 1 })

	close(gate)
	waitFor(t, time.Second, "remaining deliveries", func() bool { return rec.len() == 3 })

	var got []string
	for _, ev := range rec.all() {
		got = append(got, ev.NodeID)
	}
	want := []string{"ev1", "ev3", "ev4"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected delivery order %v, got %v", want, got)
		}
	}
}

func TestMemoryBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	var rec eventRecorder
	sub, err := b.Subscribe(ctx, "audit", "worker-1", rec.handler)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.Publish(ctx, Event{Type: EventGraphStarted, RunID: "run-001"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitFor(t, time.Second, "first delivery", func() bool { return rec.len() == 1 })

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}

	// Publishing to a bus with no subscribers succeeds and delivers nowhere.
	if err := b.Publish(ctx, Event{Type: EventGraphFinished, RunID: "run-001"}); err != nil {
		t.Fatalf("Publish after unsubscribe: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if rec.len() != 1 {
		t.Errorf("expected no delivery after unsubscribe, got %d events", rec.len())
	}

	t.Run("unsubscribe is idempotent", func(t *testing.T) {
		if err := sub.Unsubscribe(); err != nil {
			t.Errorf("second Unsubscribe: %v", err)
		}
	})
}

func TestMemoryBus_UnsubscribeWaitsForInflightDelivery(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	entered := make(chan struct{})
	gate := make(chan struct{})
	var rec eventRecorder
	h := func(ctx context.Context, ev Event) error {
		close(entered)
		<-gate
		return rec.handler(ctx, ev)
	}
	sub, err := b.Subscribe(ctx, "audit", "worker-1", h)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.Publish(ctx, Event{Type: EventGraphStarted, RunID: "run-001"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	<-entered

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(gate)
	}()

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if rec.len() != 1 {
		t.Error("expected in-flight delivery to finish before Unsubscribe returned")
	}
}

func TestMemoryBus_ClosedBusRejectsPublishAndSubscribe(t *testing.T) {
	b, err := NewMemoryBus()
	if err != nil {
		t.Fatalf("NewMemoryBus: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	err = b.Publish(context.Background(), Event{Type: EventGraphStarted, RunID: "run-001"})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Publish, got %v", err)
	}

	_, err = b.Subscribe(context.Background(), "audit", "worker-1", func(context.Context, Event) error { return nil })
	if !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Subscribe, got %v", err)
	}

	t.Run("close is idempotent", func(t *testing.T) {
		if err := b.Close(); err != nil {
			t.Errorf("second Close: %v", err)
		}
	})
}

func TestMemoryBus_PublishValidatesEvent(t *testing.T) {
	b := newTestBus(t)

	if err := b.Publish(context.Background(), Event{Type: "BOGUS", RunID: "run-001"}); err == nil {
		t.Error("expected error for unknown event type")
	}
	if err := b.Publish(context.Background(), Event{Type: EventGraphStarted}); err == nil {
		t.Error("expected error for missing run ID")
	}
}

func TestMemoryBus_SubscribeContextCancelStopsDelivery(t *testing.T) {
	b := newTestBus(t)

	subCtx, cancel := context.WithCancel(context.Background())
	var rec eventRecorder
	if _, err := b.Subscribe(subCtx, "audit", "worker-1", rec.handler); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.Publish(context.Background(), Event{Type: EventGraphStarted, RunID: "run-001"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitFor(t, time.Second, "first delivery", func() bool { return rec.len() == 1 })

	cancel()
	time.Sleep(20 * time.Millisecond)

	if err := b.Publish(context.Background(), Event{Type: EventGraphFinished, RunID: "run-001"}); err != nil {
		t.Fatalf("Publish after cancel: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if rec.len() != 1 {
		t.Errorf("expected no delivery after context cancel, got %d events", rec.len())
	}
}
