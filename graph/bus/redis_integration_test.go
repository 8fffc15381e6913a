package bus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// openRedisBus connects to the Redis instance named by TEST_REDIS_ADDR and
// returns a bus on a unique stream. Tests are skipped when the variable is
// unset:
//
//	TEST_REDIS_ADDR="127.0.0.1:6379" go test ./graph/bus/
func openRedisBus(t *testing.T, opts ...Option) *RedisBus {
	t.Helper()

	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set; skipping Redis bus integration tests")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("ping redis at %s: %v", addr, err)
	}

	base := []Option{
		WithTopic(fmt.Sprintf("test-%d", time.Now().UnixNano())),
		WithReadBlock(100 * time.Millisecond),
		WithClaimMinIdle(100 * time.Millisecond),
	}
	b, err := NewRedisBus(client, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewRedisBus: %v", err)
	}
	t.Cleanup(func() {
		b.Close()
		client.Del(context.Background(), b.Stream())
		client.Close()
	})
	return b
}

func TestRedisBus_PublishSubscribeRoundTrip(t *testing.T) {
	b := openRedisBus(t)
	ctx := context.Background()

	var rec eventRecorder
	if _, err := b.Subscribe(ctx, "audit", "worker-1", rec.handler); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ev := Event{
		Type:    EventNodeSucceeded,
		RunID:   "run-001",
		GraphID: "support",
		NodeID:  "classify",
		Seq:     4,
		Payload: map[string]any{"attempt": float64(1)},
		Meta:    Metadata{TenantID: "acme", CorrelationID: "corr-9"},
	}
	if err := b.Publish(ctx, ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, 10*time.Second, "delivery", func() bool { return rec.len() == 1 })

	got := rec.all()[0]
	if got.Type != EventNodeSucceeded {
		t.Errorf("expected type %q, got %q", EventNodeSucceeded, got.Type)
	}
	if got.NodeID != "classify" {
		t.Errorf("expected node 'classify', got %q", got.NodeID)
	}
	if got.Seq != 4 {
		t.Errorf("expected seq 4, got %d", got.Seq)
	}
	if got.Meta.TenantID != "acme" {
		t.Errorf("expected tenant 'acme', got %q", got.Meta.TenantID)
	}
	if got.Payload["attempt"] != float64(1) {
		t.Errorf("expected payload attempt 1, got %v", got.Payload["attempt"])
	}
	if got.ID == "" {
		t.Error("expected event ID to be assigned")
	}
}

func TestRedisBus_AckPreventsRedelivery(t *testing.T) {
	b := openRedisBus(t)
	ctx := context.Background()

	var attempts atomic.Int32
	h := func(context.Context, Event) error {
		attempts.Add(1)
		return nil
	}
	if _, err := b.Subscribe(ctx, "audit", "worker-1", h); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.Publish(ctx, Event{Type: EventGraphStarted, RunID: "run-001"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, 10*time.Second, "first delivery", func() bool { return attempts.Load() == 1 })

	// Sit through several claim windows; an acknowledged entry must not
	// come back.
	time.Sleep(500 * time.Millisecond)
	if got := attempts.Load(); got != 1 {
		t.Errorf("expected exactly 1 delivery, got %d", got)
	}
}

func TestRedisBus_RetriesThenDeadLetters(t *testing.T) {
	dlq := NewMemoryDLQ()
	b := openRedisBus(t, WithMaxDeliveries(2), WithDeadLetterSink(dlq))
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

	waitFor(t, 15*time.Second, "dead letter", func() bool { return dlq.Len() == 1 })

	if got := attempts.Load(); got != 2 {
		t.Errorf("expected 2 deliveries before dead-lettering, got %d", got)
	}
	letter := dlq.Letters()[0]
	if letter.Event.RunID != "run-001" {
		t.Errorf("expected run ID 'run-001', got %q", letter.Event.RunID)
	}
	if letter.Deliveries != 2 {
		t.Errorf("expected 2 deliveries in letter, got %d", letter.Deliveries)
	}
}

func TestRedisBus_CompetingConsumersShareWork(t *testing.T) {
	b := openRedisBus(t)
	ctx := context.Background()

	var rec eventRecorder
	if _, err := b.Subscribe(ctx, "audit", "worker-1", rec.handler); err != nil {
		t.Fatalf("Subscribe worker-1: %v", err)
	}
	if _, err := b.Subscribe(ctx, "audit", "worker-2", rec.handler); err != nil {
		t.Fatalf("Subscribe worker-2: %v", err)
	}

	const n = 10
	for i := 0; i < n; i++ {
		ev := Event{Type: EventNodeStarted, RunID: fmt.Sprintf("run-%03d", i), Seq: 0}
		if err := b.Publish(ctx, ev); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}

	waitFor(t, 15*time.Second, "all deliveries", func() bool { return rec.len() == n })

	// Within one group each entry is delivered exactly once.
	time.Sleep(300 * time.Millisecond)
	seen := make(map[string]int)
	for _, ev := range rec.all() {
		seen[ev.RunID]++
	}
	if len(seen) != n {
		t.Errorf("expected %d distinct runs, got %d", n, len(seen))
	}
	for runID, count := range seen {
		if count != 1 {
			t.Errorf("expected run %s delivered once, got %d", runID, count)
		}
	}
}

func TestRedisBus_SeparateGroupsEachSeeEverything(t *testing.T) {
	b := openRedisBus(t)
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

	waitFor(t, 10*time.Second, "fan-out to both groups", func() bool {
		return audit.len() == 1 && billing.len() == 1
	})
}
