package bus

import (
	"context"
	"strings"
	"testing"
	"time"
)

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestEventType_Valid(t *testing.T) {
	reserved := []EventType{
		EventGraphStarted, EventNodeStarted, EventNodeSucceeded,
		EventNodeFailed, EventNodeSkipped, EventCheckpointSaved,
		EventGraphPaused, EventHitlRequested, EventHitlResponded,
		EventGraphResumed, EventGraphFinished, EventGraphFailed,
		EventGraphCancelled,
	}
	for _, et := range reserved {
		if !et.Valid() {
			t.Errorf("expected %q to be valid", et)
		}
	}
	if EventType("SOMETHING_ELSE").Valid() {
		t.Error("expected unknown type to be invalid")
	}
	if EventType("").Valid() {
		t.Error("expected empty type to be invalid")
	}
}

func TestEventType_Terminal(t *testing.T) {
	terminal := []EventType{EventGraphFinished, EventGraphFailed, EventGraphCancelled}
	for _, et := range terminal {
		if !et.Terminal() {
			t.Errorf("expected %q to be terminal", et)
		}
	}
	nonTerminal := []EventType{EventGraphStarted, EventGraphPaused, EventNodeSucceeded, EventHitlRequested}
	for _, et := range nonTerminal {
		if et.Terminal() {
			t.Errorf("expected %q to not be terminal", et)
		}
	}
}

func TestEvent_Validate(t *testing.T) {
	tests := []struct {
		name    string
		event   Event
		wantErr bool
	}{
		{
			name:  "valid event",
			event: Event{Type: EventGraphStarted, RunID: "run-001"},
		},
		{
			name:    "unknown type",
			event:   Event{Type: "BOGUS", RunID: "run-001"},
			wantErr: true,
		},
		{
			name:    "missing run ID",
			event:   Event{Type: EventGraphStarted},
			wantErr: true,
		},
		{
			name:    "negative seq",
			event:   Event{Type: EventNodeStarted, RunID: "run-001", Seq: -1},
			wantErr: true,
		},
		{
			name:  "node event with payload",
			event: Event{Type: EventNodeSucceeded, RunID: "run-001", NodeID: "classify", Seq: 3, Payload: map[string]any{"duration_ms": 12}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("expected no error, got %v", err)
			}
		})
	}
}

func TestPrepareEvent_FillsDefaults(t *testing.T) {
	ev := Event{Type: EventGraphStarted, RunID: "run-001"}
	if err := prepareEvent(&ev); err != nil {
		t.Fatalf("prepareEvent: %v", err)
	}
	if ev.ID == "" {
		t.Error("expected ID to be filled")
	}
	if ev.At.IsZero() {
		t.Error("expected At to be filled")
	}

	t.Run("preserves caller values", func(t *testing.T) {
		at := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
		ev := Event{ID: "fixed-id", Type: EventGraphStarted, RunID: "run-001", At: at}
		if err := prepareEvent(&ev); err != nil {
			t.Fatalf("prepareEvent: %v", err)
		}
		if ev.ID != "fixed-id" {
			t.Errorf("expected ID 'fixed-id', got %q", ev.ID)
		}
		if !ev.At.Equal(at) {
			t.Errorf("expected At %v, got %v", at, ev.At)
		}
	})

	t.Run("rejects invalid event", func(t *testing.T) {
		ev := Event{Type: "BOGUS", RunID: "run-001"}
		if err := prepareEvent(&ev); err == nil {
			t.Error("expected error for invalid event")
		}
	})
}

func TestOptions_Validation(t *testing.T) {
	tests := []struct {
		name string
		opt  Option
	}{
		{"nil logger", WithLogger(nil)},
		{"nil sink", WithDeadLetterSink(nil)},
		{"zero max deliveries", WithMaxDeliveries(0)},
		{"negative buffer", WithBufferSize(-1)},
		{"empty topic", WithTopic("")},
		{"zero read block", WithReadBlock(0)},
		{"zero claim idle", WithClaimMinIdle(0)},
		{"negative stream max len", WithStreamMaxLen(-1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := applyOptions([]Option{tt.opt}); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}

	t.Run("defaults applied", func(t *testing.T) {
		o, err := applyOptions(nil)
		if err != nil {
			t.Fatalf("applyOptions: %v", err)
		}
		if o.maxDeliveries != DefaultMaxDeliveries {
			t.Errorf("expected max deliveries %d, got %d", DefaultMaxDeliveries, o.maxDeliveries)
		}
		if o.bufferSize != DefaultBufferSize {
			t.Errorf("expected buffer size %d, got %d", DefaultBufferSize, o.bufferSize)
		}
		if o.topic != DefaultTopic {
			t.Errorf("expected topic %q, got %q", DefaultTopic, o.topic)
		}
		if o.deadLetter == nil {
			t.Error("expected default dead-letter sink")
		}
	})
}

func TestCheckSubscribe(t *testing.T) {
	h := func(context.Context, Event) error { return nil }

	if err := checkSubscribe("", "c1", h); err == nil {
		t.Error("expected error for empty group")
	}
	if err := checkSubscribe("g1", "", h); err == nil {
		t.Error("expected error for empty consumer")
	}
	if err := checkSubscribe("g1", "c1", nil); err == nil {
		t.Error("expected error for nil handler")
	}
	if err := checkSubscribe("g1", "c1", h); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestSafeDeliver_RecoversPanic(t *testing.T) {
	h := func(context.Context, Event) error {
		panic("handler exploded")
	}
	err := safeDeliver(context.Background(), h, Event{Type: EventGraphStarted, RunID: "run-001"})
	if err == nil {
		t.Fatal("expected error from panicking handler")
	}
	if !strings.Contains(err.Error(), "handler exploded") {
		t.Errorf("expected error to mention the panic value, got %q", err.Error())
	}
}
