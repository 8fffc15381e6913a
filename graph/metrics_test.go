package graph

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/agentflow/agentflow-go/graph/bus"
	"github.com/agentflow/agentflow-go/graph/message"
)

func TestMetricsNilReceiverSafe(t *testing.T) {
	var m *Metrics
	m.RunCompleted(message.StateSucceeded)
	m.NodeExecuted("n", NodeSucceededStatus, time.Second)
	m.NodeRetried("n", 2)
	m.HitlRequested()
	m.HitlResolved()
	m.EventPublished()
	m.Enable()
	m.Disable()
}

func TestMetricsRecording(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RunCompleted(message.StateSucceeded)
	m.RunCompleted(message.StateSucceeded)
	m.RunCompleted(message.StateFailed)
	m.NodeExecuted("triage", NodeSucceededStatus, 50*time.Millisecond)
	m.NodeExecuted("triage", NodeFailedStatus, time.Millisecond)
	m.NodeRetried("triage", 2)
	m.NodeRetried("triage", 0) // no-op
	m.HitlRequested()
	m.HitlRequested()
	m.HitlResolved()
	m.EventPublished()

	runs := func(status string) float64 {
		return testutil.ToFloat64(m.runsTotal.WithLabelValues(status))
	}
	if got := runs("succeeded"); got != 2 {
		t.Errorf("runs_total{succeeded} = %v, want 2", got)
	}
	if got := runs("failed"); got != 1 {
		t.Errorf("runs_total{failed} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.nodeExecutions.WithLabelValues("triage", "succeeded")); got != 1 {
		t.Errorf("node_executions_total{triage,succeeded} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.nodeRetries.WithLabelValues("triage")); got != 2 {
		t.Errorf("node_retries_total{triage} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.hitlPending); got != 1 {
		t.Errorf("hitl_pending = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.eventsPublished); got != 1 {
		t.Errorf("events_published_total = %v, want 1", got)
	}
}

func TestMetricsDisable(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.Disable()
	m.RunCompleted(message.StateSucceeded)
	if got := testutil.ToFloat64(m.runsTotal.WithLabelValues("succeeded")); got != 0 {
		t.Errorf("disabled metrics recorded %v runs", got)
	}
	m.Enable()
	m.RunCompleted(message.StateSucceeded)
	if got := testutil.ToFloat64(m.runsTotal.WithLabelValues("succeeded")); got != 1 {
		t.Errorf("re-enabled metrics recorded %v runs, want 1", got)
	}
}

func TestMetricsMiddleware(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	mw := NewMetricsMiddleware(m)

	nc := testNodeContext(message.New("x"))
	nc.NodeID = "work"
	nc.Attempt = 2
	h := mw.Around(func(context.Context, *NodeContext) (NodeResult, error) {
		return NodeResult{}, nil
	})
	if _, err := h(context.Background(), nc); err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if got := testutil.ToFloat64(m.nodeExecutions.WithLabelValues("work", "succeeded")); got != 1 {
		t.Errorf("executions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.nodeRetries.WithLabelValues("work")); got != 2 {
		t.Errorf("retries = %v, want 2", got)
	}

	failing := mw.Around(func(context.Context, *NodeContext) (NodeResult, error) {
		return NodeResult{}, errors.New("boom")
	})
	if _, err := failing(context.Background(), nc); err == nil {
		t.Fatal("failing handler returned nil")
	}
	if got := testutil.ToFloat64(m.nodeExecutions.WithLabelValues("work", "failed")); got != 1 {
		t.Errorf("failed executions = %v, want 1", got)
	}
}

func TestMetricsDeadLetterSink(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	dlq := bus.NewMemoryDLQ()
	sink := m.DeadLetterSink(dlq)

	dl := bus.DeadLetter{
		Event:      bus.Event{ID: "ev-1", Type: bus.EventNodeFailed, RunID: "r"},
		Reason:     "handler kept failing",
		Deliveries: 3,
		At:         time.Now().UTC(),
	}
	if err := sink.Dead(context.Background(), dl); err != nil {
		t.Fatalf("Dead failed: %v", err)
	}
	if dlq.Len() != 1 {
		t.Errorf("dlq len = %d, want 1", dlq.Len())
	}
	if got := testutil.ToFloat64(m.eventsDeadLettered); got != 1 {
		t.Errorf("events_dead_lettered_total = %v, want 1", got)
	}
}

func TestRunnerRecordsRunMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	r := mustRunner(t, linearGraph(t), WithMetrics(m))
	if _, err := r.Run(context.Background(), message.New("hi")); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := testutil.ToFloat64(m.runsTotal.WithLabelValues("succeeded")); got != 1 {
		t.Errorf("runs_total{succeeded} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.nodeExecutions.WithLabelValues("greet", "succeeded")); got != 1 {
		t.Errorf("node_executions_total{greet,succeeded} = %v, want 1", got)
	}
}
