package graph

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/agentflow/agentflow-go/graph/bus"
	"github.com/agentflow/agentflow-go/graph/message"
)

// metricsNamespace prefixes every instrument, e.g. agentflow_runs_total.
const metricsNamespace = "agentflow"

// Metrics bundles the runtime's Prometheus instruments.
//
// The runner records run-level series (runs by terminal status, pending
// interactions, published events); MetricsMiddleware records the per-node
// series. All methods are safe on a nil receiver, so instrumentation can be
// left unconfigured without guarding every call site.
//
// Example:
//
//	registry := prometheus.NewRegistry()
//	metrics := graph.NewMetrics(registry)
//	runner, err := graph.NewRunner(g,
//	    graph.WithMetrics(metrics),
//	)
type Metrics struct {
	mu      sync.RWMutex
	enabled bool

	runsTotal          *prometheus.CounterVec
	nodeExecutions     *prometheus.CounterVec
	nodeRetries        *prometheus.CounterVec
	nodeDuration       *prometheus.HistogramVec
	hitlPending        prometheus.Gauge
	eventsPublished    prometheus.Counter
	eventsDeadLettered prometheus.Counter
}

// NewMetrics registers the instrument set with the given registerer. A nil
// registerer uses prometheus.DefaultRegisterer. Registering the same set
// twice on one registerer panics inside the Prometheus client, so create one
// Metrics per registry and share it.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		enabled: true,
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "runs_total",
			Help:      "Runs that reached a terminal state, by status.",
		}, []string{"status"}),
		nodeExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "node_executions_total",
			Help:      "Node visits by node id and outcome.",
		}, []string{"node", "status"}),
		nodeRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "node_retries_total",
			Help:      "Retry attempts beyond the first execution, by node id.",
		}, []string{"node"}),
		nodeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "node_duration_seconds",
			Help:      "Wall-clock node visit duration including retries.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"node"}),
		hitlPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "hitl_pending",
			Help:      "Runs currently parked waiting for human input.",
		}),
		eventsPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_published_total",
			Help:      "Lifecycle events handed to the event bus.",
		}),
		eventsDeadLettered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_dead_lettered_total",
			Help:      "Events buried after exhausting their delivery limit.",
		}),
	}
}

// Enable turns recording on. Metrics start enabled.
func (m *Metrics) Enable() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.enabled = true
	m.mu.Unlock()
}

// Disable stops recording without unregistering the instruments.
func (m *Metrics) Disable() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.enabled = false
	m.mu.Unlock()
}

func (m *Metrics) active() bool {
	if m == nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// RunCompleted counts a run reaching a terminal state.
func (m *Metrics) RunCompleted(status message.ExecutionState) {
	if !m.active() {
		return
	}
	m.runsTotal.WithLabelValues(strings.ToLower(string(status))).Inc()
}

// NodeExecuted records one node visit's outcome and duration.
func (m *Metrics) NodeExecuted(nodeID string, status NodeStatus, d time.Duration) {
	if !m.active() {
		return
	}
	m.nodeExecutions.WithLabelValues(nodeID, strings.ToLower(string(status))).Inc()
	m.nodeDuration.WithLabelValues(nodeID).Observe(d.Seconds())
}

// NodeRetried adds the retries a node visit needed beyond its first attempt.
func (m *Metrics) NodeRetried(nodeID string, retries int) {
	if !m.active() || retries <= 0 {
		return
	}
	m.nodeRetries.WithLabelValues(nodeID).Add(float64(retries))
}

// HitlRequested counts a run parking for human input.
func (m *Metrics) HitlRequested() {
	if !m.active() {
		return
	}
	m.hitlPending.Inc()
}

// HitlResolved counts a parked run being resumed.
func (m *Metrics) HitlResolved() {
	if !m.active() {
		return
	}
	m.hitlPending.Dec()
}

// EventPublished counts one lifecycle event handed to the bus.
func (m *Metrics) EventPublished() {
	if !m.active() {
		return
	}
	m.eventsPublished.Inc()
}

func (m *Metrics) eventDeadLettered() {
	if !m.active() {
		return
	}
	m.eventsDeadLettered.Inc()
}

// DeadLetterSink wraps a bus sink so every buried event also increments
// agentflow_events_dead_lettered_total. A nil next falls back to logging.
//
//	dlq := bus.NewMemoryDLQ()
//	b, err := bus.NewMemoryBus(bus.WithDeadLetterSink(metrics.DeadLetterSink(dlq)))
func (m *Metrics) DeadLetterSink(next bus.DeadLetterSink) bus.DeadLetterSink {
	if next == nil {
		next = bus.NewLogDLQ(nil)
	}
	return &meteredDLQ{metrics: m, next: next}
}

type meteredDLQ struct {
	metrics *Metrics
	next    bus.DeadLetterSink
}

func (s *meteredDLQ) Dead(ctx context.Context, dl bus.DeadLetter) error {
	s.metrics.eventDeadLettered()
	return s.next.Dead(ctx, dl)
}
