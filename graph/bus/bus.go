// Package bus publishes and consumes run lifecycle events.
//
// Every state change the runner makes is announced as an Event: a run
// starting, a node finishing, a checkpoint being written, a run parking for
// human input. Subscribers consume those events for monitoring dashboards,
// audit trails, or to trigger downstream work.
//
// Three implementations ship with the runtime:
//   - MemoryBus: in-process fan-out with bounded buffers, for tests and
//     single-binary deployments
//   - RedisBus: Redis Streams with consumer groups, for small fleets
//   - KafkaBus: Kafka/Redpanda topics keyed by run ID, for high volume
//
// All implementations deliver at-least-once within a consumer group. A
// handler that keeps failing is retried up to the configured delivery limit
// and then handed to the dead-letter sink, so one poisoned event cannot
// wedge a subscription.
//
// Example usage:
//
//	b, _ := bus.NewMemoryBus()
//	defer b.Close()
//
//	sub, _ := b.Subscribe(ctx, "audit", "worker-1", func(ctx context.Context, ev bus.Event) error {
//		log.Printf("%s %s seq=%d", ev.RunID, ev.Type, ev.Seq)
//		return nil
//	})
//	defer sub.Unsubscribe()
//
//	b.Publish(ctx, bus.Event{Type: bus.EventGraphStarted, RunID: "run-001"})
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("bus: closed")

// Defaults shared by the bus implementations.
const (
	// DefaultMaxDeliveries is how many times a failing handler sees an
	// event before it is dead-lettered.
	DefaultMaxDeliveries = 5

	// DefaultBufferSize is the per-subscriber buffer of the memory bus.
	DefaultBufferSize = 256

	// DefaultTopic is the logical topic events are published to. Backends
	// namespace it: the Redis stream becomes "agentflow:events:runs", the
	// Kafka topic "agentflow.events.runs".
	DefaultTopic = "runs"
)

// EventType identifies what happened. The runner publishes these in a fixed
// order per run: GraphStarted first, then for every step a NodeStarted
// followed by exactly one of NodeSucceeded, NodeFailed or NodeSkipped
// (plus CheckpointSaved when a checkpoint was written), and finally exactly
// one of GraphFinished, GraphFailed or GraphCancelled. Runs that park for
// human input publish GraphPaused and HitlRequested instead of a terminal
// event; resuming publishes GraphResumed (and HitlResponded when a human
// response is injected) and continues the sequence.
type EventType string

// Reserved event types published by the runner.
const (
	EventGraphStarted    EventType = "GRAPH_STARTED"
	EventNodeStarted     EventType = "NODE_STARTED"
	EventNodeSucceeded   EventType = "NODE_SUCCEEDED"
	EventNodeFailed      EventType = "NODE_FAILED"
	EventNodeSkipped     EventType = "NODE_SKIPPED"
	EventCheckpointSaved EventType = "CHECKPOINT_SAVED"
	EventGraphPaused     EventType = "GRAPH_PAUSED"
	EventHitlRequested   EventType = "HITL_REQUESTED"
	EventHitlResponded   EventType = "HITL_RESPONDED"
	EventGraphResumed    EventType = "GRAPH_RESUMED"
	EventGraphFinished   EventType = "GRAPH_FINISHED"
	EventGraphFailed     EventType = "GRAPH_FAILED"
	EventGraphCancelled  EventType = "GRAPH_CANCELLED"
)

// Valid reports whether t is one of the reserved event types.
func (t EventType) Valid() bool {
	switch t {
	case EventGraphStarted, EventNodeStarted, EventNodeSucceeded,
		EventNodeFailed, EventNodeSkipped, EventCheckpointSaved,
		EventGraphPaused, EventHitlRequested, EventHitlResponded,
		EventGraphResumed, EventGraphFinished, EventGraphFailed,
		EventGraphCancelled:
		return true
	}
	return false
}

// Terminal reports whether t ends a run. Paused runs are not terminal; they
// resume and publish one of these later.
func (t EventType) Terminal() bool {
	switch t {
	case EventGraphFinished, EventGraphFailed, EventGraphCancelled:
		return true
	}
	return false
}

// Metadata carries tenant attribution copied from the execution context so
// subscribers can filter events without loading the run.
type Metadata struct {
	TenantID      string `json:"tenant_id,omitempty"`
	UserID        string `json:"user_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Event is the envelope published for every run state change.
//
// Seq is assigned by the publisher and is strictly increasing per run, so
// subscribers can detect gaps and reorder deliveries from backends that only
// guarantee per-partition order.
type Event struct {
	ID      string         `json:"id"`
	Type    EventType      `json:"type"`
	RunID   string         `json:"run_id"`
	GraphID string         `json:"graph_id,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Seq     int            `json:"seq"`
	Payload map[string]any `json:"payload,omitempty"`
	Meta    Metadata       `json:"meta"`
	At      time.Time      `json:"at"`
}

// Validate checks the fields every backend requires before publishing.
func (e Event) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("bus: unknown event type %q", e.Type)
	}
	if e.RunID == "" {
		return errors.New("bus: event run ID must not be empty")
	}
	if e.Seq < 0 {
		return fmt.Errorf("bus: event seq must not be negative, got %d", e.Seq)
	}
	return nil
}

// prepareEvent validates ev and fills the fields publishers may leave zero.
func prepareEvent(ev *Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	return nil
}

// HandlerFunc processes a delivered event. Returning an error triggers
// redelivery per backend semantics; once the delivery limit is reached the
// event goes to the dead-letter sink. Handlers must be safe to call again
// with the same event.
type HandlerFunc func(ctx context.Context, ev Event) error

// Subscription is a live consumer registration.
type Subscription interface {
	// Unsubscribe stops delivery and releases the consumer. It blocks
	// until the in-flight handler call, if any, has returned.
	Unsubscribe() error
}

// EventBus publishes run events and fans them out to consumer groups.
//
// Every group sees every event; consumers within a group share the work
// (one consumer per group on the memory bus). Implementations must be safe
// for concurrent use.
type EventBus interface {
	// Publish sends an event. An empty ID and zero At are filled in.
	Publish(ctx context.Context, ev Event) error

	// Subscribe registers consumer under group and invokes h for every
	// delivered event until the subscription or the bus is closed.
	Subscribe(ctx context.Context, group, consumer string, h HandlerFunc) (Subscription, error)

	// Close stops all subscriptions. Publish and Subscribe return
	// ErrClosed afterwards.
	Close() error
}

// checkSubscribe validates the arguments common to all Subscribe
// implementations.
func checkSubscribe(group, consumer string, h HandlerFunc) error {
	if group == "" {
		return errors.New("bus: subscribe: group must not be empty")
	}
	if consumer == "" {
		return errors.New("bus: subscribe: consumer must not be empty")
	}
	if h == nil {
		return errors.New("bus: subscribe: handler must not be nil")
	}
	return nil
}

// safeDeliver invokes h and converts a panic into a delivery error so a
// misbehaving handler counts as a failed delivery instead of killing the
// consumer goroutine.
func safeDeliver(ctx context.Context, h HandlerFunc, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bus: handler panic: %v", r)
		}
	}()
	return h(ctx, ev)
}

// options collects the knobs shared across bus implementations. Options that
// do not apply to a backend are ignored by it; each With function documents
// which backends honor it.
type options struct {
	logger        *slog.Logger
	deadLetter    DeadLetterSink
	maxDeliveries int
	bufferSize    int
	topic         string
	readBlock     time.Duration
	claimMinIdle  time.Duration
	streamMaxLen  int64
}

func defaultOptions() options {
	return options{
		logger:        slog.Default(),
		maxDeliveries: DefaultMaxDeliveries,
		bufferSize:    DefaultBufferSize,
		topic:         DefaultTopic,
		readBlock:     time.Second,
		claimMinIdle:  5 * time.Second,
	}
}

func applyOptions(opts []Option) (options, error) {
	o := defaultOptions()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&o); err != nil {
			return options{}, err
		}
	}
	if o.deadLetter == nil {
		o.deadLetter = NewLogDLQ(o.logger)
	}
	return o, nil
}

// Option configures a bus implementation.
type Option func(*options) error

// WithLogger sets the logger used for delivery failures and dead letters.
// Honored by all backends. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) error {
		if logger == nil {
			return errors.New("bus: logger must not be nil")
		}
		o.logger = logger
		return nil
	}
}

// WithDeadLetterSink sets where exhausted events go. Honored by the memory
// and Redis buses; the Kafka bus dead-letters to its DLQ topic instead.
// Defaults to LogDLQ on the configured logger.
func WithDeadLetterSink(sink DeadLetterSink) Option {
	return func(o *options) error {
		if sink == nil {
			return errors.New("bus: dead-letter sink must not be nil")
		}
		o.deadLetter = sink
		return nil
	}
}

// WithMaxDeliveries sets how many times a failing handler sees an event
// before it is dead-lettered. Honored by all backends.
func WithMaxDeliveries(n int) Option {
	return func(o *options) error {
		if n < 1 {
			return fmt.Errorf("bus: max deliveries must be at least 1, got %d", n)
		}
		o.maxDeliveries = n
		return nil
	}
}

// WithBufferSize sets the per-subscriber buffer of the memory bus. When a
// buffer is full the oldest event is dropped. Ignored by other backends.
func WithBufferSize(n int) Option {
	return func(o *options) error {
		if n < 1 {
			return fmt.Errorf("bus: buffer size must be at least 1, got %d", n)
		}
		o.bufferSize = n
		return nil
	}
}

// WithTopic sets the logical topic. The Redis bus writes to stream
// "agentflow:events:<topic>", the Kafka bus to topic
// "agentflow.events.<topic>" with dead letters in
// "agentflow.events.<topic>.dlq". Ignored by the memory bus.
func WithTopic(topic string) Option {
	return func(o *options) error {
		if topic == "" {
			return errors.New("bus: topic must not be empty")
		}
		o.topic = topic
		return nil
	}
}

// WithReadBlock sets how long a Redis consumer blocks waiting for new
// entries per poll. Redis bus only.
func WithReadBlock(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return fmt.Errorf("bus: read block must be positive, got %v", d)
		}
		o.readBlock = d
		return nil
	}
}

// WithClaimMinIdle sets how long a pending Redis entry must sit idle before
// another consumer may claim and retry it. Redis bus only.
func WithClaimMinIdle(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return fmt.Errorf("bus: claim min idle must be positive, got %v", d)
		}
		o.claimMinIdle = d
		return nil
	}
}

// WithStreamMaxLen caps the Redis stream length with approximate trimming.
// Zero disables trimming. Redis bus only.
func WithStreamMaxLen(n int64) Option {
	return func(o *options) error {
		if n < 0 {
			return fmt.Errorf("bus: stream max len must not be negative, got %d", n)
		}
		o.streamMaxLen = n
		return nil
	}
}
