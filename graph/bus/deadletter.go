package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DeadLetter records an event whose handler kept failing past the delivery
// limit, together with why and how often it was tried.
type DeadLetter struct {
	Event      Event     `json:"event"`
	Reason     string    `json:"reason"`
	Deliveries int       `json:"deliveries"`
	At         time.Time `json:"at"`
}

// DeadLetterSink receives exhausted events. Sinks must be safe for
// concurrent use; a sink error is logged by the bus but does not block the
// subscription.
type DeadLetterSink interface {
	Dead(ctx context.Context, dl DeadLetter) error
}

// MemoryDLQ collects dead letters in memory for inspection. Useful in tests
// and for surfacing poisoned events in an admin endpoint.
type MemoryDLQ struct {
	mu      sync.Mutex
	letters []DeadLetter
}

// NewMemoryDLQ creates an empty in-memory dead-letter queue.
func NewMemoryDLQ() *MemoryDLQ {
	return &MemoryDLQ{}
}

// Dead appends the letter. It never returns an error.
func (q *MemoryDLQ) Dead(_ context.Context, dl DeadLetter) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.letters = append(q.letters, dl)
	return nil
}

// Letters returns a copy of the collected dead letters in arrival order.
func (q *MemoryDLQ) Letters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetter, len(q.letters))
	copy(out, q.letters)
	return out
}

// Len returns the number of collected dead letters.
func (q *MemoryDLQ) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.letters)
}

// LogDLQ writes dead letters to a structured logger. It is the default sink
// so exhausted events are never silently discarded.
type LogDLQ struct {
	logger *slog.Logger
}

// NewLogDLQ creates a sink logging at error level. A nil logger falls back
// to slog.Default().
func NewLogDLQ(logger *slog.Logger) *LogDLQ {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogDLQ{logger: logger}
}

// Dead logs the letter. It never returns an error.
func (q *LogDLQ) Dead(ctx context.Context, dl DeadLetter) error {
	q.logger.LogAttrs(ctx, slog.LevelError, "event dead-lettered",
		slog.String("event_id", dl.Event.ID),
		slog.String("event_type", string(dl.Event.Type)),
		slog.String("run_id", dl.Event.RunID),
		slog.String("node_id", dl.Event.NodeID),
		slog.Int("seq", dl.Event.Seq),
		slog.Int("deliveries", dl.Deliveries),
		slog.String("reason", dl.Reason),
	)
	return nil
}
