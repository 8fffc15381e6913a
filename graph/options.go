package graph

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/agentflow/agentflow-go/graph/bus"
	"github.com/agentflow/agentflow-go/graph/store"
)

// DefaultMaxSteps bounds how many node visits one run may make before it is
// aborted with a *FatalError. Generous for real workflows, small enough to
// stop a divergent predicate loop quickly.
const DefaultMaxSteps = 1000

// runnerConfig collects everything NewRunner assembles. Options mutate it;
// NewRunner validates the result.
type runnerConfig struct {
	store       store.Store
	policy      store.Policy
	eventBus    bus.EventBus
	logger      *slog.Logger
	middlewares []Middleware
	metrics     *Metrics
	tracing     *TracingMiddleware
	maxSteps    int
	nodeTimeout time.Duration
	retry       *RetryPolicy
	clock       func() time.Time
	newRunID    func() string
}

// Option configures a Runner at construction time. Options validate eagerly
// and NewRunner reports the first failure.
type Option func(*runnerConfig) error

// WithStore attaches a checkpoint store. Without one the runner executes but
// cannot pause, resume, or survive a crash; reaching a human node or a
// tool-driven pause then fails the run.
func WithStore(st store.Store) Option {
	return func(c *runnerConfig) error {
		if st == nil {
			return errors.New("graph: store must not be nil")
		}
		c.store = st
		return nil
	}
}

// WithCheckpointPolicy sets when periodic checkpoints are taken. Mandatory
// saves (pause, error, final) are unaffected. The default policy saves on
// error only and caps ten checkpoints per run.
func WithCheckpointPolicy(p store.Policy) Option {
	return func(c *runnerConfig) error {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("graph: %w", err)
		}
		c.policy = p
		return nil
	}
}

// WithBus attaches an event bus; every run lifecycle transition is published
// to it. Without one the runner is silent.
func WithBus(b bus.EventBus) Option {
	return func(c *runnerConfig) error {
		if b == nil {
			return errors.New("graph: bus must not be nil")
		}
		c.eventBus = b
		return nil
	}
}

// WithLogger sets the runner's logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *runnerConfig) error {
		if logger == nil {
			return errors.New("graph: logger must not be nil")
		}
		c.logger = logger
		return nil
	}
}

// WithMiddlewares appends middlewares to the chain, first registered
// outermost. The runner adds its retry and event plumbing inside the user
// chain and commits the chain's final result to the run state outside it,
// so a middleware may transform a NodeResult on the way out or answer
// without calling the node at all.
func WithMiddlewares(mws ...Middleware) Option {
	return func(c *runnerConfig) error {
		for _, mw := range mws {
			if mw == nil {
				return errors.New("graph: middleware must not be nil")
			}
			c.middlewares = append(c.middlewares, mw)
		}
		return nil
	}
}

// WithMetrics attaches a Prometheus instrument set. The runner records the
// run-level series itself and installs a MetricsMiddleware for the per-node
// series.
func WithMetrics(m *Metrics) Option {
	return func(c *runnerConfig) error {
		if m == nil {
			return errors.New("graph: metrics must not be nil")
		}
		c.metrics = m
		return nil
	}
}

// WithTracerProvider enables OpenTelemetry tracing: one span per node visit,
// installed outermost so user middlewares run inside it.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *runnerConfig) error {
		if tp == nil {
			return errors.New("graph: tracer provider must not be nil")
		}
		c.tracing = NewTracingMiddleware(tp)
		return nil
	}
}

// WithMaxSteps overrides the per-run step budget. Zero or negative is
// rejected; use a large budget rather than none.
func WithMaxSteps(n int) Option {
	return func(c *runnerConfig) error {
		if n < 1 {
			return fmt.Errorf("graph: max steps must be at least 1, got %d", n)
		}
		c.maxSteps = n
		return nil
	}
}

// WithDefaultNodeTimeout bounds each node attempt that has no per-node
// timeout of its own. Zero (the default) means unbounded.
func WithDefaultNodeTimeout(d time.Duration) Option {
	return func(c *runnerConfig) error {
		if d < 0 {
			return fmt.Errorf("graph: node timeout must not be negative, got %v", d)
		}
		c.nodeTimeout = d
		return nil
	}
}

// WithDefaultRetry replaces the retry policy applied to nodes without a
// WithRetry override. The default is DefaultRetry(); pass MaxAttempts 1 to
// disable retries.
func WithDefaultRetry(p RetryPolicy) Option {
	return func(c *runnerConfig) error {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("graph: %w", err)
		}
		c.retry = &p
		return nil
	}
}

// WithClock overrides the runner's time source. Intended for tests.
func WithClock(clock func() time.Time) Option {
	return func(c *runnerConfig) error {
		if clock == nil {
			return errors.New("graph: clock must not be nil")
		}
		c.clock = clock
		return nil
	}
}

// WithRunIDGenerator overrides how fresh run ids are minted. Intended for
// tests that assert on deterministic ids.
func WithRunIDGenerator(fn func() string) Option {
	return func(c *runnerConfig) error {
		if fn == nil {
			return errors.New("graph: run id generator must not be nil")
		}
		c.newRunID = fn
		return nil
	}
}

// RunOption configures one Run invocation.
type RunOption func(*runOptions) error

type runOptions struct {
	runID string
	meta  map[string]any
}

// WithRunID pins the run id instead of minting one. Useful when the caller
// already has a correlation handle for the run.
func WithRunID(id string) RunOption {
	return func(o *runOptions) error {
		if id == "" {
			return errors.New("graph: run id must not be empty")
		}
		o.runID = id
		return nil
	}
}

// WithRunMetadata seeds the run's promoted metadata (tenant_id, user_id,
// correlation_id and any custom keys) before the first node executes.
func WithRunMetadata(meta map[string]any) RunOption {
	return func(o *runOptions) error {
		if o.meta == nil {
			o.meta = make(map[string]any, len(meta))
		}
		for k, v := range meta {
			o.meta[k] = v
		}
		return nil
	}
}
