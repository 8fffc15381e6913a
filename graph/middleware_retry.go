package graph

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// RetryMiddleware re-executes failed node attempts under a RetryPolicy.
// Only transient failures are retried; permanent ones surface immediately.
// Between attempts it sleeps an exponential backoff with jitter and aborts
// the wait when the context is cancelled.
//
// The middleware writes the current attempt into NodeContext.Attempt before
// every try, so inner middlewares and the node itself can see which attempt
// they are on.
type RetryMiddleware struct {
	policy RetryPolicy
	rng    *rand.Rand
}

// NewRetryMiddleware builds the middleware. The policy should have passed
// Validate; a MaxAttempts below 1 behaves like 1.
func NewRetryMiddleware(policy RetryPolicy) *RetryMiddleware {
	return &RetryMiddleware{policy: policy}
}

// Name implements Middleware.
func (m *RetryMiddleware) Name() string { return "retry" }

// Around implements Middleware.
func (m *RetryMiddleware) Around(next Handler) Handler {
	maxAttempts := m.policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return func(ctx context.Context, nc *NodeContext) (NodeResult, error) {
		for attempt := 0; ; attempt++ {
			nc.Attempt = attempt
			res, err := next(ctx, nc)
			if err == nil {
				return res, nil
			}
			if attempt+1 >= maxAttempts || !m.policy.retryable(err) {
				if attempt > 0 {
					return NodeResult{}, fmt.Errorf("node %s: giving up after %d attempts: %w",
						nc.NodeID, attempt+1, err)
				}
				return NodeResult{}, err
			}

			delay := computeBackoff(attempt, m.policy.BaseDelay, m.policy.MaxDelay, m.rng)
			if delay <= 0 {
				continue
			}
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return NodeResult{}, fmt.Errorf("node %s: retry wait: %w", nc.NodeID, ctx.Err())
			case <-timer.C:
			}
		}
	}
}
