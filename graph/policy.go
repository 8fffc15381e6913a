package graph

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy controls automatic re-execution of failed node attempts.
//
// Only transient failures are retried (see IsTransient); permanent failures
// surface immediately regardless of the remaining attempt budget. Between
// attempts the runner waits an exponentially growing delay with jitter, so
// concurrent runs hammering the same flaky dependency spread out instead of
// retrying in lockstep.
//
// Example:
//
//	policy := graph.RetryPolicy{
//	    MaxAttempts: 3,
//	    BaseDelay:   100 * time.Millisecond,
//	    MaxDelay:    2 * time.Second,
//	}
type RetryPolicy struct {
	// MaxAttempts is the total number of executions, the first try
	// included. 1 means no retries.
	MaxAttempts int

	// BaseDelay is the wait before the first retry and the unit the
	// exponential schedule grows from.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth. Zero means no cap.
	MaxDelay time.Duration

	// Retryable overrides the default transient classification when set.
	// It receives the node error and reports whether another attempt is
	// worthwhile.
	Retryable func(error) bool
}

// DefaultRetry is the policy nodes run under when neither WithDefaultRetry
// nor a per-node WithRetry is configured: three attempts total, delays
// doubling from 100ms up to 5s.
func DefaultRetry() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

// Validate checks the policy for configuration mistakes.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry policy: MaxAttempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.BaseDelay < 0 {
		return fmt.Errorf("retry policy: BaseDelay must not be negative, got %v", p.BaseDelay)
	}
	if p.MaxDelay < 0 {
		return fmt.Errorf("retry policy: MaxDelay must not be negative, got %v", p.MaxDelay)
	}
	if p.MaxDelay > 0 && p.BaseDelay > 0 && p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("retry policy: MaxDelay %v is below BaseDelay %v", p.MaxDelay, p.BaseDelay)
	}
	return nil
}

// retryable resolves the classification function: the override when set,
// IsTransient otherwise.
func (p RetryPolicy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return IsTransient(err)
}

// computeBackoff returns the wait before retrying attempt (0-based): the
// exponential delay base * 2^attempt, capped at maxDelay when set, plus a
// random jitter in [0, base).
//
// The rng parameter allows deterministic jitter in tests; a nil rng uses the
// shared global source, which is safe for concurrent use.
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		return 0
	}

	shift := uint(attempt)
	if shift > 30 {
		shift = 30
	}
	exponential := base * (1 << shift)
	if exponential <= 0 {
		// The multiplication overflowed; treat it as beyond any cap.
		exponential = time.Duration(math.MaxInt64)
	}
	if maxDelay > 0 && exponential > maxDelay {
		exponential = maxDelay
	}

	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base)))
	}
	delay := exponential + jitter
	if delay < exponential {
		delay = exponential
	}
	return delay
}
