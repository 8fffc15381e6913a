package graph

import (
	"context"
	"errors"
	"time"
)

// withTimeout bounds one execution attempt of a node. The node runs under a
// deadline context; when the deadline fires before the node returns, the
// attempt fails with *TimeoutError, which the taxonomy classifies as
// transient so retry policies get another try.
//
// The node goroutine is not killed on timeout; it is expected to observe its
// context and unwind. A node that ignores cancellation leaks its goroutine
// until it returns on its own, which is the usual Go contract.
func withTimeout(nodeID string, timeout time.Duration, next Handler) Handler {
	if timeout <= 0 {
		return next
	}
	return func(ctx context.Context, nc *NodeContext) (NodeResult, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		type outcome struct {
			res NodeResult
			err error
		}
		done := make(chan outcome, 1)
		go func() {
			res, err := next(attemptCtx, nc)
			done <- outcome{res: res, err: err}
		}()

		select {
		case out := <-done:
			if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) && ctx.Err() == nil {
				return NodeResult{}, &TimeoutError{NodeID: nodeID, Timeout: timeout}
			}
			return out.res, out.err
		case <-attemptCtx.Done():
			if ctx.Err() != nil {
				// The caller's context ended; report cancellation, not a
				// node timeout.
				return NodeResult{}, ctx.Err()
			}
			return NodeResult{}, &TimeoutError{NodeID: nodeID, Timeout: timeout}
		}
	}
}
