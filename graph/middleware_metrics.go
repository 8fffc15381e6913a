package graph

import (
	"context"
	"time"
)

// MetricsMiddleware records per-node Prometheus series: executions by
// outcome, visit duration, and retries. Place it outside RetryMiddleware so
// a retried visit counts once; NodeContext.Attempt tells it how many retries
// the visit needed.
type MetricsMiddleware struct {
	metrics *Metrics
}

// NewMetricsMiddleware builds the middleware. A nil Metrics records nothing.
func NewMetricsMiddleware(m *Metrics) *MetricsMiddleware {
	return &MetricsMiddleware{metrics: m}
}

// Name implements Middleware.
func (m *MetricsMiddleware) Name() string { return "metrics" }

// Around implements Middleware.
func (m *MetricsMiddleware) Around(next Handler) Handler {
	return func(ctx context.Context, nc *NodeContext) (NodeResult, error) {
		start := time.Now()
		res, err := next(ctx, nc)
		elapsed := time.Since(start)

		status := NodeSucceededStatus
		switch {
		case err != nil:
			status = NodeFailedStatus
		case res.Skip:
			status = NodeSkippedStatus
		}
		m.metrics.NodeExecuted(nc.NodeID, status, elapsed)
		m.metrics.NodeRetried(nc.NodeID, nc.Attempt)
		return res, err
	}
}
