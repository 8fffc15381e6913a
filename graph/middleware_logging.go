package graph

import (
	"context"
	"log/slog"
	"time"
)

// LoggingMiddleware writes one start and one finish record per node visit.
// The runner already logs run lifecycle transitions; this middleware adds
// per-node timing for debugging graph behavior.
type LoggingMiddleware struct {
	logger *slog.Logger
}

// NewLoggingMiddleware builds the middleware. A nil logger falls back to
// slog.Default().
func NewLoggingMiddleware(logger *slog.Logger) *LoggingMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingMiddleware{logger: logger}
}

// Name implements Middleware.
func (m *LoggingMiddleware) Name() string { return "logging" }

// Around implements Middleware.
func (m *LoggingMiddleware) Around(next Handler) Handler {
	return func(ctx context.Context, nc *NodeContext) (NodeResult, error) {
		m.logger.LogAttrs(ctx, slog.LevelDebug, "node starting",
			slog.String("run_id", nc.Exec.RunID),
			slog.String("node_id", nc.NodeID),
			slog.Int("attempt", nc.Attempt),
		)
		start := time.Now()
		res, err := next(ctx, nc)
		elapsed := time.Since(start)

		switch {
		case err != nil:
			m.logger.LogAttrs(ctx, slog.LevelWarn, "node failed",
				slog.String("run_id", nc.Exec.RunID),
				slog.String("node_id", nc.NodeID),
				slog.Int("attempt", nc.Attempt),
				slog.Int64("duration_ms", elapsed.Milliseconds()),
				slog.String("error", err.Error()),
			)
		case res.Skip:
			m.logger.LogAttrs(ctx, slog.LevelInfo, "node skipped",
				slog.String("run_id", nc.Exec.RunID),
				slog.String("node_id", nc.NodeID),
				slog.Int64("duration_ms", elapsed.Milliseconds()),
			)
		default:
			m.logger.LogAttrs(ctx, slog.LevelInfo, "node finished",
				slog.String("run_id", nc.Exec.RunID),
				slog.String("node_id", nc.NodeID),
				slog.Int("attempt", nc.Attempt),
				slog.Int64("duration_ms", elapsed.Milliseconds()),
			)
		}
		return res, err
	}
}
