package graph

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/agentflow/agentflow-go/graph/store"
)

// CheckpointMiddleware takes the periodic progress snapshots a checkpoint
// policy asks for: every Nth completed node (SaveEveryNodes) and every so
// often (SaveEvery). The mandatory pause, error and final snapshots are the
// runner's responsibility, not this middleware's.
//
// Interval accounting is derived from the run's visit trail, so it continues
// correctly across resumes. Timer accounting is in-memory per run; call
// Forget when a run ends to release it (the runner does this for the
// instance it installs).
type CheckpointMiddleware struct {
	store  store.Store
	policy store.Policy
	clock  func() time.Time
	logger *slog.Logger
	onSave func(context.Context, store.Checkpoint)

	mu       sync.Mutex
	lastSave map[string]time.Time
}

// CheckpointOption configures a CheckpointMiddleware.
type CheckpointOption func(*CheckpointMiddleware)

// WithCheckpointClock overrides the time source. Intended for tests.
func WithCheckpointClock(clock func() time.Time) CheckpointOption {
	return func(m *CheckpointMiddleware) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithCheckpointLogger sets where save failures are reported.
func WithCheckpointLogger(logger *slog.Logger) CheckpointOption {
	return func(m *CheckpointMiddleware) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithSaveHook registers a callback invoked after every successful save.
// The runner uses it to publish CheckpointSaved events.
func WithSaveHook(fn func(context.Context, store.Checkpoint)) CheckpointOption {
	return func(m *CheckpointMiddleware) {
		m.onSave = fn
	}
}

// NewCheckpointMiddleware builds the middleware.
func NewCheckpointMiddleware(st store.Store, policy store.Policy, opts ...CheckpointOption) *CheckpointMiddleware {
	m := &CheckpointMiddleware{
		store:    st,
		policy:   policy,
		clock:    func() time.Time { return time.Now().UTC() },
		logger:   slog.Default(),
		lastSave: make(map[string]time.Time),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Name implements Middleware.
func (m *CheckpointMiddleware) Name() string { return "checkpoint" }

// Around implements Middleware. Snapshots are taken after the wrapped
// handler succeeds, so the persisted context already carries the node's
// output.
func (m *CheckpointMiddleware) Around(next Handler) Handler {
	return func(ctx context.Context, nc *NodeContext) (NodeResult, error) {
		res, err := next(ctx, nc)
		if err != nil || res.Pause != nil || m.store == nil {
			return res, err
		}
		if reason, due := m.due(nc); due {
			m.save(ctx, nc, reason)
		}
		return res, err
	}
}

// Forget releases the in-memory timer state of a finished run.
func (m *CheckpointMiddleware) Forget(runID string) {
	m.mu.Lock()
	delete(m.lastSave, runID)
	m.mu.Unlock()
}

// due decides whether a snapshot is owed and why. Interval saves win over
// timer saves when both are due at once.
func (m *CheckpointMiddleware) due(nc *NodeContext) (store.Reason, bool) {
	if n := m.policy.SaveEveryNodes; n > 0 && len(nc.Exec.Visited) > 0 && len(nc.Exec.Visited)%n == 0 {
		return store.ReasonInterval, true
	}
	if every := m.policy.SaveEvery; every > 0 {
		now := m.clock()
		m.mu.Lock()
		defer m.mu.Unlock()
		last, seen := m.lastSave[nc.Exec.RunID]
		if !seen {
			// First sight of this run starts its timer window.
			m.lastSave[nc.Exec.RunID] = now
			return "", false
		}
		if now.Sub(last) >= every {
			m.lastSave[nc.Exec.RunID] = now
			return store.ReasonTimer, true
		}
	}
	return "", false
}

// save persists one progress snapshot. Failures are logged and swallowed;
// losing a periodic snapshot costs replay distance, not correctness.
func (m *CheckpointMiddleware) save(ctx context.Context, nc *NodeContext, reason store.Reason) {
	snap, err := nc.Exec.Snapshot()
	if err != nil {
		m.logger.LogAttrs(ctx, slog.LevelWarn, "checkpoint snapshot failed",
			slog.String("run_id", nc.Exec.RunID),
			slog.String("node_id", nc.NodeID),
			slog.String("error", err.Error()),
		)
		return
	}
	seq, err := nextCheckpointSeq(ctx, m.store, nc.Exec.RunID)
	if err != nil {
		m.logger.LogAttrs(ctx, slog.LevelWarn, "checkpoint seq lookup failed",
			slog.String("run_id", nc.Exec.RunID),
			slog.String("error", err.Error()),
		)
		return
	}
	cp := store.Checkpoint{
		RunID:     nc.Exec.RunID,
		GraphID:   nc.Exec.GraphID,
		Seq:       seq,
		NodeID:    nc.NodeID,
		ExecState: snap.ExecState,
		Context:   snap,
		Reason:    reason,
		CreatedAt: m.clock(),
	}
	if err := m.store.Save(ctx, cp); err != nil {
		m.logger.LogAttrs(ctx, slog.LevelWarn, "checkpoint save failed",
			slog.String("run_id", cp.RunID),
			slog.Int("seq", cp.Seq),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := m.store.Prune(ctx, cp.RunID, m.policy.EffectiveMax()); err != nil {
		m.logger.LogAttrs(ctx, slog.LevelWarn, "checkpoint prune failed",
			slog.String("run_id", cp.RunID),
			slog.String("error", err.Error()),
		)
	}
	if m.onSave != nil {
		m.onSave(ctx, cp)
	}
}

// nextCheckpointSeq returns the next free sequence number of a run. Seq
// assignment goes through the store so the runner and this middleware never
// hand out the same number.
func nextCheckpointSeq(ctx context.Context, st store.Store, runID string) (int, error) {
	latest, err := st.LoadLatest(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return latest.Seq + 1, nil
}
