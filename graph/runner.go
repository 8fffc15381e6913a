package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agentflow/agentflow-go/graph/bus"
	"github.com/agentflow/agentflow-go/graph/hitl"
	"github.com/agentflow/agentflow-go/graph/message"
	"github.com/agentflow/agentflow-go/graph/store"
)

// Runner executes a validated Graph: it threads the message state through
// the nodes, evaluates edges in declaration order, retries transient
// failures, persists checkpoints, publishes lifecycle events, and parks runs
// that need human input.
//
// A Runner is safe for concurrent use; each Run call is an independent run
// progressing sequentially through its nodes.
//
// Example:
//
//	runner, err := graph.NewRunner(g,
//	    graph.WithStore(st),
//	    graph.WithBus(b),
//	    graph.WithDefaultRetry(graph.RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond}),
//	)
//	report, err := runner.Run(ctx, message.New("hello"))
type Runner struct {
	graph *Graph
	cfg   runnerConfig
}

// NewRunner builds a runner for g. The graph must come from Build; a nil
// graph is rejected.
func NewRunner(g *Graph, opts ...Option) (*Runner, error) {
	if g == nil {
		return nil, errors.New("graph: runner needs a graph")
	}
	retry := DefaultRetry()
	cfg := runnerConfig{
		policy:   store.DefaultPolicy(),
		logger:   slog.Default(),
		maxSteps: DefaultMaxSteps,
		retry:    &retry,
		clock:    func() time.Time { return time.Now().UTC() },
		newRunID: uuid.NewString,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	return &Runner{graph: g, cfg: cfg}, nil
}

// runState is the in-memory execution state of one Run/Resume invocation.
type runState struct {
	ec      *message.ExecutionContext
	logger  *slog.Logger
	reports []NodeReport
	seen    map[string]bool
	cpmw    *CheckpointMiddleware
	steps   int
	resumed bool
	started time.Time
}

// Run starts a fresh run with initial as the entry node's input.
//
// The returned report describes how the run ended: SUCCEEDED with an output
// message, WAITING_FOR_HUMAN with a pending interaction, FAILED or CANCELLED
// with an error. Failures are returned both in the report and as the error
// value; a parked run returns a nil error.
func (r *Runner) Run(ctx context.Context, initial message.Message, opts ...RunOption) (RunReport, error) {
	var ro runOptions
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&ro); err != nil {
			return RunReport{}, err
		}
	}
	if err := initial.Validate(); err != nil {
		return RunReport{}, fmt.Errorf("graph: initial message: %w", err)
	}

	runID := ro.runID
	if runID == "" {
		runID = r.cfg.newRunID()
	}

	ec := message.NewExecutionContext(runID, r.graph.ID(), initial)
	for k, v := range ro.meta {
		ec.Meta[k] = v
	}
	ec.PromoteMetadata(initial)
	if err := ec.Transition(message.StateRunning); err != nil {
		return RunReport{}, err
	}

	rs := r.newRunState(ec, false)
	defer r.releaseRunState(rs)

	rs.logger.LogAttrs(ctx, slog.LevelInfo, "run started",
		slog.String("entry", r.graph.Entry()),
	)
	r.publish(ctx, ec, bus.EventGraphStarted, "", map[string]any{"entry": r.graph.Entry()})

	return r.loop(ctx, rs, r.graph.Entry())
}

// RunWithCheckpoint continues a run from its latest checkpoint: crash
// recovery for RUNNING snapshots, continuation for PAUSED ones. A run
// waiting for human input must be resumed through ResumeWithHumanResponse
// instead; a terminal run returns ErrGraphFinished.
func (r *Runner) RunWithCheckpoint(ctx context.Context, runID string) (RunReport, error) {
	cp, err := r.loadLatest(ctx, runID)
	if err != nil {
		return RunReport{}, err
	}
	switch {
	case cp.ExecState.IsTerminal():
		return RunReport{}, fmt.Errorf("graph: run %s: %w", runID, ErrGraphFinished)
	case cp.ExecState == message.StateWaitingForHuman:
		return RunReport{}, fmt.Errorf("graph: run %s: %w", runID, ErrAwaitingResponse)
	}
	return r.continueRun(ctx, cp)
}

// Resume continues a run whose latest checkpoint is PAUSED (a cancelled run
// preserved for continuation). Any other state returns ErrRunNotPaused,
// ErrAwaitingResponse or ErrGraphFinished.
func (r *Runner) Resume(ctx context.Context, runID string) (RunReport, error) {
	cp, err := r.loadLatest(ctx, runID)
	if err != nil {
		return RunReport{}, err
	}
	switch {
	case cp.ExecState.IsTerminal():
		return RunReport{}, fmt.Errorf("graph: run %s: %w", runID, ErrGraphFinished)
	case cp.ExecState == message.StateWaitingForHuman:
		return RunReport{}, fmt.Errorf("graph: run %s: %w", runID, ErrAwaitingResponse)
	case cp.ExecState != message.StatePaused:
		return RunReport{}, fmt.Errorf("graph: run %s: %w", runID, ErrRunNotPaused)
	}
	return r.continueRun(ctx, cp)
}

// ResumeWithHumanResponse answers a pending interaction and continues the
// run. The response is validated against the interaction first; an invalid
// response fails the call with a *hitl.Error and leaves the checkpoint
// untouched, so the run stays answerable.
func (r *Runner) ResumeWithHumanResponse(ctx context.Context, runID string, resp hitl.Response) (RunReport, error) {
	cp, err := r.loadLatest(ctx, runID)
	if err != nil {
		return RunReport{}, err
	}
	if cp.ExecState != message.StateWaitingForHuman || cp.Pending == nil {
		return RunReport{}, fmt.Errorf("graph: run %s: %w", runID, ErrRunNotWaiting)
	}
	if resp.RespondedAt.IsZero() {
		resp.RespondedAt = r.cfg.clock()
	}
	if err := cp.Pending.Validate(resp); err != nil {
		return RunReport{
			RunID:   runID,
			GraphID: cp.GraphID,
			Status:  message.StateFailed,
			Pending: cp.Pending,
			Err:     err,
			Resumed: true,
		}, err
	}

	ec, err := r.restore(cp)
	if err != nil {
		return RunReport{}, err
	}
	if err := ec.Transition(message.StateRunning); err != nil {
		return RunReport{}, err
	}

	rs := r.newRunState(ec, true)
	defer r.releaseRunState(rs)

	rs.logger.LogAttrs(ctx, slog.LevelInfo, "run resumed with human response",
		slog.String("node_id", cp.NodeID),
		slog.String("tool_call_id", resp.ToolCallID),
	)
	r.publish(ctx, ec, bus.EventGraphResumed, cp.NodeID, map[string]any{"reason": "human_response"})
	r.publish(ctx, ec, bus.EventHitlResponded, cp.NodeID, map[string]any{"tool_call_id": resp.ToolCallID})
	r.cfg.metrics.HitlResolved()

	// Inject the response as the pausing node's output and complete its
	// visit.
	injected := resp.ToMessage()
	started := r.cfg.clock()
	ec.SetCurrent(injected)
	ec.PromoteMetadata(injected)
	ec.MarkVisited(cp.NodeID)
	rs.reports = append(rs.reports, NodeReport{
		NodeID:   cp.NodeID,
		Kind:     r.nodeKind(cp.NodeID),
		Attempts: 1,
		Status:   NodeSucceededStatus,
		Started:  started,
		Finished: r.cfg.clock(),
	})

	// Record the resolution durably so a crash from here resumes past the
	// interaction instead of asking the human again.
	if _, err := r.saveCheckpoint(ctx, ec, cp.NodeID, store.ReasonResume, nil, &resp); err != nil {
		rs.logger.LogAttrs(ctx, slog.LevelWarn, "resume checkpoint save failed",
			slog.String("error", err.Error()),
		)
	}

	next, routeErr := r.route(ec, cp.NodeID, NodeResult{Output: injected})
	if routeErr != nil {
		return r.failRun(ctx, rs, cp.NodeID, routeErr)
	}
	if next == "" {
		return r.finishRun(ctx, rs, ec.Current())
	}
	return r.loop(ctx, rs, next)
}

// PendingInteractions lists the pending interaction of every run currently
// waiting for human input, oldest first.
func (r *Runner) PendingInteractions(ctx context.Context) ([]hitl.Interaction, error) {
	if r.cfg.store == nil {
		return nil, errors.New("graph: no checkpoint store configured")
	}
	cps, err := r.cfg.store.ListWaiting(ctx)
	if err != nil {
		return nil, &EventStoreError{Op: "list waiting runs", Cause: err}
	}
	out := make([]hitl.Interaction, 0, len(cps))
	for _, cp := range cps {
		if cp.Pending != nil {
			out = append(out, *cp.Pending)
		}
	}
	return out, nil
}

// continueRun restores a checkpoint and re-enters the loop at the node after
// the checkpointed one.
func (r *Runner) continueRun(ctx context.Context, cp store.Checkpoint) (RunReport, error) {
	ec, err := r.restore(cp)
	if err != nil {
		return RunReport{}, err
	}
	if ec.ExecState == message.StatePaused {
		if err := ec.Transition(message.StateRunning); err != nil {
			return RunReport{}, err
		}
	}

	rs := r.newRunState(ec, true)
	defer r.releaseRunState(rs)

	rs.logger.LogAttrs(ctx, slog.LevelInfo, "run resumed from checkpoint",
		slog.Int("seq", cp.Seq),
		slog.String("node_id", cp.NodeID),
	)
	r.publish(ctx, ec, bus.EventGraphResumed, cp.NodeID, map[string]any{"seq": cp.Seq})

	next, routeErr := r.route(ec, cp.NodeID, NodeResult{})
	if routeErr != nil {
		return r.failRun(ctx, rs, cp.NodeID, routeErr)
	}
	if next == "" {
		return r.finishRun(ctx, rs, ec.Current())
	}
	return r.loop(ctx, rs, next)
}

// restore forks a checkpoint's context for execution and checks it belongs
// to this runner's graph.
func (r *Runner) restore(cp store.Checkpoint) (*message.ExecutionContext, error) {
	if cp.GraphID != r.graph.ID() {
		return nil, &ValidationError{
			Code:    CodeInvalidGraph,
			Message: fmt.Sprintf("checkpoint belongs to graph %q, runner executes %q", cp.GraphID, r.graph.ID()),
		}
	}
	ec, err := cp.Context.Fork()
	if err != nil {
		return nil, err
	}
	return ec, nil
}

// loop is the forward execution path: visit the current node through the
// middleware chain, commit its output, route, repeat until an output node,
// a pause, a failure or cancellation ends the segment.
func (r *Runner) loop(ctx context.Context, rs *runState, current string) (RunReport, error) {
	for {
		if err := ctx.Err(); err != nil {
			return r.cancelRun(ctx, rs, current, err)
		}
		rs.steps++
		if rs.steps > r.cfg.maxSteps {
			return r.failRun(ctx, rs, current, &FatalError{
				Code:    CodeMaxSteps,
				RunID:   rs.ec.RunID,
				Message: fmt.Sprintf("exceeded the step budget of %d", r.cfg.maxSteps),
			})
		}

		node, ok := r.graph.Node(current)
		if !ok {
			return r.failRun(ctx, rs, current, &ValidationError{
				Code:    CodeInvalidGraph,
				NodeID:  current,
				Message: "node not found during execution",
			})
		}

		input := rs.ec.Current()
		fp := stateFingerprint(current, input)
		if rs.seen[fp] {
			return r.failRun(ctx, rs, current, &ConcurrencyError{
				Code:    CodeCycleDetected,
				RunID:   rs.ec.RunID,
				NodeID:  current,
				Message: "node revisited with a message it already processed",
			})
		}
		rs.seen[fp] = true

		nc := &NodeContext{
			Exec:   rs.ec,
			NodeID: current,
			Input:  input,
			Logger: rs.logger.With(slog.String("node_id", current)),
		}

		started := r.cfg.clock()
		res, err := r.visit(rs, node)(ctx, nc)
		finished := r.cfg.clock()

		report := NodeReport{
			NodeID:   current,
			Kind:     node.Kind(),
			Attempts: nc.Attempt + 1,
			Started:  started,
			Finished: finished,
			Duration: finished.Sub(started),
			Status:   NodeSucceededStatus,
		}
		switch {
		case err != nil:
			report.Status = NodeFailedStatus
			report.Err = err
		case res.Skip:
			report.Status = NodeSkippedStatus
		}

		if err != nil {
			rs.reports = append(rs.reports, report)
			if ctx.Err() != nil {
				return r.cancelRun(ctx, rs, current, ctx.Err())
			}
			return r.failRun(ctx, rs, current, err)
		}

		if res.Pause != nil {
			return r.pauseRun(ctx, rs, current, res.Pause)
		}

		rs.reports = append(rs.reports, report)

		if res.Skip {
			// A skip may come from the node or from a middleware that
			// recovered its failure; either way the input message stands and
			// the visit still counts.
			rs.ec.MarkVisited(current)
			r.publish(ctx, rs.ec, bus.EventNodeSkipped, current, nil)
		}

		if node.Kind() == KindOutput {
			return r.finishRun(ctx, rs, res.Output)
		}

		next, routeErr := r.route(rs.ec, current, res)
		if routeErr != nil {
			return r.failRun(ctx, rs, current, routeErr)
		}
		if next == "" {
			// No outgoing edge accepted the output; the run ends here with
			// the last node's output as the result.
			return r.finishRun(ctx, rs, rs.ec.Current())
		}
		current = next
	}
}

// visit composes the middleware chain for one node visit. Innermost to
// outermost: the timeout-bounded node itself, per-attempt event publishing,
// retry, user middlewares, state commit, periodic checkpointing, metrics,
// tracing. Commit sits outside the user middlewares so a result they
// transform (or produce without calling the node at all) is what downstream
// nodes, predicates and the final report see.
func (r *Runner) visit(rs *runState, node Node) Handler {
	policy := r.graph.Policy(node.ID())

	timeout := policy.Timeout
	if timeout == 0 {
		timeout = r.cfg.nodeTimeout
	}
	h := withTimeout(node.ID(), timeout, node.Run)
	h = r.attemptEvents(rs)(h)

	retry := policy.Retry
	if retry == nil {
		retry = r.cfg.retry
	}
	if retry != nil {
		h = NewRetryMiddleware(*retry).Around(h)
	}

	h = Chain(h, r.cfg.middlewares...)
	h = r.commit()(h)
	if rs.cpmw != nil {
		h = rs.cpmw.Around(h)
	}
	if r.cfg.metrics != nil {
		h = NewMetricsMiddleware(r.cfg.metrics).Around(h)
	}
	if r.cfg.tracing != nil {
		h = r.cfg.tracing.Around(h)
	}
	return h
}

// attemptEvents publishes NodeStarted before and the outcome event after
// every attempt. It sits inside the retry middleware, so a retried visit
// publishes one started/failed pair per attempt.
func (r *Runner) attemptEvents(rs *runState) func(Handler) Handler {
	return func(next Handler) Handler {
		return func(ctx context.Context, nc *NodeContext) (NodeResult, error) {
			r.publish(ctx, nc.Exec, bus.EventNodeStarted, nc.NodeID, map[string]any{
				"attempt": nc.Attempt,
			})
			res, err := next(ctx, nc)
			switch {
			case err != nil:
				r.publish(ctx, nc.Exec, bus.EventNodeFailed, nc.NodeID, map[string]any{
					"attempt":   nc.Attempt,
					"error":     err.Error(),
					"transient": IsTransient(err),
				})
			case res.Skip:
				// NodeSkipped is published by the loop once the final
				// decision is known; a middleware above may still convert.
			default:
				payload := map[string]any(nil)
				if res.Pause != nil {
					payload = map[string]any{"paused": true}
				}
				r.publish(ctx, nc.Exec, bus.EventNodeSucceeded, nc.NodeID, payload)
			}
			return res, err
		}
	}
}

// commit applies a successful visit to the execution context exactly once,
// after retries and the user middlewares settled: the final output becomes
// the current message, whitelisted metadata is promoted, and the node joins
// the visit trail. Pauses commit nothing; the node completes on resume.
// Skips are committed by the loop, which is the first place the final skip
// decision is known.
func (r *Runner) commit() func(Handler) Handler {
	return func(next Handler) Handler {
		return func(ctx context.Context, nc *NodeContext) (NodeResult, error) {
			res, err := next(ctx, nc)
			if err != nil || res.Pause != nil || res.Skip {
				return res, err
			}
			nc.Exec.SetCurrent(res.Output)
			nc.Exec.PromoteMetadata(res.Output)
			nc.Exec.MarkVisited(nc.NodeID)
			return res, err
		}
	}
}

// route picks the next node: the node's explicit Route when a declared edge
// leads there, otherwise the first edge in declaration order whose predicate
// accepts the context. An empty result with a nil error means no edge
// accepted the output; the run ends there with the last output as its
// result.
func (r *Runner) route(ec *message.ExecutionContext, from string, res NodeResult) (string, error) {
	edges := r.graph.Edges(from)
	if res.Route != "" {
		for _, e := range edges {
			if e.To == res.Route {
				return e.To, nil
			}
		}
	}
	for _, e := range edges {
		ok, err := evalPredicate(e, ec)
		if err != nil {
			return "", err
		}
		if ok {
			return e.To, nil
		}
	}
	return "", nil
}

// evalPredicate runs an edge predicate, converting a panic into a
// *ValidationError instead of crashing the process.
func evalPredicate(e Edge, ec *message.ExecutionContext) (ok bool, err error) {
	if e.When == nil {
		return true, nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
			err = &ValidationError{
				Code:    CodePredicatePanic,
				NodeID:  e.From,
				Message: fmt.Sprintf("predicate on edge %s panicked: %v", e.label(), rec),
			}
		}
	}()
	return e.When(ec), nil
}

// finishRun ends a run at an output node.
func (r *Runner) finishRun(ctx context.Context, rs *runState, output message.Message) (RunReport, error) {
	if err := rs.ec.Transition(message.StateSucceeded); err != nil {
		return r.report(rs, message.StateFailed, message.Message{}, err), err
	}
	if r.cfg.store != nil {
		if _, err := r.saveCheckpoint(ctx, rs.ec, rs.ec.CurrentNode, store.ReasonFinal, nil, nil); err != nil {
			rs.logger.LogAttrs(ctx, slog.LevelWarn, "final checkpoint save failed",
				slog.String("error", err.Error()),
			)
		}
	}
	r.publish(ctx, rs.ec, bus.EventGraphFinished, rs.ec.CurrentNode, map[string]any{"steps": rs.steps})
	r.cfg.metrics.RunCompleted(message.StateSucceeded)
	rs.logger.LogAttrs(ctx, slog.LevelInfo, "run finished",
		slog.Int("steps", rs.steps),
	)
	return r.report(rs, message.StateSucceeded, output, nil), nil
}

// pauseRun parks the run for human input. The pause checkpoint must land
// durably before the runner returns; a failed save fails the run instead of
// leaving an unanswerable pause behind.
func (r *Runner) pauseRun(ctx context.Context, rs *runState, nodeID string, req *hitl.Request) (RunReport, error) {
	invocation := rs.ec.VisitCount(nodeID)
	interaction := hitl.NewInteraction(rs.ec.RunID, nodeID, invocation, *req)

	if err := rs.ec.Transition(message.StateWaitingForHuman); err != nil {
		return r.failRun(ctx, rs, nodeID, err)
	}

	r.publish(ctx, rs.ec, bus.EventGraphPaused, nodeID, map[string]any{
		"invocation_index": invocation,
	})
	r.publish(ctx, rs.ec, bus.EventHitlRequested, nodeID, map[string]any{
		"tool_call_id": interaction.ToolCallID,
		"kind":         string(req.Kind),
		"prompt":       req.Prompt,
	})

	if _, err := r.saveCheckpoint(ctx, rs.ec, nodeID, store.ReasonPause, &interaction, nil); err != nil {
		return r.failRun(ctx, rs, nodeID, err)
	}

	r.cfg.metrics.HitlRequested()
	rs.logger.LogAttrs(ctx, slog.LevelInfo, "run waiting for human",
		slog.String("node_id", nodeID),
		slog.String("tool_call_id", interaction.ToolCallID),
	)
	report := r.report(rs, message.StateWaitingForHuman, message.Message{}, nil)
	report.Pending = &interaction
	return report, nil
}

// failRun ends a run on an unrecoverable error.
func (r *Runner) failRun(ctx context.Context, rs *runState, nodeID string, cause error) (RunReport, error) {
	if !rs.ec.ExecState.IsTerminal() {
		if err := rs.ec.Transition(message.StateFailed); err != nil {
			rs.logger.LogAttrs(ctx, slog.LevelWarn, "failed-state transition rejected",
				slog.String("error", err.Error()),
			)
		}
	}
	if r.cfg.store != nil && r.cfg.policy.SaveOnError {
		if _, err := r.saveCheckpoint(ctx, rs.ec, nodeID, store.ReasonError, nil, nil); err != nil {
			rs.logger.LogAttrs(ctx, slog.LevelWarn, "error checkpoint save failed",
				slog.String("error", err.Error()),
			)
		}
	}
	r.publish(ctx, rs.ec, bus.EventGraphFailed, nodeID, map[string]any{"error": cause.Error()})
	r.cfg.metrics.RunCompleted(message.StateFailed)
	rs.logger.LogAttrs(ctx, slog.LevelWarn, "run failed",
		slog.String("node_id", nodeID),
		slog.String("error", cause.Error()),
	)
	return r.report(rs, message.StateFailed, message.Message{}, cause), cause
}

// cancelRun ends a run on context cancellation. The snapshot is saved as
// PAUSED so Resume can pick the run back up; the report still says
// CANCELLED.
func (r *Runner) cancelRun(ctx context.Context, rs *runState, nodeID string, cause error) (RunReport, error) {
	// The incoming context is already cancelled; the snapshot and the final
	// event still have to go out.
	ctx = context.WithoutCancel(ctx)
	if rs.ec.ExecState == message.StateRunning {
		if err := rs.ec.Transition(message.StatePaused); err != nil {
			rs.logger.LogAttrs(ctx, slog.LevelWarn, "paused-state transition rejected",
				slog.String("error", err.Error()),
			)
		}
	}
	if r.cfg.store != nil && r.cfg.policy.SaveOnError {
		if _, err := r.saveCheckpoint(ctx, rs.ec, rs.ec.CurrentNode, store.ReasonError, nil, nil); err != nil {
			rs.logger.LogAttrs(ctx, slog.LevelWarn, "cancel checkpoint save failed",
				slog.String("error", err.Error()),
			)
		}
	}
	r.publish(ctx, rs.ec, bus.EventGraphCancelled, nodeID, nil)
	r.cfg.metrics.RunCompleted(message.StateCancelled)
	rs.logger.LogAttrs(ctx, slog.LevelInfo, "run cancelled",
		slog.String("node_id", nodeID),
	)
	err := fmt.Errorf("graph: run %s cancelled: %w", rs.ec.RunID, cause)
	return r.report(rs, message.StateCancelled, message.Message{}, err), err
}

// report assembles the RunReport for the current segment.
func (r *Runner) report(rs *runState, status message.ExecutionState, output message.Message, err error) RunReport {
	return RunReport{
		RunID:      rs.ec.RunID,
		GraphID:    rs.ec.GraphID,
		Status:     status,
		Output:     output,
		Err:        err,
		Nodes:      rs.reports,
		StartedAt:  rs.started,
		FinishedAt: r.cfg.clock(),
		Steps:      rs.steps,
		Resumed:    rs.resumed,
	}
}

// saveCheckpoint persists one snapshot with the next free sequence number.
// Mandatory saves call it directly; periodic saves go through the checkpoint
// middleware.
func (r *Runner) saveCheckpoint(ctx context.Context, ec *message.ExecutionContext, nodeID string, reason store.Reason, pending *hitl.Interaction, resp *hitl.Response) (store.Checkpoint, error) {
	if r.cfg.store == nil {
		return store.Checkpoint{}, &EventStoreError{
			Op:    "save checkpoint",
			RunID: ec.RunID,
			Cause: errors.New("no checkpoint store configured"),
		}
	}
	snap, err := ec.Snapshot()
	if err != nil {
		return store.Checkpoint{}, &EventStoreError{Op: "snapshot run", RunID: ec.RunID, Cause: err}
	}
	seq, err := nextCheckpointSeq(ctx, r.cfg.store, ec.RunID)
	if err != nil {
		return store.Checkpoint{}, &EventStoreError{Op: "next checkpoint seq", RunID: ec.RunID, Cause: err}
	}
	cp := store.Checkpoint{
		RunID:     ec.RunID,
		GraphID:   ec.GraphID,
		Seq:       seq,
		NodeID:    nodeID,
		ExecState: snap.ExecState,
		Context:   snap,
		Pending:   pending,
		Response:  resp,
		Reason:    reason,
		CreatedAt: r.cfg.clock(),
	}
	if err := r.cfg.store.Save(ctx, cp); err != nil {
		return store.Checkpoint{}, &EventStoreError{Op: "save checkpoint", RunID: ec.RunID, Cause: err}
	}
	if err := r.cfg.store.Prune(ctx, ec.RunID, r.cfg.policy.EffectiveMax()); err != nil {
		r.cfg.logger.LogAttrs(ctx, slog.LevelWarn, "checkpoint prune failed",
			slog.String("run_id", ec.RunID),
			slog.String("error", err.Error()),
		)
	}
	return cp, nil
}

// publish sends one lifecycle event, assigning the run's next sequence
// number. Publish failures are logged, never fatal: losing telemetry must
// not fail the run.
func (r *Runner) publish(ctx context.Context, ec *message.ExecutionContext, t bus.EventType, nodeID string, payload map[string]any) {
	if r.cfg.eventBus == nil {
		return
	}
	ev := bus.Event{
		Type:    t,
		RunID:   ec.RunID,
		GraphID: ec.GraphID,
		NodeID:  nodeID,
		Seq:     ec.EventSeq,
		Payload: payload,
		Meta: bus.Metadata{
			TenantID:      ec.MetaString(message.MetaTenantID),
			UserID:        ec.MetaString(message.MetaUserID),
			CorrelationID: ec.MetaString(message.MetaCorrelationID),
		},
		At: r.cfg.clock(),
	}
	ec.EventSeq++
	if err := r.cfg.eventBus.Publish(ctx, ev); err != nil {
		r.cfg.logger.LogAttrs(ctx, slog.LevelWarn, "event publish failed",
			slog.String("run_id", ec.RunID),
			slog.String("type", string(t)),
			slog.String("error", err.Error()),
		)
		return
	}
	r.cfg.metrics.EventPublished()
}

// loadLatest fetches a run's resume point.
func (r *Runner) loadLatest(ctx context.Context, runID string) (store.Checkpoint, error) {
	if r.cfg.store == nil {
		return store.Checkpoint{}, errors.New("graph: no checkpoint store configured")
	}
	cp, err := r.cfg.store.LoadLatest(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Checkpoint{}, fmt.Errorf("graph: run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return store.Checkpoint{}, &EventStoreError{Op: "load latest checkpoint", RunID: runID, Cause: err}
	}
	return cp, nil
}

// newRunState prepares the per-segment execution state, including the
// periodic checkpoint middleware when the policy asks for one.
func (r *Runner) newRunState(ec *message.ExecutionContext, resumed bool) *runState {
	rs := &runState{
		ec:      ec,
		seen:    make(map[string]bool),
		resumed: resumed,
		started: r.cfg.clock(),
		logger: r.cfg.logger.With(
			slog.String("run_id", ec.RunID),
			slog.String("graph_id", ec.GraphID),
		),
	}
	if r.cfg.store != nil && (r.cfg.policy.SaveEveryNodes > 0 || r.cfg.policy.SaveEvery > 0) {
		rs.cpmw = NewCheckpointMiddleware(r.cfg.store, r.cfg.policy,
			WithCheckpointClock(r.cfg.clock),
			WithCheckpointLogger(rs.logger),
			WithSaveHook(func(ctx context.Context, cp store.Checkpoint) {
				r.publish(ctx, ec, bus.EventCheckpointSaved, cp.NodeID, map[string]any{
					"seq":    cp.Seq,
					"reason": string(cp.Reason),
				})
			}),
		)
	}
	return rs
}

// releaseRunState drops per-run middleware bookkeeping.
func (r *Runner) releaseRunState(rs *runState) {
	if rs.cpmw != nil {
		rs.cpmw.Forget(rs.ec.RunID)
	}
}

// nodeKind looks up a node's kind for reporting; unknown nodes (a graph
// changed between pause and resume) report an empty kind.
func (r *Runner) nodeKind(id string) NodeKind {
	if n, ok := r.graph.Node(id); ok {
		return n.Kind()
	}
	return ""
}
