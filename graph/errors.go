// Package graph implements the multi-agent orchestration runtime: typed
// nodes wired into a validated directed graph, executed by a Runner that
// checkpoints progress, publishes lifecycle events, and can park a run for
// human input and resume it later.
package graph

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentflow/agentflow-go/graph/bus"
	"github.com/agentflow/agentflow-go/graph/hitl"
	"github.com/agentflow/agentflow-go/graph/store"
	"github.com/agentflow/agentflow-go/graph/tool"
)

// Sentinel errors returned by Runner operations. Match with errors.Is.
var (
	// ErrNotFound is returned when a run has no stored checkpoints.
	ErrNotFound = store.ErrNotFound

	// ErrRunNotPaused is returned by Resume when the run's latest
	// checkpoint is not in the PAUSED state.
	ErrRunNotPaused = errors.New("graph: run is not paused")

	// ErrRunNotWaiting is returned by ResumeWithHumanResponse when the run
	// is not waiting for human input.
	ErrRunNotWaiting = errors.New("graph: run is not waiting for human input")

	// ErrAwaitingResponse is returned when a run waiting for human input is
	// continued without a response; use ResumeWithHumanResponse.
	ErrAwaitingResponse = errors.New("graph: run is awaiting a human response")

	// ErrBusClosed is returned by event publishes after the bus is closed.
	ErrBusClosed = bus.ErrClosed

	// ErrGraphFinished is returned when continuing a run whose latest
	// checkpoint is already terminal.
	ErrGraphFinished = errors.New("graph: run already finished")
)

// Machine-readable codes carried by the structured error types.
const (
	CodeInvalidGraph     = "INVALID_GRAPH"
	CodePredicatePanic   = "PREDICATE_PANIC"
	CodeBadMetadata      = "METADATA_NOT_SERIALIZABLE"
	CodeMetadataTooLarge = "METADATA_TOO_LARGE"
	CodeNodeTimeout      = "NODE_TIMEOUT"
	CodeCycleDetected    = "CYCLE_DETECTED"
	CodeMaxSteps         = "MAX_STEPS"
)

// ValidationError reports a structurally invalid graph or an invalid node
// output. Build aggregates every finding it collects into Findings; runtime
// checks (predicate panics, oversize metadata) produce a single
// finding-free instance with the relevant code.
//
// ValidationError is never transient: the same input will fail the same way
// on every attempt.
type ValidationError struct {
	// Code is the machine-readable failure class.
	Code string

	// Message describes the failure.
	Message string

	// NodeID identifies the offending node, when one is known.
	NodeID string

	// Findings lists every individual validation failure found by Build.
	Findings []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if len(e.Findings) > 0 {
		return fmt.Sprintf("graph validation failed (%d findings): %s",
			len(e.Findings), strings.Join(e.Findings, "; "))
	}
	if e.NodeID != "" {
		return fmt.Sprintf("graph %s: node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("graph %s: %s", e.Code, e.Message)
}

// AgentError is a failed agent execution. The wrapping AgentNode classifies
// the failure: Transient marks faults worth retrying (rate limits, upstream
// outages), while empty outputs and validation rejections stay permanent.
type AgentError struct {
	// Agent is the name of the agent that failed.
	Agent string

	// NodeID identifies the node wrapping the agent.
	NodeID string

	// Message describes the failure.
	Message string

	// Transient marks the failure as retryable.
	Transient bool

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *AgentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("agent %s on node %s: %s: %v", e.Agent, e.NodeID, e.Message, e.Cause)
	}
	return fmt.Sprintf("agent %s on node %s: %s", e.Agent, e.NodeID, e.Message)
}

// Unwrap exposes the underlying cause to errors.Is and errors.As.
func (e *AgentError) Unwrap() error { return e.Cause }

// ToolError is a failed tool call. See package tool for the field contract;
// the alias keeps the whole taxonomy addressable from this package.
type ToolError = tool.Error

// HitlError is a human-interaction protocol violation: a malformed pause
// request, a response that does not match its pending interaction, or a
// stale interaction id. Never transient. See package hitl.
type HitlError = hitl.Error

// TimeoutError reports a node execution that exceeded its configured
// timeout. Always transient: the same node may well finish within the limit
// on a retry.
type TimeoutError struct {
	// NodeID identifies the node that timed out.
	NodeID string

	// Timeout is the limit that was exceeded.
	Timeout time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("node %s: exceeded timeout of %v", e.NodeID, e.Timeout)
}

// ConcurrencyError reports a runtime execution fault the static validator
// cannot rule out, such as a detected cycle: the run revisited a node with a
// message it already processed there. Never transient.
type ConcurrencyError struct {
	// Code is the machine-readable failure class, e.g. CodeCycleDetected.
	Code string

	// RunID identifies the affected run.
	RunID string

	// NodeID identifies the node at which the fault was detected.
	NodeID string

	// Message describes the fault.
	Message string
}

// Error implements the error interface.
func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("run %s: node %s: %s: %s", e.RunID, e.NodeID, e.Code, e.Message)
}

// EventStoreError wraps an infrastructure failure from the checkpoint store
// or the event bus. Transient: the persistence layer may recover, so retry
// policies are allowed to try again.
type EventStoreError struct {
	// Op names the failed operation, e.g. "save checkpoint" or
	// "publish event".
	Op string

	// RunID identifies the affected run.
	RunID string

	// Cause is the underlying store or bus error.
	Cause error
}

// Error implements the error interface.
func (e *EventStoreError) Error() string {
	return fmt.Sprintf("run %s: %s: %v", e.RunID, e.Op, e.Cause)
}

// Unwrap exposes the underlying cause to errors.Is and errors.As.
func (e *EventStoreError) Unwrap() error { return e.Cause }

// FatalError is a terminal runtime condition that no retry can fix, such as
// the per-run step budget being exhausted.
type FatalError struct {
	// Code is the machine-readable failure class, e.g. CodeMaxSteps.
	Code string

	// RunID identifies the affected run.
	RunID string

	// Message describes the condition.
	Message string
}

// Error implements the error interface.
func (e *FatalError) Error() string {
	return fmt.Sprintf("run %s: %s: %s", e.RunID, e.Code, e.Message)
}

// IsTransient reports whether err is worth retrying. It walks the error
// chain from the outside in and returns the verdict of the first
// classifiable error it finds: timeouts and store or bus failures are
// transient, agent and tool errors carry their own flag, and validation,
// concurrency, interaction and fatal errors are always permanent.
//
// Unclassified errors are treated as permanent.
func IsTransient(err error) bool {
	for err != nil {
		switch e := err.(type) {
		case *TimeoutError:
			return true
		case *EventStoreError:
			return true
		case *AgentError:
			return e.Transient
		case *ToolError:
			return e.Transient
		case *ValidationError:
			return false
		case *ConcurrencyError:
			return false
		case *FatalError:
			return false
		case *HitlError:
			return false
		}
		err = errors.Unwrap(err)
	}
	return false
}

// ErrorAction is the decision a middleware takes for a node failure.
type ErrorAction int

const (
	// ActionPropagate fails the node and lets the runner fail the run.
	ActionPropagate ErrorAction = iota

	// ActionRetry re-executes the node after a backoff.
	ActionRetry

	// ActionSkip swallows the failure and reports the node as skipped;
	// routing proceeds as if the node produced its input unchanged.
	ActionSkip

	// ActionContinue accepts the result as-is. Classify returns it for a
	// nil error.
	ActionContinue
)

// String returns the action name for logs.
func (a ErrorAction) String() string {
	switch a {
	case ActionPropagate:
		return "propagate"
	case ActionRetry:
		return "retry"
	case ActionSkip:
		return "skip"
	case ActionContinue:
		return "continue"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Classify maps an error to the default middleware action: nil errors
// continue, transient errors retry, everything else propagates. Middlewares
// with their own recovery policy may translate a failure to ActionSkip
// instead; the chain contract is that a skip decision must surface as
// NodeResult{Skip: true} with a nil error.
func Classify(err error) ErrorAction {
	if err == nil {
		return ActionContinue
	}
	if IsTransient(err) {
		return ActionRetry
	}
	return ActionPropagate
}
