package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentflow/agentflow-go/graph/hitl"
	"github.com/agentflow/agentflow-go/graph/message"
)

// NodeKind classifies the built-in node types. The validator treats kinds
// differently: output nodes terminate a run and may not have outgoing edges,
// human nodes must have at least one.
type NodeKind string

const (
	KindAgent  NodeKind = "AGENT"
	KindTool   NodeKind = "TOOL"
	KindOutput NodeKind = "OUTPUT"
	KindHuman  NodeKind = "HUMAN"
)

// Node is a processing unit in a graph.
//
// The built-in implementations cover the common cases:
//   - AgentNode delegates to an Agent (an LLM call, a rules engine)
//   - ToolNode invokes a tool.Tool and wraps its result
//   - OutputNode formats the final message and terminates the run
//   - HumanNode parks the run until a human responds
//
// Custom nodes implement the same three methods. Run receives the execution
// context read-mostly: a node communicates through its returned NodeResult,
// never by writing to the shared state directly.
type Node interface {
	// ID returns the node's unique identifier within its graph. Node ids
	// must not contain underscores; interaction ids embed them and are
	// parsed on underscores.
	ID() string

	// Kind classifies the node for validation and reporting.
	Kind() NodeKind

	// Run executes the node against the incoming message.
	Run(ctx context.Context, nc *NodeContext) (NodeResult, error)
}

// NodeContext carries everything one node execution may look at.
type NodeContext struct {
	// Exec is the run's execution context. Nodes read it; the runner owns
	// all writes.
	Exec *message.ExecutionContext

	// NodeID is the id of the executing node.
	NodeID string

	// Input is the message this node receives.
	Input message.Message

	// Logger is pre-scoped with run and node attributes.
	Logger *slog.Logger

	// Attempt is the 0-based retry counter for the current execution.
	Attempt int
}

// NodeResult is what a node execution produced.
type NodeResult struct {
	// Output is the message handed to the next node. A zero Output with a
	// nil error passes the input through unchanged.
	Output message.Message

	// Route names the preferred next node. It is honored only when a
	// declared edge leads there; otherwise routing falls back to edge
	// declaration order.
	Route string

	// Pause, when non-nil, asks the runner to park the run for human
	// input instead of routing onward.
	Pause *hitl.Request

	// Skip marks the node as skipped: no output was produced and routing
	// proceeds with the input unchanged.
	Skip bool
}

// DefaultMetadataLimit caps the serialized metadata of a node's output
// message at 64 KiB.
const DefaultMetadataLimit = 64 << 10

// NodePolicy collects the per-node execution overrides harvested by the
// graph builder. Zero fields fall back to the runner defaults.
type NodePolicy struct {
	// Timeout bounds one execution attempt. Zero uses the runner default.
	Timeout time.Duration

	// Retry overrides the runner's default retry policy for this node.
	Retry *RetryPolicy

	// MetadataLimit caps the serialized output metadata in bytes.
	MetadataLimit int
}

// nodeOptions is the mutable carrier NodeOption functions write to.
type nodeOptions struct {
	policy   NodePolicy
	classify func(error) bool
}

// NodeOption configures a built-in node at construction time.
type NodeOption func(*nodeOptions)

// WithNodeTimeout bounds each execution attempt of this node. Non-positive
// values leave the runner default in effect.
func WithNodeTimeout(d time.Duration) NodeOption {
	return func(o *nodeOptions) {
		if d > 0 {
			o.policy.Timeout = d
		}
	}
}

// WithRetry overrides the runner's default retry policy for this node. The
// policy is validated when the graph is built.
func WithRetry(p RetryPolicy) NodeOption {
	return func(o *nodeOptions) {
		o.policy.Retry = &p
	}
}

// WithMetadataSizeLimit caps the serialized metadata of this node's output
// message. Non-positive values leave the default of 64 KiB in effect.
func WithMetadataSizeLimit(n int) NodeOption {
	return func(o *nodeOptions) {
		if n > 0 {
			o.policy.MetadataLimit = n
		}
	}
}

// WithTransientClassifier sets the callback an AgentNode uses to decide
// whether a raw agent error is worth retrying. Ignored by other node types.
// Without it, agent failures are classified by IsTransient.
func WithTransientClassifier(fn func(error) bool) NodeOption {
	return func(o *nodeOptions) {
		o.classify = fn
	}
}

// baseNode carries the identity and policy shared by the built-in node
// types.
type baseNode struct {
	id     string
	kind   NodeKind
	policy NodePolicy
}

func newBaseNode(id string, kind NodeKind, opts []NodeOption) (baseNode, func(error) bool) {
	o := nodeOptions{policy: NodePolicy{MetadataLimit: DefaultMetadataLimit}}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return baseNode{id: id, kind: kind, policy: o.policy}, o.classify
}

// ID implements Node.
func (b *baseNode) ID() string { return b.id }

// Kind implements Node.
func (b *baseNode) Kind() NodeKind { return b.kind }

// Policy returns the node's execution overrides. The graph builder harvests
// it from any node that exposes this method; custom nodes without one run
// under the runner defaults.
func (b *baseNode) Policy() NodePolicy { return b.policy }

// checkMetadataSize rejects output messages whose serialized metadata
// exceeds limit. Oversize metadata tends to be an agent echoing a whole
// document into a field meant for routing keys.
func checkMetadataSize(nodeID string, out message.Message, limit int) error {
	if len(out.Metadata) == 0 {
		return nil
	}
	if limit <= 0 {
		limit = DefaultMetadataLimit
	}
	raw, err := json.Marshal(out.Metadata)
	if err != nil {
		return &ValidationError{
			Code:    CodeBadMetadata,
			NodeID:  nodeID,
			Message: fmt.Sprintf("output metadata is not JSON-serializable: %v", err),
		}
	}
	if len(raw) > limit {
		return &ValidationError{
			Code:    CodeMetadataTooLarge,
			NodeID:  nodeID,
			Message: fmt.Sprintf("output metadata is %d bytes, limit is %d", len(raw), limit),
		}
	}
	return nil
}
