package graph

import (
	"context"
	"errors"

	"github.com/agentflow/agentflow-go/graph/message"
)

// Agent is an external collaborator that turns an input message into an
// output message: an LLM call, a rules engine, a remote service. The runtime
// ships no providers; applications implement Agent against whatever backs
// their agents.
//
// Implementations should respect context cancellation and return errors they
// consider retryable as types the taxonomy classifies as transient (or rely
// on the node's WithTransientClassifier).
type Agent interface {
	// Name identifies the agent in errors and logs.
	Name() string

	// Execute produces the agent's answer to in. meta carries the run's
	// promoted metadata (tenant_id, user_id, correlation_id) read-only.
	Execute(ctx context.Context, in message.Message, meta map[string]any) (message.Message, error)
}

// AgentFunc adapts a plain function to the Agent interface.
//
//	echo := graph.NewAgentFunc("echo", func(ctx context.Context, in message.Message, _ map[string]any) (message.Message, error) {
//	    return in.WithContent("echo: " + in.Content), nil
//	})
type AgentFunc struct {
	name string
	fn   func(context.Context, message.Message, map[string]any) (message.Message, error)
}

// NewAgentFunc wraps fn as a named Agent.
func NewAgentFunc(name string, fn func(context.Context, message.Message, map[string]any) (message.Message, error)) *AgentFunc {
	return &AgentFunc{name: name, fn: fn}
}

// Name implements Agent.
func (f *AgentFunc) Name() string { return f.name }

// Execute implements Agent.
func (f *AgentFunc) Execute(ctx context.Context, in message.Message, meta map[string]any) (message.Message, error) {
	if err := ctx.Err(); err != nil {
		return message.Message{}, err
	}
	return f.fn(ctx, in, meta)
}

// AgentNode wraps an Agent as a graph node. Agent failures are wrapped in
// *AgentError with a transient classification, so retry policies can tell a
// rate limit from a permanent rejection.
type AgentNode struct {
	baseNode
	agent    Agent
	classify func(error) bool
}

// NewAgentNode builds a node that delegates to a.
func NewAgentNode(id string, a Agent, opts ...NodeOption) *AgentNode {
	base, classify := newBaseNode(id, KindAgent, opts)
	return &AgentNode{baseNode: base, agent: a, classify: classify}
}

// Run implements Node. An empty agent output is an error: downstream nodes
// and edge predicates need a message to act on.
func (n *AgentNode) Run(ctx context.Context, nc *NodeContext) (NodeResult, error) {
	out, err := n.agent.Execute(ctx, nc.Input, nc.Exec.Meta)
	if err != nil {
		return NodeResult{}, &AgentError{
			Agent:     n.agent.Name(),
			NodeID:    n.id,
			Message:   "execute failed",
			Transient: n.transient(err),
			Cause:     err,
		}
	}
	if out.IsZero() {
		return NodeResult{}, &AgentError{
			Agent:   n.agent.Name(),
			NodeID:  n.id,
			Message: "empty output",
		}
	}
	if err := checkMetadataSize(n.id, out, n.policy.MetadataLimit); err != nil {
		return NodeResult{}, err
	}
	return NodeResult{Output: out}, nil
}

func (n *AgentNode) transient(err error) bool {
	if n.classify != nil {
		return n.classify(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return IsTransient(err)
}
