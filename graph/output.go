package graph

import (
	"context"
	"fmt"

	"github.com/agentflow/agentflow-go/graph/message"
)

// OutputFunc applies the final formatting step to the run's last message.
type OutputFunc func(message.Message) (message.Message, error)

// OutputNode terminates a run. When the runner reaches an output node it
// applies the node's formatter, transitions the run to SUCCEEDED, and stops
// routing; the validator rejects output nodes with outgoing edges.
type OutputNode struct {
	baseNode
	format OutputFunc
}

// NewOutputNode builds a terminal node. A nil format passes the incoming
// message through unchanged.
func NewOutputNode(id string, format OutputFunc) *OutputNode {
	base, _ := newBaseNode(id, KindOutput, nil)
	return &OutputNode{baseNode: base, format: format}
}

// Run implements Node.
func (n *OutputNode) Run(ctx context.Context, nc *NodeContext) (NodeResult, error) {
	if err := ctx.Err(); err != nil {
		return NodeResult{}, err
	}
	if n.format == nil {
		return NodeResult{Output: nc.Input}, nil
	}
	out, err := n.format(nc.Input)
	if err != nil {
		return NodeResult{}, fmt.Errorf("output node %s: format: %w", n.id, err)
	}
	if out.IsZero() {
		out = nc.Input
	}
	if err := checkMetadataSize(n.id, out, n.policy.MetadataLimit); err != nil {
		return NodeResult{}, err
	}
	return NodeResult{Output: out}, nil
}
