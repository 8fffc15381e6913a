package graph

import (
	"context"
	"strings"
	"time"

	"github.com/agentflow/agentflow-go/graph/hitl"
)

// HumanNode parks the run for human input. Its Run never blocks: pausing is
// a result the runner acts on, not a wait inside the node. When a response
// arrives, the runner injects it as this node's output message and routes
// onward, so a human node needs at least one outgoing edge (the validator
// enforces this).
//
// The prompt may reference the incoming message with the {{input}}
// placeholder:
//
//	review := graph.NewHumanNode("review", "Approve this summary?\n\n{{input}}")
type HumanNode struct {
	baseNode
	prompt  string
	kind    hitl.InteractionKind
	choices []hitl.Option
	timeout time.Duration
	meta    map[string]any
}

// HumanOption configures a HumanNode.
type HumanOption func(*HumanNode)

// WithApproval makes the node ask for a yes/no decision. This is the
// default interaction kind.
func WithApproval() HumanOption {
	return func(n *HumanNode) { n.kind = hitl.KindApproval }
}

// WithFreeText makes the node ask for free-form text.
func WithFreeText() HumanOption {
	return func(n *HumanNode) { n.kind = hitl.KindFreeText }
}

// WithChoices makes the node ask the human to pick one of the given options.
func WithChoices(options ...hitl.Option) HumanOption {
	return func(n *HumanNode) {
		n.kind = hitl.KindChoice
		n.choices = append(n.choices, options...)
	}
}

// WithInteractionTimeout bounds how long the interaction may stay pending.
// Responses after the deadline are rejected as expired. Zero means no
// deadline.
func WithInteractionTimeout(d time.Duration) HumanOption {
	return func(n *HumanNode) {
		if d > 0 {
			n.timeout = d
		}
	}
}

// WithRequestMeta attaches one metadata key to the interaction request, for
// work-queue consumers that route pending interactions.
func WithRequestMeta(key string, value any) HumanOption {
	return func(n *HumanNode) {
		if n.meta == nil {
			n.meta = make(map[string]any, 1)
		}
		n.meta[key] = value
	}
}

// NewHumanNode builds a node that pauses the run with the given prompt.
func NewHumanNode(id string, prompt string, opts ...HumanOption) *HumanNode {
	base, _ := newBaseNode(id, KindHuman, nil)
	n := &HumanNode{baseNode: base, prompt: prompt, kind: hitl.KindApproval}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	return n
}

// Run implements Node. It always returns a pause request.
func (n *HumanNode) Run(ctx context.Context, nc *NodeContext) (NodeResult, error) {
	if err := ctx.Err(); err != nil {
		return NodeResult{}, err
	}
	req := hitl.Request{
		Prompt:  strings.ReplaceAll(n.prompt, "{{input}}", nc.Input.Content),
		Kind:    n.kind,
		Options: n.choices,
		Timeout: n.timeout,
		Meta:    n.meta,
	}
	if err := req.Validate(); err != nil {
		return NodeResult{}, err
	}
	return NodeResult{Pause: &req}, nil
}
