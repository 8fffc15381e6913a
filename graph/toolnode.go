package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/agentflow/agentflow-go/graph/message"
	"github.com/agentflow/agentflow-go/graph/tool"
)

// Metadata keys the ToolNode reads from its input and writes to its output.
const (
	// MetaToolArgs holds the call arguments on the incoming message.
	MetaToolArgs = "tool_args"
	// MetaToolName names the invoked tool on the result message.
	MetaToolName = "tool_name"
	// MetaToolOutput holds the raw output map on the result message.
	MetaToolOutput = "tool_output"
)

// ToolNode invokes a tool.Tool and wraps what it produced.
//
// The call arguments come from the incoming message's tool_args metadata
// when present; otherwise the message content is passed as the single
// argument "input". A completed call becomes a tool-result message carrying
// the output map; a tool that answered with WaitForHuman turns into a pause
// request, and the runner parks the run.
type ToolNode struct {
	baseNode
	tool tool.Tool
}

// NewToolNode builds a node that invokes t.
func NewToolNode(id string, t tool.Tool, opts ...NodeOption) *ToolNode {
	base, _ := newBaseNode(id, KindTool, opts)
	return &ToolNode{baseNode: base, tool: t}
}

// Run implements Node.
func (n *ToolNode) Run(ctx context.Context, nc *NodeContext) (NodeResult, error) {
	req := tool.Request{
		RunID:  nc.Exec.RunID,
		NodeID: n.id,
		Args:   toolArgs(nc.Input),
		Meta:   nc.Exec.Meta,
	}

	res, err := n.tool.Call(ctx, req)
	if err != nil {
		var te *ToolError
		if errors.As(err, &te) {
			return NodeResult{}, err
		}
		return NodeResult{}, &ToolError{
			Tool:      n.tool.Name(),
			Message:   "call failed",
			Transient: IsTransient(err) || errors.Is(err, context.DeadlineExceeded),
			Cause:     err,
		}
	}

	switch res.Kind {
	case tool.KindValue:
		out, err := n.resultMessage(res.Output)
		if err != nil {
			return NodeResult{}, err
		}
		if err := checkMetadataSize(n.id, out, n.policy.MetadataLimit); err != nil {
			return NodeResult{}, err
		}
		return NodeResult{Output: out}, nil
	case tool.KindWaitingHITL:
		if res.Pause == nil {
			return NodeResult{}, &ToolError{Tool: n.tool.Name(), Message: "waiting result without a pause request"}
		}
		return NodeResult{Pause: res.Pause}, nil
	default:
		return NodeResult{}, &ToolError{Tool: n.tool.Name(), Message: fmt.Sprintf("unknown result kind %q", res.Kind)}
	}
}

// resultMessage renders a completed call as a tool-result message. The
// output map is kept structured in metadata and rendered as JSON content for
// downstream agents that read text.
func (n *ToolNode) resultMessage(output map[string]any) (message.Message, error) {
	content := ""
	opts := []message.Option{
		message.WithType(message.TypeToolResult),
		message.WithRole(message.RoleTool),
		message.WithMeta(MetaToolName, n.tool.Name()),
	}
	if len(output) > 0 {
		raw, err := json.Marshal(output)
		if err != nil {
			return message.Message{}, &ToolError{
				Tool:    n.tool.Name(),
				Message: "output is not JSON-serializable",
				Cause:   err,
			}
		}
		content = string(raw)
		opts = append(opts, message.WithMeta(MetaToolOutput, output))
	}
	return message.New(content, opts...), nil
}

// toolArgs extracts call arguments from the incoming message.
func toolArgs(in message.Message) map[string]any {
	if v, ok := in.Meta(MetaToolArgs); ok {
		if args, ok := v.(map[string]any); ok {
			return args
		}
	}
	return map[string]any{"input": in.Content}
}
