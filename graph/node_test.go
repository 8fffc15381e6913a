package graph

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/agentflow/agentflow-go/graph/hitl"
	"github.com/agentflow/agentflow-go/graph/message"
	"github.com/agentflow/agentflow-go/graph/tool"
)

func testNodeContext(in message.Message) *NodeContext {
	return &NodeContext{
		Exec:   message.NewExecutionContext("run-1", "g", in),
		NodeID: "n",
		Input:  in,
		Logger: slog.Default(),
	}
}

func TestAgentNodeRun(t *testing.T) {
	n := NewAgentNode("summarize", prefixAgent("summarizer", "sum: "))
	res, err := n.Run(context.Background(), testNodeContext(message.New("long text")))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Output.Content != "sum: long text" {
		t.Errorf("output = %q", res.Output.Content)
	}
}

func TestAgentNodeWrapsFailure(t *testing.T) {
	boom := errors.New("rate limited")
	n := NewAgentNode("summarize",
		NewAgentFunc("summarizer", func(context.Context, message.Message, map[string]any) (message.Message, error) {
			return message.Message{}, boom
		}),
		WithTransientClassifier(func(err error) bool { return errors.Is(err, boom) }),
	)
	_, err := n.Run(context.Background(), testNodeContext(message.New("x")))
	var ae *AgentError
	if !errors.As(err, &ae) {
		t.Fatalf("error = %T %v, want *AgentError", err, err)
	}
	if !ae.Transient {
		t.Error("classified transient error reported as permanent")
	}
	if ae.Agent != "summarizer" || ae.NodeID != "summarize" {
		t.Errorf("agent/node = %s/%s", ae.Agent, ae.NodeID)
	}
	if !errors.Is(err, boom) {
		t.Error("cause not reachable through errors.Is")
	}
}

func TestAgentNodeRejectsEmptyOutput(t *testing.T) {
	n := NewAgentNode("empty",
		NewAgentFunc("void", func(context.Context, message.Message, map[string]any) (message.Message, error) {
			return message.Message{}, nil
		}))
	_, err := n.Run(context.Background(), testNodeContext(message.New("x")))
	var ae *AgentError
	if !errors.As(err, &ae) {
		t.Fatalf("error = %T %v, want *AgentError", err, err)
	}
	if ae.Transient {
		t.Error("empty output must be permanent")
	}
}

func TestAgentNodeMetadataLimit(t *testing.T) {
	n := NewAgentNode("bloated",
		NewAgentFunc("bloater", func(_ context.Context, in message.Message, _ map[string]any) (message.Message, error) {
			return in.WithMeta("blob", strings.Repeat("x", 200)), nil
		}),
		WithMetadataSizeLimit(64),
	)
	_, err := n.Run(context.Background(), testNodeContext(message.New("x")))
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("error = %T %v, want *ValidationError", err, err)
	}
	if ve.Code != CodeMetadataTooLarge {
		t.Errorf("code = %s, want %s", ve.Code, CodeMetadataTooLarge)
	}
}

func TestToolNodeValueResult(t *testing.T) {
	lookup := tool.NewFunc("order_lookup", func(_ context.Context, req tool.Request) (tool.Result, error) {
		id, _ := req.Args["input"].(string)
		return tool.Value(map[string]any{"order_id": id, "status": "shipped"}), nil
	})
	n := NewToolNode("lookup", lookup)
	res, err := n.Run(context.Background(), testNodeContext(message.New("ord-42")))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Output.MetaString(MetaToolName) != "order_lookup" {
		t.Errorf("tool name meta = %q", res.Output.MetaString(MetaToolName))
	}
	out, ok := res.Output.Meta(MetaToolOutput)
	if !ok {
		t.Fatal("tool output meta missing")
	}
	if m, _ := out.(map[string]any); m["status"] != "shipped" {
		t.Errorf("tool output = %v", out)
	}
	if !strings.Contains(res.Output.Content, `"status":"shipped"`) {
		t.Errorf("content = %q, want the JSON rendering", res.Output.Content)
	}
}

func TestToolNodeArgsFromMetadata(t *testing.T) {
	var got map[string]any
	echo := tool.NewFunc("echo", func(_ context.Context, req tool.Request) (tool.Result, error) {
		got = req.Args
		return tool.Value(map[string]any{"ok": true}), nil
	})
	n := NewToolNode("echo", echo)

	in := message.New("ignored", message.WithMeta(MetaToolArgs, map[string]any{"city": "Oslo"}))
	if _, err := n.Run(context.Background(), testNodeContext(in)); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got["city"] != "Oslo" {
		t.Errorf("args = %v, want tool_args metadata", got)
	}

	if _, err := n.Run(context.Background(), testNodeContext(message.New("fallback"))); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got["input"] != "fallback" {
		t.Errorf("args = %v, want content under input", got)
	}
}

func TestToolNodeWaitingResult(t *testing.T) {
	waiter := tool.NewFunc("escalate", func(context.Context, tool.Request) (tool.Result, error) {
		return tool.WaitForHuman(hitl.Request{Prompt: "Take over?", Kind: hitl.KindApproval}), nil
	})
	n := NewToolNode("escalate", waiter)
	res, err := n.Run(context.Background(), testNodeContext(message.New("x")))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Pause == nil || res.Pause.Prompt != "Take over?" {
		t.Errorf("pause = %+v", res.Pause)
	}
}

func TestToolNodeWrapsUnknownError(t *testing.T) {
	cause := errors.New("socket closed")
	broken := tool.NewFunc("flaky", func(context.Context, tool.Request) (tool.Result, error) {
		return tool.Result{}, cause
	})
	n := NewToolNode("flaky", broken)
	_, err := n.Run(context.Background(), testNodeContext(message.New("x")))
	var te *ToolError
	if !errors.As(err, &te) {
		t.Fatalf("error = %T %v, want *ToolError", err, err)
	}
	if te.Tool != "flaky" {
		t.Errorf("tool = %q", te.Tool)
	}
	if !errors.Is(err, cause) {
		t.Error("cause not reachable through errors.Is")
	}
}

func TestToolNodeKeepsTypedError(t *testing.T) {
	typed := &tool.Error{Tool: "payments", Message: "declined"}
	broken := tool.NewFunc("payments", func(context.Context, tool.Request) (tool.Result, error) {
		return tool.Result{}, typed
	})
	n := NewToolNode("pay", broken)
	_, err := n.Run(context.Background(), testNodeContext(message.New("x")))
	var te *ToolError
	if !errors.As(err, &te) {
		t.Fatalf("error = %T %v, want *ToolError", err, err)
	}
	if te != typed {
		t.Error("typed tool error was re-wrapped")
	}
}

func TestOutputNodeFormat(t *testing.T) {
	upper := func(m message.Message) (message.Message, error) {
		return m.WithContent(strings.ToUpper(m.Content)), nil
	}
	n := NewOutputNode("out", upper)
	res, err := n.Run(context.Background(), testNodeContext(message.New("done")))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Output.Content != "DONE" {
		t.Errorf("output = %q", res.Output.Content)
	}

	passthrough := NewOutputNode("raw", nil)
	res, err = passthrough.Run(context.Background(), testNodeContext(message.New("as-is")))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Output.Content != "as-is" {
		t.Errorf("output = %q, want passthrough", res.Output.Content)
	}
}

func TestOutputNodeFormatError(t *testing.T) {
	cause := errors.New("template broken")
	n := NewOutputNode("out", func(message.Message) (message.Message, error) {
		return message.Message{}, cause
	})
	_, err := n.Run(context.Background(), testNodeContext(message.New("x")))
	if !errors.Is(err, cause) {
		t.Errorf("error = %v, want wrapped cause", err)
	}
}

func TestHumanNodePromptPlaceholder(t *testing.T) {
	n := NewHumanNode("review", "Approve?\n\n{{input}}",
		WithChoices(hitl.Option{Value: "yes"}, hitl.Option{Value: "no"}),
		WithInteractionTimeout(time.Minute),
	)
	res, err := n.Run(context.Background(), testNodeContext(message.New("the draft")))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Pause == nil {
		t.Fatal("human node did not pause")
	}
	if res.Pause.Prompt != "Approve?\n\nthe draft" {
		t.Errorf("prompt = %q", res.Pause.Prompt)
	}
	if res.Pause.Kind != hitl.KindChoice || len(res.Pause.Options) != 2 {
		t.Errorf("request = %+v", res.Pause)
	}
	if res.Pause.Timeout != time.Minute {
		t.Errorf("timeout = %v", res.Pause.Timeout)
	}
}

func TestHumanNodeInvalidRequest(t *testing.T) {
	n := NewHumanNode("review", "   ")
	_, err := n.Run(context.Background(), testNodeContext(message.New("x")))
	var he *HitlError
	if !errors.As(err, &he) {
		t.Fatalf("error = %T %v, want *hitl.Error", err, err)
	}
}

func TestCheckMetadataSize(t *testing.T) {
	small := message.New("x", message.WithMeta("k", "v"))
	if err := checkMetadataSize("n", small, 1024); err != nil {
		t.Errorf("small metadata rejected: %v", err)
	}
	none := message.New("x")
	if err := checkMetadataSize("n", none, 1); err != nil {
		t.Errorf("no metadata rejected: %v", err)
	}
	unserializable := message.New("x", message.WithMeta("fn", func() {}))
	err := checkMetadataSize("n", unserializable, 1024)
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Code != CodeBadMetadata {
		t.Errorf("error = %v, want %s", err, CodeBadMetadata)
	}
}
