package graph

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentflow/agentflow-go/graph/message"
)

func TestWithTimeoutDisabled(t *testing.T) {
	called := false
	next := func(context.Context, *NodeContext) (NodeResult, error) {
		called = true
		return NodeResult{}, nil
	}
	h := withTimeout("n", 0, next)
	if _, err := h(context.Background(), testNodeContext(message.New("x"))); err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if !called {
		t.Error("zero timeout must pass through")
	}
}

func TestWithTimeoutFastNode(t *testing.T) {
	next := func(context.Context, *NodeContext) (NodeResult, error) {
		return NodeResult{Output: message.New("quick")}, nil
	}
	h := withTimeout("n", time.Second, next)
	res, err := h(context.Background(), testNodeContext(message.New("x")))
	if err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if res.Output.Content != "quick" {
		t.Errorf("output = %q", res.Output.Content)
	}
}

func TestWithTimeoutSlowNode(t *testing.T) {
	next := func(ctx context.Context, _ *NodeContext) (NodeResult, error) {
		select {
		case <-ctx.Done():
			return NodeResult{}, ctx.Err()
		case <-time.After(time.Second):
			return NodeResult{Output: message.New("late")}, nil
		}
	}
	h := withTimeout("slow", 10*time.Millisecond, next)
	_, err := h(context.Background(), testNodeContext(message.New("x")))
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("error = %T %v, want *TimeoutError", err, err)
	}
	if te.NodeID != "slow" || te.Timeout != 10*time.Millisecond {
		t.Errorf("timeout error = %+v", te)
	}
	if !IsTransient(err) {
		t.Error("timeouts must classify as transient")
	}
}

func TestWithTimeoutCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	next := func(ctx context.Context, _ *NodeContext) (NodeResult, error) {
		<-ctx.Done()
		return NodeResult{}, ctx.Err()
	}
	h := withTimeout("n", time.Minute, next)
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := h(ctx, testNodeContext(message.New("x")))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		t.Error("caller cancellation must not report a node timeout")
	}
}
