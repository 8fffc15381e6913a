package graph

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/agentflow/agentflow-go/graph/hitl"
	"github.com/agentflow/agentflow-go/graph/tool"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain", err: errors.New("unknown"), want: false},
		{name: "timeout", err: &TimeoutError{NodeID: "n", Timeout: time.Second}, want: true},
		{name: "store", err: &EventStoreError{Op: "save checkpoint", Cause: errors.New("io")}, want: true},
		{name: "transient agent", err: &AgentError{Agent: "a", Transient: true}, want: true},
		{name: "permanent agent", err: &AgentError{Agent: "a"}, want: false},
		{name: "transient tool", err: &tool.Error{Tool: "t", Transient: true}, want: true},
		{name: "permanent tool", err: &tool.Error{Tool: "t"}, want: false},
		{name: "validation", err: &ValidationError{Code: CodePredicatePanic}, want: false},
		{name: "concurrency", err: &ConcurrencyError{Code: CodeCycleDetected}, want: false},
		{name: "fatal", err: &FatalError{Code: CodeMaxSteps}, want: false},
		{name: "hitl", err: &hitl.Error{Code: hitl.CodeExpired}, want: false},
		{name: "wrapped timeout", err: fmt.Errorf("giving up: %w", &TimeoutError{NodeID: "n"}), want: true},
		{name: "deeply wrapped agent", err: fmt.Errorf("a: %w", fmt.Errorf("b: %w", &AgentError{Transient: true})), want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsTransientOuterVerdictWins(t *testing.T) {
	// A permanent wrapper around a transient cause: the first classifiable
	// error decides.
	err := &AgentError{Agent: "a", Transient: false, Cause: &TimeoutError{NodeID: "n"}}
	if IsTransient(err) {
		t.Error("outer permanent classification overridden by inner cause")
	}
}

func TestClassify(t *testing.T) {
	if got := Classify(nil); got != ActionContinue {
		t.Errorf("Classify(nil) = %v, want continue", got)
	}
	if got := Classify(&TimeoutError{NodeID: "n"}); got != ActionRetry {
		t.Errorf("Classify(timeout) = %v, want retry", got)
	}
	if got := Classify(&ValidationError{Code: CodePredicatePanic}); got != ActionPropagate {
		t.Errorf("Classify(validation) = %v, want propagate", got)
	}
}

func TestErrorActionString(t *testing.T) {
	actions := map[ErrorAction]string{
		ActionPropagate: "propagate",
		ActionRetry:     "retry",
		ActionSkip:      "skip",
		ActionContinue:  "continue",
	}
	for a, want := range actions {
		if got := a.String(); got != want {
			t.Errorf("String(%d) = %q, want %q", int(a), got, want)
		}
	}
	if got := ErrorAction(42).String(); got != "action(42)" {
		t.Errorf("String(42) = %q", got)
	}
}

func TestErrorMessages(t *testing.T) {
	ve := &ValidationError{Code: CodePredicatePanic, NodeID: "n", Message: "predicate panicked"}
	if got := ve.Error(); got != "graph PREDICATE_PANIC: node n: predicate panicked" {
		t.Errorf("validation error = %q", got)
	}
	withFindings := &ValidationError{Code: CodeInvalidGraph, Findings: []string{"a", "b"}}
	if got := withFindings.Error(); got != "graph validation failed (2 findings): a; b" {
		t.Errorf("findings error = %q", got)
	}

	cause := errors.New("io")
	se := &EventStoreError{Op: "save checkpoint", RunID: "r", Cause: cause}
	if !errors.Is(se, cause) {
		t.Error("EventStoreError must unwrap to its cause")
	}

	ae := &AgentError{Agent: "a", NodeID: "n", Message: "execute failed", Cause: cause}
	if !errors.Is(ae, cause) {
		t.Error("AgentError must unwrap to its cause")
	}
}
