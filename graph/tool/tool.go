// Package tool defines the contract for executable tools that graph nodes
// invoke, and ships an HTTP tool and a test mock.
package tool

import (
	"context"

	"github.com/agentflow/agentflow-go/graph/hitl"
)

// Tool is an executable capability a ToolNode can invoke: an API call, a
// database query, a calculation, a handoff to a human queue.
//
// Implementations should:
//   - validate required arguments and fail fast on bad input
//   - respect context cancellation and deadlines
//   - return transient failures as *Error with Transient set, so retry
//     policies can distinguish them from permanent ones
//   - be idempotent when possible; a retried call may observe a duplicate
//
// Example implementation:
//
//	type InvoiceLookup struct{ db *sql.DB }
//
//	func (l *InvoiceLookup) Name() string { return "invoice_lookup" }
//
//	func (l *InvoiceLookup) Call(ctx context.Context, req tool.Request) (tool.Result, error) {
//	    id, ok := req.Args["invoice_id"].(string)
//	    if !ok {
//	        return tool.Result{}, &tool.Error{Tool: "invoice_lookup", Message: "invoice_id required"}
//	    }
//	    total, err := l.total(ctx, id)
//	    if err != nil {
//	        return tool.Result{}, &tool.Error{Tool: "invoice_lookup", Message: "query failed", Transient: true, Cause: err}
//	    }
//	    return tool.Value(map[string]any{"invoice_id": id, "total": total}), nil
//	}
//
// A tool can also suspend the run instead of answering, by returning
// WaitForHuman; the runner then parks the run until a human responds.
type Tool interface {
	// Name returns the unique identifier for this tool. Lowercase with
	// underscores, e.g. "http_request", "invoice_lookup".
	Name() string

	// Call executes the tool. The returned Result either carries a value or
	// asks the runner to pause for human input.
	Call(ctx context.Context, req Request) (Result, error)
}

// Request carries one invocation's arguments plus the identity of the run
// that issued it.
type Request struct {
	RunID  string
	NodeID string
	// Args are the call parameters, taken from the incoming message's
	// tool_args metadata by the ToolNode.
	Args map[string]any
	// Meta is the run's promoted metadata (tenant_id, user_id,
	// correlation_id). Read-only for tools.
	Meta map[string]any
}

// ResultKind discriminates what a tool produced.
type ResultKind string

const (
	// KindValue is a completed call with an output payload.
	KindValue ResultKind = "VALUE"
	// KindWaitingHITL asks the runner to pause the run for human input.
	KindWaitingHITL ResultKind = "WAITING_HITL"
)

// Result is the outcome of a tool call.
type Result struct {
	Kind   ResultKind
	Output map[string]any
	Pause  *hitl.Request
}

// Value builds a completed result.
func Value(output map[string]any) Result {
	return Result{Kind: KindValue, Output: output}
}

// WaitForHuman builds a result that suspends the run with the given
// interaction request.
func WaitForHuman(req hitl.Request) Result {
	return Result{Kind: KindWaitingHITL, Pause: &req}
}

// Func adapts a plain function to the Tool interface.
//
//	double := tool.NewFunc("double", func(ctx context.Context, req tool.Request) (tool.Result, error) {
//	    n, _ := req.Args["n"].(float64)
//	    return tool.Value(map[string]any{"n": n * 2}), nil
//	})
type Func struct {
	name string
	fn   func(context.Context, Request) (Result, error)
}

// NewFunc wraps fn as a named Tool.
func NewFunc(name string, fn func(context.Context, Request) (Result, error)) *Func {
	return &Func{name: name, fn: fn}
}

// Name implements Tool.
func (f *Func) Name() string { return f.name }

// Call implements Tool.
func (f *Func) Call(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return f.fn(ctx, req)
}
