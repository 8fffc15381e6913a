package graph

import "github.com/agentflow/agentflow-go/graph/message"

// Predicate decides at runtime whether an edge may be taken. It reads the
// execution context after the source node completed, so it can compare the
// node's output (Current) with its input (Previous).
//
// Predicates should be pure functions of the context. Common patterns:
//
//	func(ec *message.ExecutionContext) bool { return ec.Current().MetaString("verdict") == "approved" }
//	func(ec *message.ExecutionContext) bool { return ec.Current().Content != ec.Previous().Content }
//
// A predicate that panics fails the run with a validation error rather than
// crashing the process.
type Predicate func(ec *message.ExecutionContext) bool

// Edge is a directed connection between two nodes. A nil When makes the edge
// unconditional. Edges out of one node are evaluated in declaration order
// and the first match wins, so specific conditions belong before the
// catch-all.
type Edge struct {
	// From is the source node id.
	From string

	// To is the destination node id.
	To string

	// When gates the edge. Nil means always traversable.
	When Predicate

	// Name labels the edge in logs, events and validation findings.
	Name string
}

// label renders the edge for findings and errors.
func (e Edge) label() string {
	if e.Name != "" {
		return e.From + " -> " + e.To + " (" + e.Name + ")"
	}
	return e.From + " -> " + e.To
}

// EdgeOption configures an edge at declaration time.
type EdgeOption func(*Edge)

// WithPredicate gates the edge with p.
func WithPredicate(p Predicate) EdgeOption {
	return func(e *Edge) { e.When = p }
}

// WithEdgeName labels the edge.
func WithEdgeName(name string) EdgeOption {
	return func(e *Edge) { e.Name = name }
}
