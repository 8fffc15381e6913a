package graph

import "fmt"

// Graph is an immutable, validated workflow definition: nodes by id, ordered
// adjacency, an entry point, and the per-node policies harvested from the
// built-in node constructors. Build is the only way to obtain one, so every
// Graph in circulation has passed validation.
type Graph struct {
	id       string
	entry    string
	nodes    map[string]Node
	order    []string
	edges    map[string][]Edge
	edgeList []Edge
	policies map[string]NodePolicy
}

// ID returns the graph identifier.
func (g *Graph) ID() string { return g.id }

// Entry returns the entry node id.
func (g *Graph) Entry() string { return g.entry }

// Node looks up a node by id.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns the node ids in declaration order.
func (g *Graph) Nodes() []string {
	return append([]string(nil), g.order...)
}

// Edges returns the outgoing edges of a node in declaration order. The
// returned slice is shared; callers must not modify it.
func (g *Graph) Edges(from string) []Edge {
	return g.edges[from]
}

// Policy returns the execution overrides declared on a node. The zero
// policy means the runner defaults apply.
func (g *Graph) Policy(id string) NodePolicy {
	return g.policies[id]
}

// Validate re-runs the structural validator. It is what Build calls; a Graph
// obtained from Build always passes.
func (g *Graph) Validate() error {
	if findings := validateGraph(g); len(findings) > 0 {
		return &ValidationError{Code: CodeInvalidGraph, Findings: findings}
	}
	return nil
}

// policyHolder is implemented by the built-in node types. Custom nodes may
// implement it to declare per-node overrides.
type policyHolder interface {
	Policy() NodePolicy
}

// Builder assembles a Graph. Methods chain and defer all error reporting to
// Build, which aggregates every problem into one *ValidationError instead of
// failing on the first.
//
// Example:
//
//	g, err := graph.NewGraph("support").
//	    AddNode(graph.NewAgentNode("triage", triager)).
//	    AddNode(graph.NewHumanNode("review", "Escalate this ticket?\n\n{{input}}")).
//	    AddNode(graph.NewOutputNode("done", nil)).
//	    AddEdge("triage", "review", graph.WithPredicate(needsHuman)).
//	    AddEdge("triage", "done").
//	    AddEdge("review", "done").
//	    SetEntry("triage").
//	    Build()
type Builder struct {
	id       string
	entry    string
	nodes    map[string]Node
	order    []string
	edges    []Edge
	findings []string
}

// NewGraph starts a builder for a graph with the given id.
func NewGraph(id string) *Builder {
	b := &Builder{id: id, nodes: make(map[string]Node)}
	if id == "" {
		b.findings = append(b.findings, "graph id must not be empty")
	}
	return b
}

// AddNode registers a node. Duplicate ids are reported by Build.
func (b *Builder) AddNode(n Node) *Builder {
	if n == nil {
		b.findings = append(b.findings, "AddNode called with a nil node")
		return b
	}
	id := n.ID()
	if id == "" {
		b.findings = append(b.findings, "node with empty id")
		return b
	}
	if _, exists := b.nodes[id]; exists {
		b.findings = append(b.findings, fmt.Sprintf("duplicate node id %q", id))
		return b
	}
	b.nodes[id] = n
	b.order = append(b.order, id)
	return b
}

// AddEdge declares a directed edge. Edges are evaluated in declaration
// order at runtime.
func (b *Builder) AddEdge(from, to string, opts ...EdgeOption) *Builder {
	e := Edge{From: from, To: to}
	for _, opt := range opts {
		if opt != nil {
			opt(&e)
		}
	}
	b.edges = append(b.edges, e)
	return b
}

// SetEntry declares where runs start.
func (b *Builder) SetEntry(id string) *Builder {
	b.entry = id
	return b
}

// Build assembles and validates the graph. On failure it returns a
// *ValidationError whose Findings list every problem found, so a misdeclared
// graph is fixed in one pass rather than one finding at a time.
func (b *Builder) Build() (*Graph, error) {
	g := &Graph{
		id:       b.id,
		entry:    b.entry,
		nodes:    make(map[string]Node, len(b.nodes)),
		order:    append([]string(nil), b.order...),
		edges:    make(map[string][]Edge, len(b.nodes)),
		edgeList: append([]Edge(nil), b.edges...),
		policies: make(map[string]NodePolicy, len(b.nodes)),
	}
	for id, n := range b.nodes {
		g.nodes[id] = n
		if holder, ok := n.(policyHolder); ok {
			g.policies[id] = holder.Policy()
		}
	}
	for _, e := range b.edges {
		g.edges[e.From] = append(g.edges[e.From], e)
	}

	findings := append([]string(nil), b.findings...)
	findings = append(findings, validateGraph(g)...)
	if len(findings) > 0 {
		return nil, &ValidationError{Code: CodeInvalidGraph, Findings: findings}
	}
	return g, nil
}
