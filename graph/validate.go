package graph

import (
	"fmt"
	"strings"
)

// validateGraph runs every structural check and returns the findings in a
// stable order. An empty slice means the graph is valid.
//
// The rules:
//   - the entry node is set and exists
//   - node ids contain no underscores (interaction ids embed node ids and
//     are parsed on underscores)
//   - per-node retry policies are well-formed
//   - every edge connects two declared nodes, no edge is declared twice
//   - every node is reachable from the entry
//   - output nodes have no outgoing edges
//   - human nodes have at least one outgoing edge
//   - no cycle consists purely of unconditional edges
func validateGraph(g *Graph) []string {
	var findings []string

	entryOK := false
	if g.entry == "" {
		findings = append(findings, "entry node not set")
	} else if _, ok := g.nodes[g.entry]; !ok {
		findings = append(findings, fmt.Sprintf("entry node %q does not exist", g.entry))
	} else {
		entryOK = true
	}

	for _, id := range g.order {
		if strings.Contains(id, "_") {
			findings = append(findings, fmt.Sprintf("node id %q must not contain underscores", id))
		}
		if pol, ok := g.policies[id]; ok && pol.Retry != nil {
			if err := pol.Retry.Validate(); err != nil {
				findings = append(findings, fmt.Sprintf("node %q: %v", id, err))
			}
		}
	}

	seenEdges := make(map[string]bool, len(g.edgeList))
	for _, e := range g.edgeList {
		if _, ok := g.nodes[e.From]; !ok {
			findings = append(findings, fmt.Sprintf("edge %s: source does not exist", e.label()))
		}
		if _, ok := g.nodes[e.To]; !ok {
			findings = append(findings, fmt.Sprintf("edge %s: destination does not exist", e.label()))
		}
		key := e.From + "\x00" + e.To + "\x00" + e.Name
		if seenEdges[key] {
			findings = append(findings, fmt.Sprintf("duplicate edge %s", e.label()))
		}
		seenEdges[key] = true
	}

	if entryOK {
		reachable := reachableFrom(g, g.entry)
		for _, id := range g.order {
			if !reachable[id] {
				findings = append(findings, fmt.Sprintf("node %q is not reachable from entry %q", id, g.entry))
			}
		}
	}

	for _, id := range g.order {
		switch g.nodes[id].Kind() {
		case KindOutput:
			if len(g.edges[id]) > 0 {
				findings = append(findings, fmt.Sprintf("output node %q has outgoing edges", id))
			}
		case KindHuman:
			if len(g.edges[id]) == 0 {
				findings = append(findings, fmt.Sprintf("human node %q has no outgoing edge to route the response", id))
			}
		}
	}

	findings = append(findings, unconditionalCycles(g)...)

	return findings
}

// reachableFrom returns the set of nodes reachable from start, predicate
// edges included: reachability is about structure, not runtime gating.
func reachableFrom(g *Graph, start string) map[string]bool {
	reachable := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range g.edges[cur] {
			if _, ok := g.nodes[e.To]; !ok {
				continue
			}
			if !reachable[e.To] {
				reachable[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	return reachable
}

// unconditionalCycles reports cycles consisting only of unconditional
// edges; such a loop can never route out. Cycles broken by at least one
// predicate edge are allowed and backstopped at runtime by revisit detection
// and the step budget.
func unconditionalCycles(g *Graph) []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(g.order))
	var findings []string
	var stack []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)
		for _, e := range g.edges[id] {
			if e.When != nil {
				continue
			}
			if _, ok := g.nodes[e.To]; !ok {
				continue
			}
			switch color[e.To] {
			case white:
				if visit(e.To) {
					return true
				}
			case gray:
				findings = append(findings, "unconditional cycle: "+cyclePath(stack, e.To))
				return true
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range g.order {
		if color[id] == white {
			stack = stack[:0]
			visit(id)
		}
	}
	return findings
}

// cyclePath renders the detected cycle from the DFS stack, starting at the
// repeated node.
func cyclePath(stack []string, repeat string) string {
	start := 0
	for i, id := range stack {
		if id == repeat {
			start = i
			break
		}
	}
	path := append(append([]string(nil), stack[start:]...), repeat)
	return strings.Join(path, " -> ")
}
