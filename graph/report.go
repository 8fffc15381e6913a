package graph

import (
	"time"

	"github.com/agentflow/agentflow-go/graph/hitl"
	"github.com/agentflow/agentflow-go/graph/message"
)

// NodeStatus is the outcome of one node visit.
type NodeStatus string

const (
	NodeSucceededStatus NodeStatus = "SUCCEEDED"
	NodeFailedStatus    NodeStatus = "FAILED"
	NodeSkippedStatus   NodeStatus = "SKIPPED"
)

// NodeReport records one node visit: how often it was attempted, how it
// ended, and how long it took. Attempts counts executions including the
// first, so a node that succeeded immediately reports 1.
type NodeReport struct {
	NodeID   string
	Kind     NodeKind
	Attempts int
	Status   NodeStatus
	Err      error
	Started  time.Time
	Finished time.Time
	Duration time.Duration
}

// RunReport is what every Runner operation returns: the run's terminal or
// parked state plus the per-node execution trail in visit order.
//
// A report with Status WAITING_FOR_HUMAN carries the pending interaction in
// Pending; answer it with ResumeWithHumanResponse. Output is only set when
// the run SUCCEEDED.
type RunReport struct {
	RunID      string
	GraphID    string
	Status     message.ExecutionState
	Output     message.Message
	Err        error
	Nodes      []NodeReport
	Pending    *hitl.Interaction
	StartedAt  time.Time
	FinishedAt time.Time
	Steps      int
	Resumed    bool
}

// Succeeded reports whether the run reached an output node.
func (r RunReport) Succeeded() bool {
	return r.Status == message.StateSucceeded
}

// Waiting reports whether the run is parked for human input.
func (r RunReport) Waiting() bool {
	return r.Status == message.StateWaitingForHuman
}
