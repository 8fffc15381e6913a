package message

import (
	"fmt"
	"time"
)

// ExecutionState is the lifecycle state of a run.
type ExecutionState string

const (
	StateCreated         ExecutionState = "CREATED"
	StateRunning         ExecutionState = "RUNNING"
	StatePaused          ExecutionState = "PAUSED"
	StateWaitingForHuman ExecutionState = "WAITING_FOR_HUMAN"
	StateSucceeded       ExecutionState = "SUCCEEDED"
	StateFailed          ExecutionState = "FAILED"
	StateCancelled       ExecutionState = "CANCELLED"
)

// transitions is the legal state machine. Absent keys are terminal.
var transitions = map[ExecutionState][]ExecutionState{
	StateCreated:         {StateRunning, StateCancelled},
	StateRunning:         {StatePaused, StateWaitingForHuman, StateSucceeded, StateFailed, StateCancelled},
	StatePaused:          {StateRunning, StateCancelled},
	StateWaitingForHuman: {StateRunning, StateCancelled, StateFailed},
}

// Valid reports whether s is a declared state.
func (s ExecutionState) Valid() bool {
	switch s {
	case StateCreated, StateRunning, StatePaused, StateWaitingForHuman,
		StateSucceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether a run in state s can never change state again.
func (s ExecutionState) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether s -> next is a legal transition.
func (s ExecutionState) CanTransitionTo(next ExecutionState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// StateTransitionError reports an illegal execution-state transition.
type StateTransitionError struct {
	RunID string
	From  ExecutionState
	To    ExecutionState
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("run %s: illegal transition %s -> %s", e.RunID, e.From, e.To)
}

// State map keys with reserved meaning.
const (
	// StateKeyMessage holds the message the next node will receive.
	StateKeyMessage = "message"
	// StateKeyPrevious holds the message the last node received, so edge
	// predicates can compare before and after.
	StateKeyPrevious = "_previous"
)

// Metadata keys promoted from message metadata into ExecutionContext.Meta.
const (
	MetaTenantID      = "tenant_id"
	MetaUserID        = "user_id"
	MetaCorrelationID = "correlation_id"
)

// promotedKeys is the whitelist copied by PromoteMetadata.
var promotedKeys = []string{MetaTenantID, MetaUserID, MetaCorrelationID}

// ExecutionContext is the mutable carrier of a single run. The runner owns
// it; nodes receive it read-mostly and communicate through their returned
// message instead of writing to it.
//
// The zero value is not usable; construct with NewExecutionContext.
type ExecutionContext struct {
	RunID       string         `json:"run_id"`
	GraphID     string         `json:"graph_id"`
	State       map[string]any `json:"state"`
	ExecState   ExecutionState `json:"exec_state"`
	Meta        map[string]any `json:"meta,omitempty"`
	CurrentNode string         `json:"current_node,omitempty"`
	Visited     []string       `json:"visited,omitempty"`
	Attempt     int            `json:"attempt,omitempty"`
	EventSeq    int            `json:"event_seq,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// NewExecutionContext starts a context in StateCreated with the initial
// message installed under StateKeyMessage.
func NewExecutionContext(runID, graphID string, initial Message) *ExecutionContext {
	now := time.Now().UTC()
	return &ExecutionContext{
		RunID:     runID,
		GraphID:   graphID,
		State:     map[string]any{StateKeyMessage: initial},
		ExecState: StateCreated,
		Meta:      make(map[string]any),
		StartedAt: now,
		UpdatedAt: now,
	}
}

// Current returns the message the next node will receive. After a restore
// from persistence the stored form may be a generic map; both forms decode
// to the same Message.
func (ec *ExecutionContext) Current() Message {
	if ec.State == nil {
		return Message{}
	}
	m, _ := fromAny(ec.State[StateKeyMessage])
	return m
}

// Previous returns the message the last completed node received.
func (ec *ExecutionContext) Previous() Message {
	if ec.State == nil {
		return Message{}
	}
	m, _ := fromAny(ec.State[StateKeyPrevious])
	return m
}

// SetCurrent installs the next message, shifting the old current message to
// StateKeyPrevious.
func (ec *ExecutionContext) SetCurrent(m Message) {
	if ec.State == nil {
		ec.State = make(map[string]any, 2)
	}
	if prev, ok := ec.State[StateKeyMessage]; ok {
		ec.State[StateKeyPrevious] = prev
	}
	ec.State[StateKeyMessage] = m
	ec.Touch()
}

// Transition moves the run to next, enforcing the state machine.
func (ec *ExecutionContext) Transition(next ExecutionState) error {
	if !ec.ExecState.CanTransitionTo(next) {
		return &StateTransitionError{RunID: ec.RunID, From: ec.ExecState, To: next}
	}
	ec.ExecState = next
	ec.Touch()
	return nil
}

// Touch bumps UpdatedAt.
func (ec *ExecutionContext) Touch() {
	ec.UpdatedAt = time.Now().UTC()
}

// MarkVisited appends a completed node id and records it as the current
// position.
func (ec *ExecutionContext) MarkVisited(nodeID string) {
	ec.Visited = append(ec.Visited, nodeID)
	ec.CurrentNode = nodeID
	ec.Touch()
}

// VisitCount returns how many times nodeID appears in the visit trail. The
// runner derives HITL invocation indexes from it, so the count survives
// checkpoint restores.
func (ec *ExecutionContext) VisitCount(nodeID string) int {
	n := 0
	for _, id := range ec.Visited {
		if id == nodeID {
			n++
		}
	}
	return n
}

// PromoteMetadata copies whitelisted routing keys (tenant_id, user_id,
// correlation_id) from message metadata into Meta. Existing Meta entries
// win; promotion never overwrites.
func (ec *ExecutionContext) PromoteMetadata(m Message) {
	if m.Metadata == nil {
		return
	}
	if ec.Meta == nil {
		ec.Meta = make(map[string]any, len(promotedKeys))
	}
	for _, key := range promotedKeys {
		if _, taken := ec.Meta[key]; taken {
			continue
		}
		if v, ok := m.Metadata[key]; ok {
			ec.Meta[key] = v
		}
	}
}

// MetaString returns a promoted metadata value, or "" when absent.
func (ec *ExecutionContext) MetaString(key string) string {
	if ec.Meta == nil {
		return ""
	}
	s, _ := ec.Meta[key].(string)
	return s
}

// Fork deep-copies the context. The copy shares no mutable storage with the
// receiver. Fails if the state map holds values that do not survive a JSON
// round trip.
func (ec *ExecutionContext) Fork() (*ExecutionContext, error) {
	out, err := cloneJSON(*ec)
	if err != nil {
		return nil, fmt.Errorf("fork run %s: %w", ec.RunID, err)
	}
	return &out, nil
}

// Snapshot is a Fork taken for persistence: the copy carries a fresh
// UpdatedAt so checkpoint records order correctly.
func (ec *ExecutionContext) Snapshot() (*ExecutionContext, error) {
	out, err := ec.Fork()
	if err != nil {
		return nil, err
	}
	out.UpdatedAt = time.Now().UTC()
	return out, nil
}
