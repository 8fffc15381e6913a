// Package hitl implements the human-in-the-loop protocol: the request a node
// raises to pause a run, the pending interaction persisted while the run
// waits, and the response that resumes it.
//
// Interaction ids are deterministic. The same run, node and invocation index
// always produce the same id, so a client that saw a pause can address its
// response without any further coordination:
//
//	hitl_{runID}_{nodeID}_{invocationIndex}
//
// Node ids must not contain underscores (the graph validator enforces this);
// run ids may, because ids are parsed from the right.
package hitl

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/agentflow/agentflow-go/graph/message"
)

// InteractionKind selects the response shape a pending interaction accepts.
type InteractionKind string

const (
	// KindApproval expects a yes/no decision in Response.Approved.
	KindApproval InteractionKind = "APPROVAL"
	// KindChoice expects Response.Value to match one declared option.
	KindChoice InteractionKind = "CHOICE"
	// KindFreeText expects non-empty text in Response.Value.
	KindFreeText InteractionKind = "FREE_TEXT"
)

// Valid reports whether k is a declared kind.
func (k InteractionKind) Valid() bool {
	switch k {
	case KindApproval, KindChoice, KindFreeText:
		return true
	}
	return false
}

// Option is one selectable answer for a KindChoice interaction.
type Option struct {
	Value string `json:"value"`
	Label string `json:"label,omitempty"`
}

// Request is what a node returns to ask the runner for a pause.
type Request struct {
	Prompt  string          `json:"prompt"`
	Kind    InteractionKind `json:"kind"`
	Options []Option        `json:"options,omitempty"`
	Timeout time.Duration   `json:"timeout,omitempty"`
	Meta    map[string]any  `json:"meta,omitempty"`
}

// Validate checks that the request can be answered at all.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return &Error{Code: CodeBadRequest, Message: "empty prompt"}
	}
	if !r.Kind.Valid() {
		return &Error{Code: CodeBadRequest, Message: fmt.Sprintf("unknown interaction kind %q", r.Kind)}
	}
	if r.Timeout < 0 {
		return &Error{Code: CodeBadRequest, Message: "negative timeout"}
	}
	if r.Kind == KindChoice {
		if len(r.Options) == 0 {
			return &Error{Code: CodeBadRequest, Message: "choice interaction needs options"}
		}
		seen := make(map[string]bool, len(r.Options))
		for _, opt := range r.Options {
			if opt.Value == "" {
				return &Error{Code: CodeBadRequest, Message: "option with empty value"}
			}
			if seen[opt.Value] {
				return &Error{Code: CodeBadRequest, Message: fmt.Sprintf("duplicate option value %q", opt.Value)}
			}
			seen[opt.Value] = true
		}
	}
	return nil
}

const idPrefix = "hitl"

// ToolCallID builds the deterministic interaction id for one pause.
func ToolCallID(runID, nodeID string, invocation int) string {
	return fmt.Sprintf("%s_%s_%s_%d", idPrefix, runID, nodeID, invocation)
}

// ParseToolCallID splits an interaction id back into its parts. Because run
// ids may contain underscores, the id is parsed from the right: the last
// segment is the invocation index, the one before it the node id, and
// everything between the prefix and the node id is the run id.
func ParseToolCallID(id string) (runID, nodeID string, invocation int, err error) {
	parts := strings.Split(id, "_")
	if len(parts) < 4 || parts[0] != idPrefix {
		return "", "", 0, &Error{Code: CodeBadID, ToolCallID: id, Message: "malformed interaction id"}
	}
	invocation, convErr := strconv.Atoi(parts[len(parts)-1])
	if convErr != nil || invocation < 0 {
		return "", "", 0, &Error{Code: CodeBadID, ToolCallID: id, Message: "invocation index is not a non-negative integer"}
	}
	nodeID = parts[len(parts)-2]
	runID = strings.Join(parts[1:len(parts)-2], "_")
	if runID == "" || nodeID == "" {
		return "", "", 0, &Error{Code: CodeBadID, ToolCallID: id, Message: "empty run or node id"}
	}
	return runID, nodeID, invocation, nil
}

// Interaction is a pending pause persisted with its checkpoint. A run in
// WAITING_FOR_HUMAN has exactly one.
type Interaction struct {
	ToolCallID      string     `json:"tool_call_id"`
	RunID           string     `json:"run_id"`
	NodeID          string     `json:"node_id"`
	InvocationIndex int        `json:"invocation_index"`
	Request         Request    `json:"request"`
	RequestedAt     time.Time  `json:"requested_at"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
}

// NewInteraction builds the pending record for one pause. A positive
// Request.Timeout sets ExpiresAt relative to now.
func NewInteraction(runID, nodeID string, invocation int, req Request) Interaction {
	now := time.Now().UTC()
	in := Interaction{
		ToolCallID:      ToolCallID(runID, nodeID, invocation),
		RunID:           runID,
		NodeID:          nodeID,
		InvocationIndex: invocation,
		Request:         req,
		RequestedAt:     now,
	}
	if req.Timeout > 0 {
		exp := now.Add(req.Timeout)
		in.ExpiresAt = &exp
	}
	return in
}

// Expired reports whether the interaction can no longer be answered at now.
func (i Interaction) Expired(now time.Time) bool {
	return i.ExpiresAt != nil && now.After(*i.ExpiresAt)
}

// Response answers a pending interaction.
type Response struct {
	ToolCallID  string         `json:"tool_call_id"`
	Value       string         `json:"value,omitempty"`
	Approved    *bool          `json:"approved,omitempty"`
	RespondedBy string         `json:"responded_by,omitempty"`
	RespondedAt time.Time      `json:"responded_at"`
	Meta        map[string]any `json:"meta,omitempty"`
}

// Validate checks resp against the pending interaction. A nil return means
// the response may be injected and the run resumed.
func (i Interaction) Validate(resp Response) error {
	if resp.ToolCallID != i.ToolCallID {
		return &Error{
			Code:       CodeIDMismatch,
			ToolCallID: resp.ToolCallID,
			Message:    fmt.Sprintf("response addresses %q, pending interaction is %q", resp.ToolCallID, i.ToolCallID),
		}
	}
	at := resp.RespondedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if i.Expired(at) {
		return &Error{Code: CodeExpired, ToolCallID: i.ToolCallID, Message: "interaction expired"}
	}
	switch i.Request.Kind {
	case KindApproval:
		if resp.Approved == nil {
			return &Error{Code: CodeMissingApproval, ToolCallID: i.ToolCallID, Message: "approval interaction needs an approved decision"}
		}
	case KindChoice:
		if !i.hasOption(resp.Value) {
			return &Error{
				Code:       CodeBadOption,
				ToolCallID: i.ToolCallID,
				Message:    fmt.Sprintf("value %q is not a declared option", resp.Value),
			}
		}
	case KindFreeText:
		if strings.TrimSpace(resp.Value) == "" {
			return &Error{Code: CodeEmptyValue, ToolCallID: i.ToolCallID, Message: "free-text interaction needs a value"}
		}
	default:
		return &Error{Code: CodeBadRequest, ToolCallID: i.ToolCallID, Message: fmt.Sprintf("unknown interaction kind %q", i.Request.Kind)}
	}
	return nil
}

func (i Interaction) hasOption(value string) bool {
	for _, opt := range i.Request.Options {
		if opt.Value == value {
			return true
		}
	}
	return false
}

// ToMessage converts a validated response into the tool-result message the
// runner injects as the pausing node's output.
func (r Response) ToMessage() message.Message {
	content := r.Value
	if r.Approved != nil && content == "" {
		if *r.Approved {
			content = "approved"
		} else {
			content = "rejected"
		}
	}
	opts := []message.Option{
		message.WithType(message.TypeToolResult),
		message.WithRole(message.RoleTool),
		message.WithMeta("tool_call_id", r.ToolCallID),
	}
	if r.RespondedBy != "" {
		opts = append(opts, message.WithMeta("responded_by", r.RespondedBy))
	}
	if r.Approved != nil {
		opts = append(opts, message.WithMeta("approved", *r.Approved))
	}
	for k, v := range r.Meta {
		opts = append(opts, message.WithMeta(k, v))
	}
	return message.New(content, opts...)
}
