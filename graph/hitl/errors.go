package hitl

import "fmt"

// Error codes carried by Error.Code. Machine-readable; clients branch on
// these rather than on message text.
const (
	CodeBadRequest      = "HITL_BAD_REQUEST"
	CodeBadID           = "HITL_BAD_ID"
	CodeIDMismatch      = "HITL_ID_MISMATCH"
	CodeExpired         = "HITL_EXPIRED"
	CodeBadOption       = "HITL_BAD_OPTION"
	CodeMissingApproval = "HITL_MISSING_APPROVAL"
	CodeEmptyValue      = "HITL_EMPTY_VALUE"
	CodeNotWaiting      = "HITL_NOT_WAITING"
)

// Error is a protocol violation: a malformed request, a response that does
// not match its pending interaction, or a resume against a run that is not
// waiting. Never transient; retrying the same response cannot succeed.
type Error struct {
	Code       string
	ToolCallID string
	Message    string
}

func (e *Error) Error() string {
	if e.ToolCallID != "" {
		return fmt.Sprintf("hitl %s [%s]: %s", e.Code, e.ToolCallID, e.Message)
	}
	return fmt.Sprintf("hitl %s: %s", e.Code, e.Message)
}
