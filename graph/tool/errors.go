package tool

import "fmt"

// Error is a failed tool call. Transient marks failures worth retrying
// (network faults, upstream 5xx, lock contention); validation failures and
// business rejections leave it false.
type Error struct {
	Tool      string
	Message   string
	Transient bool
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("tool %s: %s: %v", e.Tool, e.Message, e.Cause)
	}
	return fmt.Sprintf("tool %s: %s", e.Tool, e.Message)
}

// Unwrap exposes the underlying cause to errors.Is and errors.As.
func (e *Error) Unwrap() error { return e.Cause }
