package tool

import (
	"context"
	"sync"
)

// Mock is a scripted Tool for tests.
//
// Each Call returns the next entry of Results; when the script runs out the
// last entry repeats. A non-nil Err short-circuits every call. All
// invocations are recorded in Calls.
//
//	mock := &tool.Mock{
//	    ToolName: "invoice_lookup",
//	    Results:  []tool.Result{tool.Value(map[string]any{"total": 120.0})},
//	}
type Mock struct {
	// ToolName is returned by Name().
	ToolName string

	// Results is the scripted response sequence. The last entry repeats once
	// the script is exhausted.
	Results []Result

	// Err, when set, is returned by every Call instead of a result.
	Err error

	// Calls records every invocation, including failed ones.
	Calls []Request

	mu        sync.Mutex
	callIndex int
}

// Name implements Tool.
func (m *Mock) Name() string { return m.ToolName }

// Call implements Tool.
func (m *Mock) Call(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, req)

	if m.Err != nil {
		return Result{}, m.Err
	}
	if len(m.Results) == 0 {
		return Value(map[string]any{}), nil
	}

	idx := m.callIndex
	if idx >= len(m.Results) {
		idx = len(m.Results) - 1
	} else {
		m.callIndex++
	}
	return m.Results[idx], nil
}

// Reset clears the call history and rewinds the script.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.callIndex = 0
}

// CallCount returns how many times Call ran.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
