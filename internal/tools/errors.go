package tools

import "fmt"

// ErrToolUnavailable is returned when a tool call targets a tool that
// is not present in the effective registry (filtered out by the
// persona, or nonexistent). The agent feeds it back to the model like
// any other tool failure.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available in this context", e.ToolName)
}

// InvocationError wraps a failure raised by a tool handler. It is
// recoverable: the model sees "error: <reason>" as the tool result.
type InvocationError struct {
	ToolName string
	Err      error
}

// Error implements the error interface.
func (e *InvocationError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.ToolName, e.Err)
}

// Unwrap returns the handler's error.
func (e *InvocationError) Unwrap() error {
	return e.Err
}
