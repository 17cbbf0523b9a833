package agent

import (
	"errors"
	"fmt"
)

// ErrToolLoopExceeded means the model was still asking for tools when
// the round limit ran out. The turn is aborted.
var ErrToolLoopExceeded = errors.New("tool loop exceeded")

// ProviderCallError wraps a model call that failed after any retry.
type ProviderCallError struct {
	Model    string
	Round    int
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *ProviderCallError) Error() string {
	return fmt.Sprintf("provider call for %s failed in round %d after %d attempt(s): %v", e.Model, e.Round, e.Attempts, e.Err)
}

// Unwrap returns the provider's error.
func (e *ProviderCallError) Unwrap() error {
	return e.Err
}
