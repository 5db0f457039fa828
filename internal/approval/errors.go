package approval

import (
	"fmt"

	"marketing-orchestrator/internal/faults"
)

// StateError reports that a request is not in a state that allows the
// attempted transition. It classifies as faults.KindStateConflict.
type StateError struct {
	ID     string
	Reason string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("approval %s: %s", e.ID, e.Reason)
}

// Kind implements the faults classification hook.
func (e *StateError) Kind() faults.Kind { return faults.KindStateConflict }

// Common conflict reasons.
const (
	ReasonNotFound       = "not found"
	ReasonExpired        = "expired"
	ReasonNotRetryable   = "execution is not retryable"
	ReasonAlreadyRunning = "execution already started"
)

// ExecutionError wraps the failure of a gated action after the decision was
// committed. The request stays approved with execution_failed.
type ExecutionError struct {
	ID  string
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("approval %s: execution failed: %v", e.ID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
