package workflow

import (
	"fmt"
	"strings"
)

// ValidationError reports every admission problem found in a workflow.
// It is returned before any step runs.
type ValidationError struct {
	WorkflowID string
	Problems   []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("workflow %s invalid: %s", e.WorkflowID, strings.Join(e.Problems, "; "))
}

// DeadlockError reports that the scheduler can make no further progress.
// Blocked lists the step IDs waiting on unmet dependencies; Cycle, when
// non-empty, is a dependency cycle found in the residual subgraph.
type DeadlockError struct {
	WorkflowID string
	Blocked    []string
	Cycle      []string
}

func (e *DeadlockError) Error() string {
	msg := fmt.Sprintf("workflow %s deadlocked: blocked steps [%s]",
		e.WorkflowID, strings.Join(e.Blocked, ", "))
	if len(e.Cycle) > 0 {
		msg += "; residual cycle: " + strings.Join(e.Cycle, " -> ")
	}
	return msg
}

// CheckpointError wraps a checkpoint IO failure. It is logged and
// counted but never fails the step whose completion triggered the save.
type CheckpointError struct {
	WorkflowID string
	Path       string
	Err        error
}

func (e *CheckpointError) Error() string {
	return fmt.Sprintf("checkpoint %s for workflow %s: %v", e.Path, e.WorkflowID, e.Err)
}

func (e *CheckpointError) Unwrap() error { return e.Err }

func cycleString(cycle []string) string {
	return strings.Join(cycle, " -> ")
}
