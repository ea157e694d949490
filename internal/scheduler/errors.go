package scheduler

import (
	"errors"
	"fmt"
	"strings"
)

// ErrAborted is the skip reason for nodes that never started because the plan was aborted.
var ErrAborted = errors.New("execution aborted")

// CircularDependencyError is a structural failure raised while building a plan.
type CircularDependencyError struct {
	From WorkUnit
	To   WorkUnit
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("circular dependency between units: cycle includes [%s, %s]", e.From, e.To)
}

// ExecutionError marks a failure of the engine around a unit (history, snapshots),
// as opposed to a failure of the unit's action. It aborts the plan regardless of policy.
type ExecutionError struct {
	Unit WorkUnit
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution of %s failed: %v", e.Unit, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// SkippedError explains why a node never started.
type SkippedError struct {
	Unit     WorkUnit
	Upstream WorkUnit // Dependency that did not succeed, nil when the plan was aborted
	Cause    error
}

func (e *SkippedError) Error() string {
	if e.Upstream != nil {
		return fmt.Sprintf("%s skipped: dependency %s did not succeed", e.Unit, e.Upstream)
	}
	return fmt.Sprintf("%s skipped: %v", e.Unit, e.Cause)
}

func (e *SkippedError) Unwrap() error { return e.Cause }

// InterruptedError is returned when a blocked wait ends because the caller is shutting down.
type InterruptedError struct {
	Cause error
}

func (e *InterruptedError) Error() string {
	return fmt.Sprintf("interrupted while waiting for execution plan: %v", e.Cause)
}

func (e *InterruptedError) Unwrap() error { return e.Cause }

// MultipleFailuresError aggregates more than one failure, in encounter order.
type MultipleFailuresError struct {
	Failures []error
}

func (e *MultipleFailuresError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "build completed with %d failures:", len(e.Failures))
	for i, err := range e.Failures {
		fmt.Fprintf(&b, "\n  %d: %v", i+1, err)
	}
	return b.String()
}

func (e *MultipleFailuresError) Unwrap() []error { return e.Failures }
