package scheduler

import "sort"

// WorkUnit is an externally defined unit of buildable work.
// Implementations must be immutable once handed to a plan.
type WorkUnit interface {
	// ID is the unit's identity. Units are naturally ordered by ID.
	ID() string
	// String returns a human-readable label.
	String() string
	// Dependencies returns the units this unit directly depends on.
	Dependencies() []WorkUnit
}

// NodeState represents where a node is in its execution lifecycle.
type NodeState int

const (
	NodeReady     NodeState = iota // Planned, not yet claimed (dependencies may still be pending)
	NodeExecuting                  // Claimed by a worker
	NodeExecuted                   // Finished successfully
	NodeFailed                     // Finished with a failure
	NodeSkipped                    // Never started
)

func (s NodeState) String() string {
	switch s {
	case NodeReady:
		return "ready"
	case NodeExecuting:
		return "executing"
	case NodeExecuted:
		return "executed"
	case NodeFailed:
		return "failed"
	case NodeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Node tracks the scheduling state of one WorkUnit inside an ExecutionPlan.
// Mutable fields are guarded by the owning plan's lock.
type Node struct {
	Unit         WorkUnit
	Dependencies []*Node // Fixed when the plan is built

	State            NodeState
	ExecutionFailure error // Engine/structural failure, always aborts the plan
	TaskFailure      error // Failure reported by the unit's action
	SkipReason       error // Why the node never started
}

func newNode(unit WorkUnit, deps []*Node) *Node {
	return &Node{Unit: unit, Dependencies: deps, State: NodeReady}
}

// IsReady reports whether the node is still waiting to be claimed.
func (n *Node) IsReady() bool {
	return n.State == NodeReady
}

// IsComplete reports whether the node reached a terminal state.
func (n *Node) IsComplete() bool {
	switch n.State {
	case NodeExecuted, NodeFailed, NodeSkipped:
		return true
	}
	return false
}

// IsSuccessful reports whether the node ran and did not fail.
func (n *Node) IsSuccessful() bool {
	return n.State == NodeExecuted
}

// IsFailed reports whether a failure has been recorded against the node.
func (n *Node) IsFailed() bool {
	return n.TaskFailure != nil || n.ExecutionFailure != nil
}

// Failure returns the recorded failure, preferring the execution failure.
func (n *Node) Failure() error {
	if n.ExecutionFailure != nil {
		return n.ExecutionFailure
	}
	return n.TaskFailure
}

// DependenciesPending reports whether the node is ready but still waits on
// at least one dependency.
func (n *Node) DependenciesPending() bool {
	return n.IsReady() && !n.AllDependenciesComplete()
}

// AllDependenciesComplete reports whether every dependency is terminal.
func (n *Node) AllDependenciesComplete() bool {
	for _, dep := range n.Dependencies {
		if !dep.IsComplete() {
			return false
		}
	}
	return true
}

// AllDependenciesSuccessful reports whether every dependency executed successfully.
func (n *Node) AllDependenciesSuccessful() bool {
	return n.firstUnsuccessfulDependency() == nil
}

func (n *Node) firstUnsuccessfulDependency() *Node {
	for _, dep := range n.Dependencies {
		if !dep.IsSuccessful() {
			return dep
		}
	}
	return nil
}

func (n *Node) startExecution() {
	n.State = NodeExecuting
}

func (n *Node) finishExecution() {
	if n.IsFailed() {
		n.State = NodeFailed
		return
	}
	n.State = NodeExecuted
}

func (n *Node) skipExecution(reason error) {
	n.State = NodeSkipped
	n.SkipReason = reason
}

// NodeInfo is a point-in-time copy of a node, safe to read without the plan lock.
type NodeInfo struct {
	Unit         WorkUnit
	Dependencies []WorkUnit
	State        NodeState
	Failure      error
	SkipReason   error
}

func (n *Node) info() NodeInfo {
	deps := make([]WorkUnit, len(n.Dependencies))
	for i, dep := range n.Dependencies {
		deps[i] = dep.Unit
	}
	return NodeInfo{
		Unit:         n.Unit,
		Dependencies: deps,
		State:        n.State,
		Failure:      n.Failure(),
		SkipReason:   n.SkipReason,
	}
}

// sortUnits sorts units by their natural (ID) order, removing duplicates.
func sortUnits(units []WorkUnit, reverse bool) []WorkUnit {
	seen := make(map[string]bool, len(units))
	sorted := make([]WorkUnit, 0, len(units))
	for _, u := range units {
		if u == nil || seen[u.ID()] {
			continue
		}
		seen[u.ID()] = true
		sorted = append(sorted, u)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if reverse {
			return sorted[i].ID() > sorted[j].ID()
		}
		return sorted[i].ID() < sorted[j].ID()
	})
	return sorted
}
