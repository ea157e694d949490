package engine

import "time"

// Outcome is how a node ended in one build.
type Outcome string

const (
	OutcomeExecuted Outcome = "executed"
	OutcomeUpToDate Outcome = "uptodate"
	OutcomeFailed   Outcome = "failed"
	OutcomeSkipped  Outcome = "skipped"
)

// NodeResult is the record of one node in a finished build.
type NodeResult struct {
	ID       string
	Label    string
	Outcome  Outcome
	Reasons  []string // Why the node was out of date, empty when up to date or skipped
	Err      error    // Failure, or skip reason for skipped nodes
	Worker   int
	Duration time.Duration
}

// Result summarises a build. Nodes are in plan order.
type Result struct {
	BuildID   string
	Nodes     []NodeResult
	Unclaimed []string // Units skipped because no worker's criteria accepted them
	Duration  time.Duration
}

// Node returns the result for a unit ID.
func (r *Result) Node(id string) (NodeResult, bool) {
	for _, n := range r.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeResult{}, false
}

// Count returns how many nodes ended with outcome.
func (r *Result) Count(outcome Outcome) int {
	count := 0
	for _, n := range r.Nodes {
		if n.Outcome == outcome {
			count++
		}
	}
	return count
}

// IDs returns the unit IDs that ended with outcome, in plan order.
func (r *Result) IDs(outcome Outcome) []string {
	var ids []string
	for _, n := range r.Nodes {
		if n.Outcome == outcome {
			ids = append(ids, n.ID)
		}
	}
	return ids
}
