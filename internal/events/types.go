package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	UnitID() string
}

// Topic constants
const (
	TopicNode   = "node"
	TopicPlan   = "plan"
	TopicOutput = "output" // One NodeOutputEvent per action output line
)

// Event type constants
const (
	EventTypeNodeStarted   = "node.started"
	EventTypeNodeUpToDate  = "node.uptodate"
	EventTypeNodeOutput    = "node.output"
	EventTypeNodeCompleted = "node.completed"
	EventTypeNodeFailed    = "node.failed"
	EventTypeNodeSkipped   = "node.skipped"
	EventTypePlanProgress  = "plan.progress"
)

// NodeStartedEvent is published when a worker claims a node.
type NodeStartedEvent struct {
	BuildID   string
	ID        string
	Label     string
	Worker    int
	Timestamp time.Time
}

func (e NodeStartedEvent) EventType() string { return EventTypeNodeStarted }
func (e NodeStartedEvent) UnitID() string    { return e.ID }

// NodeUpToDateEvent is published when a node is skipped because its history is still valid.
type NodeUpToDateEvent struct {
	BuildID   string
	ID        string
	Timestamp time.Time
}

func (e NodeUpToDateEvent) EventType() string { return EventTypeNodeUpToDate }
func (e NodeUpToDateEvent) UnitID() string    { return e.ID }

// NodeOutputEvent carries one line a node's action wrote.
type NodeOutputEvent struct {
	ID        string
	Stream    string // "stdout" or "stderr"
	Line      string
	Timestamp time.Time
}

func (e NodeOutputEvent) EventType() string { return EventTypeNodeOutput }
func (e NodeOutputEvent) UnitID() string    { return e.ID }

// NodeCompletedEvent is published when a node's action succeeds.
type NodeCompletedEvent struct {
	BuildID   string
	ID        string
	Reasons   []string // Why the node was out of date
	Duration  time.Duration
	Timestamp time.Time
}

func (e NodeCompletedEvent) EventType() string { return EventTypeNodeCompleted }
func (e NodeCompletedEvent) UnitID() string    { return e.ID }

// NodeFailedEvent is published when a node's action or its bookkeeping fails.
type NodeFailedEvent struct {
	BuildID   string
	ID        string
	Err       error
	Duration  time.Duration
	Timestamp time.Time
}

func (e NodeFailedEvent) EventType() string { return EventTypeNodeFailed }
func (e NodeFailedEvent) UnitID() string    { return e.ID }

// NodeSkippedEvent is published once per node that never started.
type NodeSkippedEvent struct {
	BuildID   string
	ID        string
	Reason    error
	Timestamp time.Time
}

func (e NodeSkippedEvent) EventType() string { return EventTypeNodeSkipped }
func (e NodeSkippedEvent) UnitID() string    { return e.ID }

// PlanProgressEvent is published whenever a node reaches a terminal state.
type PlanProgressEvent struct {
	BuildID   string
	Total     int
	Completed int
	Running   int
	Failed    int
	Skipped   int
	Pending   int
	Timestamp time.Time
}

func (e PlanProgressEvent) EventType() string { return EventTypePlanProgress }
func (e PlanProgressEvent) UnitID() string    { return "" }
