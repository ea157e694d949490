package scheduler

import (
	"context"
	"errors"
)

// Progress counts nodes per lifecycle state.
type Progress struct {
	Total     int
	Pending   int // Ready but waiting on dependencies
	Ready     int // Ready with every dependency complete
	Executing int
	Executed  int
	Failed    int
	Skipped   int
}

// Done reports whether every node is terminal.
func (p Progress) Done() bool {
	return p.Executed+p.Failed+p.Skipped == p.Total
}

// AcquireNextReady claims the next node, in plan order, that is ready and matches
// criteria. If that node's dependencies are still running, the caller blocks until
// they finish. A node whose dependencies did not all succeed is skipped and the
// search continues.
//
// It returns nil when no matching node can become ready any more. If ctx is done
// while blocked, it returns an *InterruptedError.
func (p *ExecutionPlan) AcquireNextReady(ctx context.Context, criteria func(*Node) bool) (*Node, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	stop := context.AfterFunc(ctx, p.wake)
	defer stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, &InterruptedError{Cause: err}
		}

		next := p.nextReadyMatching(criteria)
		if next == nil {
			return nil, nil
		}

		for !next.AllDependenciesComplete() {
			if err := ctx.Err(); err != nil {
				return nil, &InterruptedError{Cause: err}
			}
			p.cond.Wait()
		}

		// Another worker may have claimed or skipped the node while we waited.
		if !next.IsReady() {
			continue
		}

		if failed := next.firstUnsuccessfulDependency(); failed != nil {
			next.skipExecution(&SkippedError{Unit: next.Unit, Upstream: failed.Unit, Cause: failed.Failure()})
			p.cond.Broadcast()
			continue
		}

		next.startExecution()
		return next, nil
	}
}

func (p *ExecutionPlan) nextReadyMatching(criteria func(*Node) bool) *Node {
	for _, n := range p.nodes {
		if n.IsReady() && (criteria == nil || criteria(n)) {
			return n
		}
	}
	return nil
}

// wake broadcasts the condition so blocked callers re-check their context.
func (p *ExecutionPlan) wake() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cond.Broadcast()
}

// CompleteExecution records the outcome of a claimed node and wakes every waiter.
// A nil outcome is success. An *ExecutionError outcome is an engine failure and
// always aborts; any other error is an action failure handed to the failure policy.
func (p *ExecutionPlan) CompleteExecution(node *Node, outcome error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if outcome != nil {
		var execErr *ExecutionError
		if errors.As(outcome, &execErr) {
			node.ExecutionFailure = outcome
		} else {
			node.TaskFailure = outcome
		}
	}

	if node.IsFailed() {
		p.handleFailure(node)
	}

	node.finishExecution()
	p.cond.Broadcast()
}

func (p *ExecutionPlan) handleFailure(node *Node) {
	if node.ExecutionFailure != nil {
		p.abortLocked()
		p.failures = append(p.failures, node.ExecutionFailure)
		return
	}

	if err := p.handler.OnFailure(node); err != nil {
		p.abortLocked()
		p.failures = append(p.failures, err)
		return
	}
	p.failures = append(p.failures, node.TaskFailure)
}

// Abort skips every node that has not started. Executing nodes run to completion.
func (p *ExecutionPlan) Abort() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.abortLocked()
	p.cond.Broadcast()
}

func (p *ExecutionPlan) abortLocked() {
	for _, n := range p.nodes {
		if n.IsReady() {
			n.skipExecution(&SkippedError{Unit: n.Unit, Cause: ErrAborted})
		}
	}
}

// AwaitCompletion blocks until every node is terminal, then returns nil, the single
// recorded failure unchanged, or a *MultipleFailuresError holding all failures.
// If ctx is done first it returns an *InterruptedError.
func (p *ExecutionPlan) AwaitCompletion(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	stop := context.AfterFunc(ctx, p.wake)
	defer stop()

	for !p.allComplete() {
		if err := ctx.Err(); err != nil {
			return &InterruptedError{Cause: err}
		}
		p.cond.Wait()
	}

	switch len(p.failures) {
	case 0:
		return nil
	case 1:
		return p.failures[0]
	default:
		return &MultipleFailuresError{Failures: append([]error(nil), p.failures...)}
	}
}

func (p *ExecutionPlan) allComplete() bool {
	for _, n := range p.nodes {
		if !n.IsComplete() {
			return false
		}
	}
	return true
}

// Progress returns the current per-state node counts.
func (p *ExecutionPlan) Progress() Progress {
	p.mu.Lock()
	defer p.mu.Unlock()

	prog := Progress{Total: len(p.nodes)}
	for _, n := range p.nodes {
		switch n.State {
		case NodeReady:
			if n.DependenciesPending() {
				prog.Pending++
			} else {
				prog.Ready++
			}
		case NodeExecuting:
			prog.Executing++
		case NodeExecuted:
			prog.Executed++
		case NodeFailed:
			prog.Failed++
		case NodeSkipped:
			prog.Skipped++
		}
	}
	return prog
}
