package scheduler

import (
	"fmt"
	"sync"

	"github.com/gammazero/toposort"
)

// ExecutionPlan is the ordered, cycle-free set of nodes for one build, and the
// dispatcher workers pull from. All state is guarded by a single mutex with one
// condition variable signalled on every state change.
//
// The plan is reusable: call Clear between builds.
type ExecutionPlan struct {
	mu   sync.Mutex
	cond *sync.Cond

	nodes    []*Node          // Insertion order, dependencies always before dependents
	index    map[string]*Node // Unit ID -> node
	failures []error

	filter  func(WorkUnit) bool
	handler FailureHandler
}

// NewExecutionPlan creates an empty plan using the fail-fast policy and no filter.
func NewExecutionPlan() *ExecutionPlan {
	p := &ExecutionPlan{
		index:   make(map[string]*Node),
		handler: FailFast{},
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// UseFilter sets the inclusion predicate applied while building. A nil filter includes everything.
func (p *ExecutionPlan) UseFilter(filter func(WorkUnit) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filter = filter
}

// UseFailureHandler sets the failure policy. A nil handler restores fail-fast.
func (p *ExecutionPlan) UseFailureHandler(handler FailureHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if handler == nil {
		handler = FailFast{}
	}
	p.handler = handler
}

// AddToPlan expands the requested units and their dependencies into the plan.
//
// The traversal is an explicit queue-driven depth-first walk, so arbitrarily deep
// graphs never grow the call stack. Requested units are taken in natural order;
// a unit is appended only after all of its (unfiltered) dependencies are in the
// plan. On a cycle nothing from this call is kept.
func (p *ExecutionPlan) AddToPlan(units []WorkUnit) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := len(p.nodes)
	if err := p.addLocked(units); err != nil {
		for _, n := range p.nodes[start:] {
			delete(p.index, n.Unit.ID())
		}
		p.nodes = p.nodes[:start]
		return err
	}
	return nil
}

func (p *ExecutionPlan) addLocked(units []WorkUnit) error {
	// The end of the slice is the front of the queue.
	requested := sortUnits(units, false)
	queue := make([]WorkUnit, 0, len(requested))
	for i := len(requested) - 1; i >= 0; i-- {
		queue = append(queue, requested[i])
	}

	visiting := make(map[string]bool)
	for len(queue) > 0 {
		unit := queue[len(queue)-1]
		id := unit.ID()

		if p.filter != nil && !p.filter(unit) {
			queue = queue[:len(queue)-1]
			continue
		}
		if _, planned := p.index[id]; planned {
			queue = queue[:len(queue)-1]
			continue
		}

		if !visiting[id] {
			// First visit: queue dependencies ahead of the unit, leaving the unit in place.
			visiting[id] = true
			for _, dep := range sortUnits(unit.Dependencies(), true) {
				if visiting[dep.ID()] {
					return &CircularDependencyError{From: unit, To: dep}
				}
				queue = append(queue, dep)
			}
			continue
		}

		// Second visit: every dependency is now planned or filtered out.
		queue = queue[:len(queue)-1]
		delete(visiting, id)

		var deps []*Node
		for _, dep := range sortUnits(unit.Dependencies(), false) {
			if depNode, ok := p.index[dep.ID()]; ok {
				deps = append(deps, depNode)
			}
		}
		node := newNode(unit, deps)
		p.nodes = append(p.nodes, node)
		p.index[id] = node
	}
	return nil
}

// Clear removes every node and recorded failure so the plan can be rebuilt.
func (p *ExecutionPlan) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nodes = nil
	p.index = make(map[string]*Node)
	p.failures = nil
}

// Units returns the planned units in execution order.
func (p *ExecutionPlan) Units() []WorkUnit {
	p.mu.Lock()
	defer p.mu.Unlock()
	units := make([]WorkUnit, len(p.nodes))
	for i, n := range p.nodes {
		units[i] = n.Unit
	}
	return units
}

// Nodes returns a snapshot of every node in plan order.
func (p *ExecutionPlan) Nodes() []NodeInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	infos := make([]NodeInfo, len(p.nodes))
	for i, n := range p.nodes {
		infos[i] = n.info()
	}
	return infos
}

// Node returns a snapshot of the node for the given unit ID.
func (p *ExecutionPlan) Node(id string) (NodeInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.index[id]
	if !ok {
		return NodeInfo{}, false
	}
	return n.info(), true
}

// Verify cross-checks the plan order against an independent topological sort.
// It reports nodes lost by the sort and any node ordered before one of its dependencies.
func (p *ExecutionPlan) Verify() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var edges []toposort.Edge
	position := make(map[string]int, len(p.nodes))
	for i, n := range p.nodes {
		id := n.Unit.ID()
		position[id] = i
		if len(n.Dependencies) == 0 {
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, dep := range n.Dependencies {
			edges = append(edges, toposort.Edge{dep.Unit.ID(), id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return fmt.Errorf("execution plan contains cycle: %w", err)
	}

	found := 0
	for _, id := range sorted {
		if id != nil {
			found++
		}
	}
	if found != len(p.nodes) {
		return fmt.Errorf("topological sort returned %d of %d planned units", found, len(p.nodes))
	}

	for i, n := range p.nodes {
		for _, dep := range n.Dependencies {
			depPos, ok := position[dep.Unit.ID()]
			if !ok {
				return fmt.Errorf("%s depends on %s which is not in the plan", n.Unit, dep.Unit)
			}
			if depPos >= i {
				return fmt.Errorf("%s is planned before its dependency %s", n.Unit, dep.Unit)
			}
		}
	}
	return nil
}
