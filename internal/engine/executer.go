// Package engine drives a build: it plans the requested units, runs them on a
// pool of workers and reports what happened to each node.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/buildgraph/internal/action"
	"github.com/aristath/buildgraph/internal/changes"
	"github.com/aristath/buildgraph/internal/ctxlog"
	"github.com/aristath/buildgraph/internal/events"
	"github.com/aristath/buildgraph/internal/scheduler"
)

// ErrBuildInProgress is returned when Execute is called while another build runs.
var ErrBuildInProgress = errors.New("a build is already running on this executer")

// UnclaimedError reports nodes that no worker's criteria accepted. They are
// skipped, and the build fails so a misconfigured group cannot pass unnoticed.
type UnclaimedError struct {
	IDs []string
}

func (e *UnclaimedError) Error() string {
	return fmt.Sprintf("no worker accepts %d unit(s): %s", len(e.IDs), strings.Join(e.IDs, ", "))
}

// Grouped is implemented by units that belong to a worker group.
type Grouped interface {
	Group() string
}

// Options configures a BuildExecuter.
type Options struct {
	Workers       int                           // Generic workers (default runtime.NumCPU)
	FailurePolicy scheduler.FailureHandler      // Default FailFast
	Filter        func(scheduler.WorkUnit) bool // Units rejected here are left out of the plan
	Criteria      func(*scheduler.Node) bool    // Restricts what generic workers claim
	Groups        map[string]int                // Group name -> dedicated workers

	Repository *changes.Repository // Nil disables up-to-date checks
	Action     action.Func         // Required
	Bus        *events.EventBus    // Optional
	Metrics    *Metrics            // Optional
	Tracer     trace.Tracer        // Default is the global provider's tracer
	Logger     *slog.Logger        // Default slog.Default()
}

// BuildExecuter runs builds over a reusable execution plan.
type BuildExecuter struct {
	opts  Options
	plan  *scheduler.ExecutionPlan
	locks *scheduler.PathLocks

	running sync.Mutex
}

// New creates a BuildExecuter.
func New(opts Options) (*BuildExecuter, error) {
	if opts.Action == nil {
		return nil, errors.New("engine: an action is required")
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.FailurePolicy == nil {
		opts.FailurePolicy = scheduler.FailFast{}
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("buildgraph/engine")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	plan := scheduler.NewExecutionPlan()
	plan.UseFilter(opts.Filter)
	plan.UseFailureHandler(opts.FailurePolicy)

	return &BuildExecuter{
		opts:  opts,
		plan:  plan,
		locks: scheduler.NewPathLocks(),
	}, nil
}

// build is the state of one Execute call.
type build struct {
	id    string
	plan  *scheduler.ExecutionPlan
	start time.Time

	mu      sync.Mutex
	results map[string]NodeResult
}

func (b *build) record(res NodeResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.results[res.ID] = res
}

// Plan resolves units into execution order without running anything.
func (e *BuildExecuter) Plan(units []scheduler.WorkUnit) ([]scheduler.NodeInfo, error) {
	if !e.running.TryLock() {
		return nil, ErrBuildInProgress
	}
	defer e.running.Unlock()

	e.plan.Clear()
	defer e.plan.Clear()
	if err := e.plan.AddToPlan(units); err != nil {
		return nil, err
	}
	if err := e.plan.Verify(); err != nil {
		return nil, err
	}
	return e.plan.Nodes(), nil
}

// Execute plans units and their dependencies and runs them. A structural error
// (a cycle) is returned before anything runs, with a nil Result. Otherwise the
// Result is always returned, together with the build's failure if there was one.
//
// Cancelling ctx aborts the plan: nodes not yet started are skipped, running
// actions are left to finish, and workers blocked waiting stop with an
// *scheduler.InterruptedError.
func (e *BuildExecuter) Execute(ctx context.Context, units []scheduler.WorkUnit) (*Result, error) {
	if !e.running.TryLock() {
		return nil, ErrBuildInProgress
	}
	defer e.running.Unlock()

	b := &build{
		id:      uuid.NewString(),
		plan:    e.plan,
		start:   time.Now(),
		results: make(map[string]NodeResult),
	}
	logger := e.opts.Logger.With("build", b.id)
	ctx = ctxlog.WithLogger(ctx, logger)

	ctx, span := e.opts.Tracer.Start(ctx, "buildgraph.Build",
		trace.WithAttributes(
			attribute.String("build.id", b.id),
			attribute.Int("build.requested", len(units)),
		),
	)
	defer span.End()

	e.plan.Clear()
	if e.opts.Repository != nil {
		e.opts.Repository.Reset()
	}
	if err := e.plan.AddToPlan(units); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "planning failed")
		return nil, err
	}
	if err := e.plan.Verify(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "planning failed")
		return nil, fmt.Errorf("verifying plan: %w", err)
	}

	total := e.plan.Progress().Total
	span.SetAttributes(attribute.Int("build.nodes", total))
	logger.Info("build started", "nodes", total, "workers", e.opts.Workers, "groups", len(e.opts.Groups))

	stop := context.AfterFunc(ctx, func() {
		logger.Warn("build cancelled, aborting pending nodes")
		e.plan.Abort()
	})
	defer stop()

	workErr := e.runWorkers(ctx, b)

	// Nodes no worker's criteria accepted are still pending; nobody is left to claim them.
	var unclaimed *UnclaimedError
	if left := e.plan.Progress(); !left.Done() {
		if workErr == nil && ctx.Err() == nil {
			unclaimed = &UnclaimedError{IDs: e.pendingIDs()}
			logger.Warn("nodes left unclaimed", "count", len(unclaimed.IDs), "units", unclaimed.IDs)
		}
		e.plan.Abort()
	}

	buildErr := e.plan.AwaitCompletion(context.WithoutCancel(ctx))
	if workErr != nil {
		buildErr = errors.Join(buildErr, workErr)
	}
	if unclaimed != nil {
		buildErr = errors.Join(buildErr, unclaimed)
	}

	result := e.collect(b)
	if unclaimed != nil {
		result.Unclaimed = unclaimed.IDs
	}
	e.opts.Metrics.buildFinished(buildErr)

	attrs := []any{
		"duration", result.Duration,
		"executed", result.Count(OutcomeExecuted),
		"uptodate", result.Count(OutcomeUpToDate),
		"failed", result.Count(OutcomeFailed),
		"skipped", result.Count(OutcomeSkipped),
	}
	if buildErr != nil {
		span.RecordError(buildErr)
		span.SetStatus(codes.Error, "build failed")
		logger.Error("build failed", append(attrs, "error", buildErr)...)
		return result, buildErr
	}
	span.SetStatus(codes.Ok, "")
	logger.Info("build finished", attrs...)
	return result, nil
}

// runWorkers starts the generic workers and one pool per configured group and
// waits for all of them to run out of work.
func (e *BuildExecuter) runWorkers(ctx context.Context, b *build) error {
	var g errgroup.Group

	names := make([]string, 0, len(e.opts.Groups))
	for name, n := range e.opts.Groups {
		if n > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	dedicated := make(map[string]bool, len(names))
	for _, name := range names {
		dedicated[name] = true
	}

	worker := 0
	for _, name := range names {
		group := name
		criteria := func(n *scheduler.Node) bool { return groupOf(n.Unit) == group }
		for i := 0; i < e.opts.Groups[group]; i++ {
			worker++
			id := worker
			g.Go(func() error {
				return e.work(ctxlog.With(ctx, "group", group), b, id, criteria)
			})
		}
	}

	generic := func(n *scheduler.Node) bool {
		if dedicated[groupOf(n.Unit)] {
			return false
		}
		return e.opts.Criteria == nil || e.opts.Criteria(n)
	}
	for i := 0; i < e.opts.Workers; i++ {
		worker++
		id := worker
		g.Go(func() error {
			return e.work(ctx, b, id, generic)
		})
	}

	return g.Wait()
}

// pendingIDs lists, in plan order, the nodes that never left the ready state.
func (e *BuildExecuter) pendingIDs() []string {
	var ids []string
	for _, info := range e.plan.Nodes() {
		if info.State == scheduler.NodeReady {
			ids = append(ids, info.Unit.ID())
		}
	}
	return ids
}

func groupOf(unit scheduler.WorkUnit) string {
	if g, ok := unit.(Grouped); ok {
		return g.Group()
	}
	return ""
}

// work claims and executes nodes until none matching criteria can become ready.
func (e *BuildExecuter) work(ctx context.Context, b *build, worker int, criteria func(*scheduler.Node) bool) error {
	for {
		node, err := b.plan.AcquireNextReady(ctx, criteria)
		if err != nil {
			ctxlog.FromContext(ctx).Debug("worker interrupted", "worker", worker, "error", err)
			return err
		}
		if node == nil {
			return nil
		}

		outcome := e.executeNode(ctx, b, node, worker)
		b.plan.CompleteExecution(node, outcome)
		e.publishProgress(b)
	}
}

// executeNode runs one claimed node and returns the outcome to hand back to
// the plan. Bookkeeping failures come back as *scheduler.ExecutionError.
func (e *BuildExecuter) executeNode(ctx context.Context, b *build, node *scheduler.Node, worker int) error {
	unit := node.Unit
	start := time.Now()

	logger := ctxlog.FromContext(ctx).With("unit", unit.ID(), "worker", worker)
	ctx = ctxlog.WithLogger(ctx, logger)
	ctx, span := e.opts.Tracer.Start(ctx, unit.ID(),
		trace.WithAttributes(
			attribute.String("unit.id", unit.ID()),
			attribute.Int("worker", worker),
		),
	)
	defer span.End()

	e.opts.Metrics.workerBusy(1)
	defer e.opts.Metrics.workerBusy(-1)

	e.publish(events.TopicNode, events.NodeStartedEvent{
		BuildID:   b.id,
		ID:        unit.ID(),
		Label:     unit.String(),
		Worker:    worker,
		Timestamp: start,
	})

	outcome, reasons, err := e.runUnit(ctx, unit)

	res := NodeResult{
		ID:       unit.ID(),
		Label:    unit.String(),
		Outcome:  outcome,
		Reasons:  reasons,
		Err:      err,
		Worker:   worker,
		Duration: time.Since(start),
	}
	b.record(res)
	e.opts.Metrics.nodeFinished(res)
	span.SetAttributes(attribute.String("outcome", string(outcome)))

	now := time.Now()
	switch outcome {
	case OutcomeUpToDate:
		logger.Info("up to date", "duration", res.Duration)
		e.publish(events.TopicNode, events.NodeUpToDateEvent{BuildID: b.id, ID: unit.ID(), Timestamp: now})
	case OutcomeExecuted:
		logger.Info("executed", "duration", res.Duration)
		e.publish(events.TopicNode, events.NodeCompletedEvent{
			BuildID:   b.id,
			ID:        unit.ID(),
			Reasons:   reasons,
			Duration:  res.Duration,
			Timestamp: now,
		})
	case OutcomeFailed:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("failed", "duration", res.Duration, "error", err)
		e.publish(events.TopicNode, events.NodeFailedEvent{
			BuildID:   b.id,
			ID:        unit.ID(),
			Err:       err,
			Duration:  res.Duration,
			Timestamp: now,
		})
	}
	return err
}

// runUnit consults history, then runs the action with the unit's outputs locked.
func (e *BuildExecuter) runUnit(ctx context.Context, unit scheduler.WorkUnit) (Outcome, []string, error) {
	logger := ctxlog.FromContext(ctx)

	var (
		state   *changes.State
		reasons []string
		outputs []string
	)
	if cu, ok := unit.(changes.Unit); ok {
		outputs = cu.OutputFiles()
		if e.opts.Repository != nil {
			state = e.opts.Repository.StateFor(cu)
			verdict, err := state.IsUpToDate(ctx)
			if err != nil {
				return OutcomeFailed, nil, &scheduler.ExecutionError{Unit: unit, Err: err}
			}
			if verdict.UpToDate {
				return OutcomeUpToDate, nil, nil
			}
			reasons = verdict.Reasons
			logger.Info("out of date", "reason", verdict.Summary())
		}
	}

	unlock := e.locks.LockAll(outputs)
	defer unlock()

	// Shutdown is handled by aborting the plan and killing processes; the
	// scheduler never cancels an action it has started.
	actionCtx := context.WithoutCancel(ctx)
	actErr := e.opts.Action(actionCtx, unit)

	if state != nil {
		if err := state.AfterExecution(actionCtx, actErr); err != nil {
			if actErr != nil {
				err = errors.Join(fmt.Errorf("%s failed: %w", unit, actErr), err)
			}
			return OutcomeFailed, reasons, &scheduler.ExecutionError{Unit: unit, Err: err}
		}
	}
	if actErr != nil {
		return OutcomeFailed, reasons, fmt.Errorf("%s failed: %w", unit, actErr)
	}
	return OutcomeExecuted, reasons, nil
}

// collect assembles the Result in plan order and reports skipped nodes.
func (e *BuildExecuter) collect(b *build) *Result {
	infos := b.plan.Nodes()
	result := &Result{
		BuildID:  b.id,
		Nodes:    make([]NodeResult, 0, len(infos)),
		Duration: time.Since(b.start),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, info := range infos {
		if res, ok := b.results[info.Unit.ID()]; ok {
			result.Nodes = append(result.Nodes, res)
			continue
		}
		res := NodeResult{
			ID:      info.Unit.ID(),
			Label:   info.Unit.String(),
			Outcome: OutcomeSkipped,
			Err:     info.SkipReason,
		}
		result.Nodes = append(result.Nodes, res)
		e.opts.Metrics.nodeFinished(res)
		e.publish(events.TopicNode, events.NodeSkippedEvent{
			BuildID:   b.id,
			ID:        res.ID,
			Reason:    res.Err,
			Timestamp: time.Now(),
		})
	}
	return result
}

func (e *BuildExecuter) publishProgress(b *build) {
	if e.opts.Bus == nil {
		return
	}
	p := b.plan.Progress()
	e.publish(events.TopicPlan, events.PlanProgressEvent{
		BuildID:   b.id,
		Total:     p.Total,
		Completed: p.Executed,
		Running:   p.Executing,
		Failed:    p.Failed,
		Skipped:   p.Skipped,
		Pending:   p.Pending + p.Ready,
		Timestamp: time.Now(),
	})
}

func (e *BuildExecuter) publish(topic string, event events.Event) {
	if e.opts.Bus != nil {
		e.opts.Bus.Publish(topic, event)
	}
}
