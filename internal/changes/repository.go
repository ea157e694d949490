package changes

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/buildgraph/internal/ctxlog"
	"github.com/aristath/buildgraph/internal/history"
)

// Options tune a Repository.
type Options struct {
	// Rerun forces every unit to execute, ignoring history.
	Rerun bool
	// UpToDateWhen, if set, must hold for a unit to be considered up to date.
	UpToDateWhen func(Unit) bool
	// Rules replaces DefaultRules when non-nil.
	Rules []Rule
	// Now stamps new records. Defaults to time.Now.
	Now func() time.Time
}

// Repository hands out one State per unit per build.
type Repository struct {
	store   history.Store
	inputs  Snapshotter
	outputs Snapshotter
	opts    Options

	mu     sync.Mutex
	states map[string]*State
}

// NewRepository creates a repository reading and writing records in store.
func NewRepository(store history.Store, inputs, outputs Snapshotter, opts Options) *Repository {
	if opts.Rules == nil {
		opts.Rules = DefaultRules()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Repository{
		store:   store,
		inputs:  inputs,
		outputs: outputs,
		opts:    opts,
		states:  make(map[string]*State),
	}
}

// StateFor returns the state for unit, creating it on first use in this build.
func (r *Repository) StateFor(unit Unit) *State {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.states[unit.ID()]; ok {
		return s
	}
	s := &State{repo: r, unit: unit}
	r.states[unit.ID()] = s
	return s
}

// Reset forgets every memoised verdict. Call it between builds.
func (r *Repository) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = make(map[string]*State)
}

// State is the change-detection state of one unit in one build.
type State struct {
	repo *Repository
	unit Unit

	once    sync.Once
	verdict Verdict
	err     error
	current *history.Record // Fingerprints and input snapshot taken before execution
}

// IsUpToDate evaluates the unit against its history. The result is computed once
// per build; later calls return the same verdict.
func (s *State) IsUpToDate(ctx context.Context) (Verdict, error) {
	s.once.Do(func() {
		s.verdict, s.err = s.evaluate(ctx)
	})
	return s.verdict, s.err
}

func (s *State) evaluate(ctx context.Context) (Verdict, error) {
	logger := ctxlog.FromContext(ctx)

	if len(s.unit.OutputFiles()) == 0 {
		return outOfDate(fmt.Sprintf("%s has not declared any outputs, assuming that it is out-of-date.", s.unit)), nil
	}

	current, err := s.snapshotBefore(ctx)
	if err != nil {
		return Verdict{}, err
	}
	s.current = current

	if s.repo.opts.Rerun {
		return outOfDate("Executed with '--rerun'."), nil
	}
	if pred := s.repo.opts.UpToDateWhen; pred != nil && !pred(s.unit) {
		return outOfDate(fmt.Sprintf("%s upToDateWhen is false.", s.unit)), nil
	}

	previous, err := s.repo.store.Get(ctx, s.unit.ID())
	if err != nil {
		return Verdict{}, fmt.Errorf("reading history of %s: %w", s.unit, err)
	}
	if previous == nil {
		return outOfDate(fmt.Sprintf("No history is available for %s.", s.unit)), nil
	}

	outputs, err := s.repo.outputs.Snapshot(ctx, s.unit.OutputFiles())
	if err != nil {
		return Verdict{}, fmt.Errorf("snapshotting outputs of %s: %w", s.unit, err)
	}
	now := *current
	now.OutputSnapshot = outputs

	rc := &RuleContext{Unit: s.unit, Previous: previous, Current: &now}
	var reasons []string
	for _, rule := range s.repo.opts.Rules {
		reasons = append(reasons, rule(rc)...)
	}
	if len(reasons) > 0 {
		return outOfDate(reasons...), nil
	}

	logger.Debug("unit is up to date", "unit", s.unit.ID())
	return Verdict{UpToDate: true}, nil
}

// snapshotBefore fingerprints the unit's declarations and snapshots its inputs.
func (s *State) snapshotBefore(ctx context.Context) (*history.Record, error) {
	perProperty, total, err := propertyFingerprints(s.unit.InputProperties())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.unit, err)
	}
	inputs, err := s.repo.inputs.Snapshot(ctx, s.unit.InputFiles())
	if err != nil {
		return nil, fmt.Errorf("snapshotting inputs of %s: %w", s.unit, err)
	}
	return &history.Record{
		UnitID:                s.unit.ID(),
		KindFingerprint:       kindFingerprint(s.unit.Kind()),
		PropertiesFingerprint: total,
		Properties:            perProperty,
		InputSnapshot:         inputs,
	}, nil
}

// AfterExecution records the outcome of running the unit. It does nothing when
// the unit was up to date or declares no outputs. A failed execution removes the
// previous record so a later build cannot match outputs the failure left behind.
func (s *State) AfterExecution(ctx context.Context, execErr error) error {
	if len(s.unit.OutputFiles()) == 0 || s.verdict.UpToDate {
		return nil
	}
	logger := ctxlog.FromContext(ctx)

	if execErr != nil {
		if err := s.repo.store.Remove(ctx, s.unit.ID()); err != nil {
			return fmt.Errorf("removing history of %s: %w", s.unit, err)
		}
		logger.Debug("history removed after failed execution", "unit", s.unit.ID())
		return nil
	}

	record := s.current
	if record == nil {
		var err error
		if record, err = s.snapshotBefore(ctx); err != nil {
			return err
		}
	}
	outputs, err := s.repo.outputs.Snapshot(ctx, s.unit.OutputFiles())
	if err != nil {
		return fmt.Errorf("snapshotting outputs of %s: %w", s.unit, err)
	}

	next := *record
	next.OutputSnapshot = outputs
	next.RecordedAt = s.repo.opts.Now()
	if err := s.repo.store.Put(ctx, s.unit.ID(), &next); err != nil {
		return fmt.Errorf("recording history of %s: %w", s.unit, err)
	}
	logger.Debug("history recorded", "unit", s.unit.ID(), "outputs", len(outputs))
	return nil
}

func outOfDate(reasons ...string) Verdict {
	return Verdict{Reasons: reasons}
}
