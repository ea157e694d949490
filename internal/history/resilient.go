package history

import (
	"context"
	"errors"
	"log/slog"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/buildgraph/internal/config"
)

// ResilientStore wraps a Store with exponential backoff retry and a circuit
// breaker. While the breaker is open, reads report "no history" so units simply
// re-execute, and writes fail.
type ResilientStore struct {
	inner  Store
	cb     *gobreaker.CircuitBreaker
	retry  config.RetryConfig
	logger *slog.Logger
}

var _ Store = (*ResilientStore)(nil)

// NewResilientStore wraps inner. A nil logger uses slog.Default().
func NewResilientStore(inner Store, retry config.RetryConfig, breaker config.BreakerConfig, logger *slog.Logger) *ResilientStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &ResilientStore{inner: inner, retry: retry, logger: logger}
	s.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "history",
		MaxRequests: breaker.MaxRequests,
		Interval:    0,
		Timeout:     breaker.Timeout.Std(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breaker.ConsecutiveFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellation is not a store failure.
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
	return s
}

// State reports the breaker state.
func (s *ResilientStore) State() gobreaker.State {
	return s.cb.State()
}

func (s *ResilientStore) Get(ctx context.Context, unitID string) (*Record, error) {
	var record *Record
	err := s.do(ctx, func() error {
		r, err := s.inner.Get(ctx, unitID)
		record = r
		return err
	})
	if isBreakerOpen(err) {
		s.logger.Warn("history unavailable, treating unit as having no history", "unit", unitID, "error", err)
		return nil, nil
	}
	return record, err
}

func (s *ResilientStore) Put(ctx context.Context, unitID string, record *Record) error {
	return s.do(ctx, func() error {
		return s.inner.Put(ctx, unitID, record)
	})
}

func (s *ResilientStore) Remove(ctx context.Context, unitID string) error {
	return s.do(ctx, func() error {
		return s.inner.Remove(ctx, unitID)
	})
}

// List delegates to the wrapped store when it can enumerate records.
func (s *ResilientStore) List(ctx context.Context) ([]*Record, error) {
	lister, ok := s.inner.(Lister)
	if !ok {
		return nil, errors.New("history backend does not support listing")
	}
	var records []*Record
	err := s.do(ctx, func() error {
		r, err := lister.List(ctx)
		records = r
		return err
	})
	return records, err
}

func (s *ResilientStore) Close() error {
	return s.inner.Close()
}

// do runs op through the breaker, retrying transient failures with backoff.
func (s *ResilientStore) do(ctx context.Context, op func() error) error {
	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		_, err := s.cb.Execute(func() (interface{}, error) {
			return nil, op()
		})
		if err != nil {
			if isBreakerOpen(err) || ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.retry.InitialInterval.Std()
	policy.MaxInterval = s.retry.MaxInterval.Std()
	policy.MaxElapsedTime = s.retry.MaxElapsedTime.Std()
	policy.Multiplier = s.retry.Multiplier
	policy.RandomizationFactor = s.retry.RandomizationFactor

	return backoff.Retry(operation, backoff.WithContext(policy, ctx))
}

func isBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
