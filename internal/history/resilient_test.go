package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/buildgraph/internal/config"
)

// flakyStore fails the first failures calls to every operation, then delegates.
type flakyStore struct {
	mu       sync.Mutex
	inner    *MemoryStore
	failures int
	calls    int
}

var errFlaky = errors.New("disk busy")

func (s *flakyStore) attempt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return errFlaky
	}
	return nil
}

func (s *flakyStore) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *flakyStore) Get(ctx context.Context, id string) (*Record, error) {
	if err := s.attempt(); err != nil {
		return nil, err
	}
	return s.inner.Get(ctx, id)
}

func (s *flakyStore) Put(ctx context.Context, id string, r *Record) error {
	if err := s.attempt(); err != nil {
		return err
	}
	return s.inner.Put(ctx, id, r)
}

func (s *flakyStore) Remove(ctx context.Context, id string) error {
	if err := s.attempt(); err != nil {
		return err
	}
	return s.inner.Remove(ctx, id)
}

func (s *flakyStore) Close() error { return s.inner.Close() }

func retryWithin(total time.Duration) config.RetryConfig {
	return config.RetryConfig{
		InitialInterval:     config.Duration(10 * time.Millisecond),
		MaxInterval:         config.Duration(50 * time.Millisecond),
		MaxElapsedTime:      config.Duration(total),
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

func TestResilientStore_RetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyStore{inner: NewMemoryStore(), failures: 2}
	store := NewResilientStore(flaky, retryWithin(time.Second), config.DefaultBreakerConfig(), nil)

	require.NoError(t, store.Put(ctx, "compile", sampleRecord("compile")))
	assert.Equal(t, 3, flaky.Calls())

	got, err := store.Get(ctx, "compile")
	require.NoError(t, err)
	assert.Equal(t, "compile", got.UnitID)
}

func TestResilientStore_GivesUpAfterMaxElapsed(t *testing.T) {
	flaky := &flakyStore{inner: NewMemoryStore(), failures: 1000}
	breaker := config.BreakerConfig{MaxRequests: 1, Timeout: config.Duration(time.Minute), ConsecutiveFailures: 1000}
	store := NewResilientStore(flaky, retryWithin(100*time.Millisecond), breaker, nil)

	err := store.Put(context.Background(), "compile", sampleRecord("compile"))
	assert.ErrorIs(t, err, errFlaky)
	assert.Greater(t, flaky.Calls(), 1)
}

func TestResilientStore_OpenBreakerDegradesReads(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyStore{inner: NewMemoryStore(), failures: 1000}
	breaker := config.BreakerConfig{MaxRequests: 1, Timeout: config.Duration(time.Minute), ConsecutiveFailures: 3}
	store := NewResilientStore(flaky, retryWithin(time.Second), breaker, nil)

	// Retries trip the breaker, after which the write fails permanently.
	err := store.Put(ctx, "compile", sampleRecord("compile"))
	require.Error(t, err)
	assert.Equal(t, gobreaker.StateOpen, store.State())
	assert.Equal(t, 3, flaky.Calls())

	got, err := store.Get(ctx, "compile")
	assert.NoError(t, err, "open breaker must degrade reads to absent")
	assert.Nil(t, got)

	assert.ErrorIs(t, store.Put(ctx, "compile", sampleRecord("compile")), gobreaker.ErrOpenState)
	assert.Equal(t, 3, flaky.Calls(), "open breaker must not reach the backend")
}

func TestResilientStore_CancelledContext(t *testing.T) {
	flaky := &flakyStore{inner: NewMemoryStore()}
	store := NewResilientStore(flaky, retryWithin(time.Second), config.DefaultBreakerConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.Put(ctx, "compile", sampleRecord("compile"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, flaky.Calls())
}

func TestResilientStore_List(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	require.NoError(t, inner.Put(ctx, "a", sampleRecord("a")))

	store := NewResilientStore(inner, retryWithin(time.Second), config.DefaultBreakerConfig(), nil)
	records, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	_, err = NewResilientStore(&flakyStore{inner: inner}, retryWithin(time.Second), config.DefaultBreakerConfig(), nil).List(ctx)
	assert.Error(t, err)
}
