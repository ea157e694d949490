package history

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/buildgraph/internal/config"
)

type storeFactory func(t *testing.T) Store

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			s, err := NewMemorySQLiteStore(context.Background())
			require.NoError(t, err)
			return s
		},
		"badger": func(t *testing.T) Store {
			s, err := OpenBadgerStore(InMemoryBadgerConfig())
			require.NoError(t, err)
			return s
		},
	}
}

func sampleRecord(id string) *Record {
	return &Record{
		UnitID:                id,
		KindFingerprint:       0xabc,
		PropertiesFingerprint: 0xdef,
		Properties:            map[string]uint64{"command": 42},
		InputSnapshot:         FileSnapshot{"src/main.go": {Hash: 1, Size: 10, Mode: 0644}},
		OutputSnapshot:        FileSnapshot{"bin/app": {Hash: 2, Size: 20, Mode: 0755}},
		RecordedAt:            time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestStore_Contract(t *testing.T) {
	for name, newStore := range backends() {
		newStore := newStore
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)
			t.Cleanup(func() { store.Close() })

			got, err := store.Get(ctx, "compile")
			require.NoError(t, err)
			assert.Nil(t, got, "absent record must be nil")

			require.NoError(t, store.Put(ctx, "compile", sampleRecord("compile")))
			got, err = store.Get(ctx, "compile")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, sampleRecord("compile"), got)

			replacement := sampleRecord("compile")
			replacement.OutputSnapshot = FileSnapshot{}
			require.NoError(t, store.Put(ctx, "compile", replacement))
			got, err = store.Get(ctx, "compile")
			require.NoError(t, err)
			assert.Empty(t, got.OutputSnapshot, "Put must replace the prior record")

			require.NoError(t, store.Put(ctx, "docs", sampleRecord("docs")))
			lister, ok := store.(Lister)
			require.True(t, ok)
			all, err := lister.List(ctx)
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "compile", all[0].UnitID)
			assert.Equal(t, "docs", all[1].UnitID)

			require.NoError(t, store.Remove(ctx, "compile"))
			require.NoError(t, store.Remove(ctx, "never-stored"))
			got, err = store.Get(ctx, "compile")
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	stores := backends()
	stores["sqlite-file"] = func(t *testing.T) Store {
		s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "history.db"))
		require.NoError(t, err)
		return s
	}

	for name, newStore := range stores {
		newStore := newStore
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)
			t.Cleanup(func() { store.Close() })

			const workers, rounds = 16, 50
			errs := make(chan error, workers*rounds*2)
			var wg sync.WaitGroup
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					id := fmt.Sprintf("unit-%d", w%4)
					for i := 0; i < rounds; i++ {
						if err := store.Put(ctx, id, sampleRecord(id)); err != nil {
							errs <- err
						}
						if _, err := store.Get(ctx, id); err != nil {
							errs <- err
						}
					}
				}(w)
			}
			wg.Wait()
			close(errs)

			for err := range errs {
				t.Errorf("concurrent access: %v", err)
			}
			for w := 0; w < 4; w++ {
				id := fmt.Sprintf("unit-%d", w)
				got, err := store.Get(ctx, id)
				require.NoError(t, err)
				assert.Equal(t, sampleRecord(id), got)
			}
		})
	}
}

func TestSQLiteStore_Pragmas(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer store.Close()

	var mode string
	require.NoError(t, store.db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var timeout int
	require.NoError(t, store.db.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&timeout))
	assert.Equal(t, 5000, timeout)
}

func TestMemoryStore_CopiesRecords(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	r := sampleRecord("compile")
	require.NoError(t, store.Put(ctx, "compile", r))
	r.Properties["command"] = 7

	got, err := store.Get(ctx, "compile")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), got.Properties["command"])
}

func TestMemoryStore_Closed(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Close())

	_, err := store.Get(context.Background(), "x")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, store.Put(context.Background(), "x", sampleRecord("x")), ErrClosed)
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "history.db")

	store, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "compile", sampleRecord("compile")))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, "compile")
	require.NoError(t, err)
	assert.Equal(t, sampleRecord("compile"), got)
}

func TestBadgerStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := OpenBadgerStore(DefaultBadgerConfig(dir))
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "compile", sampleRecord("compile")))
	require.NoError(t, store.Close())

	reopened, err := OpenBadgerStore(DefaultBadgerConfig(dir))
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, "compile")
	require.NoError(t, err)
	assert.Equal(t, sampleRecord("compile"), got)
}

func TestBadgerStore_RequiresPath(t *testing.T) {
	_, err := OpenBadgerStore(BadgerConfig{})
	assert.Error(t, err)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	tests := []struct {
		name    string
		cfg     config.HistoryConfig
		wantErr bool
	}{
		{name: "memory", cfg: config.HistoryConfig{Backend: config.BackendMemory}},
		{name: "sqlite", cfg: config.HistoryConfig{Backend: config.BackendSQLite, Path: filepath.Join(dir, "h.db"), Retry: config.DefaultRetryConfig(), Breaker: config.DefaultBreakerConfig()}},
		{name: "badger", cfg: config.HistoryConfig{Backend: config.BackendBadger, Path: filepath.Join(dir, "badger"), Retry: config.DefaultRetryConfig(), Breaker: config.DefaultBreakerConfig()}},
		{name: "unknown", cfg: config.HistoryConfig{Backend: "redis"}, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			store, err := Open(ctx, tt.cfg, nil)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer store.Close()

			require.NoError(t, store.Put(ctx, "u", sampleRecord("u")))
			got, err := store.Get(ctx, "u")
			require.NoError(t, err)
			assert.Equal(t, "u", got.UnitID)
		})
	}
}
