package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"
)

const badgerKeyPrefix = "history/"

// BadgerConfig holds configuration for a Badger-backed store.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string

	// InMemory keeps everything in RAM. Useful for testing.
	InMemory bool

	// SyncWrites fsyncs every write.
	SyncWrites bool

	// Logger receives Badger's internal logging. Nil disables it.
	Logger *slog.Logger
}

// DefaultBadgerConfig returns a durable on-disk configuration rooted at path.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{Path: path, SyncWrites: true}
}

// InMemoryBadgerConfig returns a configuration for tests.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

// badgerLogger adapts slog.Logger to Badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerStore implements Store on an embedded Badger key/value database.
type BadgerStore struct {
	db *badger.DB
}

var (
	_ Store  = (*BadgerStore)(nil)
	_ Lister = (*BadgerStore)(nil)
)

// OpenBadgerStore opens (or creates) a Badger database for execution history.
func OpenBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent history database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create history directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func badgerKey(unitID string) []byte {
	return []byte(badgerKeyPrefix + unitID)
}

func (s *BadgerStore) Get(ctx context.Context, unitID string) (*Record, error) {
	var record *Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(unitID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			r, err := decodeRecord(val)
			record = r
			return err
		})
	})
	if err != nil {
		return nil, fmt.Errorf("read history for %s: %w", unitID, err)
	}
	return record, nil
}

func (s *BadgerStore) Put(ctx context.Context, unitID string, record *Record) error {
	data, err := encodeRecord(record)
	if err != nil {
		return err
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(unitID), data)
	}); err != nil {
		return fmt.Errorf("write history for %s: %w", unitID, err)
	}
	return nil
}

func (s *BadgerStore) Remove(ctx context.Context, unitID string) error {
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerKey(unitID))
	}); err != nil {
		return fmt.Errorf("delete history for %s: %w", unitID, err)
	}
	return nil
}

// List returns every record in key order, which is unit ID order.
func (s *BadgerStore) List(ctx context.Context) ([]*Record, error) {
	var records []*Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(badgerKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := it.Item().Value(func(val []byte) error {
				r, err := decodeRecord(val)
				if err != nil {
					return err
				}
				records = append(records, r)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return records, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
