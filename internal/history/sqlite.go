package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ Store  = (*SQLiteStore)(nil)
	_ Lister = (*SQLiteStore)(nil)
)

// NewSQLiteStore creates a SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode and a busy timeout
// using modernc's _pragma DSN parameters.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", dbPath)
	return openSQLite(ctx, connStr)
}

// NewMemorySQLiteStore creates an in-memory SQLite store for testing.
// Each store gets its own named database shared by its connections.
func NewMemorySQLiteStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)", uuid.NewString())
	return openSQLite(ctx, connStr)
}

func openSQLite(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite admits one writer at a time. A single connection queues workers
	// inside database/sql instead of surfacing SQLITE_BUSY or shared-cache
	// SQLITE_LOCKED errors to the resilience layer.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Get loads the record for unitID, or nil if there is none.
func (s *SQLiteStore) Get(ctx context.Context, unitID string) (*Record, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM execution_history WHERE unit_id = ?`, unitID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query history for %s: %w", unitID, err)
	}
	return decodeRecord([]byte(data))
}

// Put saves or replaces the record for unitID.
// Uses ON CONFLICT to make saves idempotent.
func (s *SQLiteStore) Put(ctx context.Context, unitID string, record *Record) error {
	data, err := encodeRecord(record)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO execution_history (unit_id, record, recorded_at, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(unit_id) DO UPDATE SET
			record = excluded.record,
			recorded_at = excluded.recorded_at,
			updated_at = CURRENT_TIMESTAMP
	`, unitID, string(data), record.RecordedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert history for %s: %w", unitID, err)
	}
	return nil
}

// Remove deletes the record for unitID. Removing a missing record is not an error.
func (s *SQLiteStore) Remove(ctx context.Context, unitID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM execution_history WHERE unit_id = ?`, unitID); err != nil {
		return fmt.Errorf("failed to delete history for %s: %w", unitID, err)
	}
	return nil
}

// List returns every record ordered by unit ID.
func (s *SQLiteStore) List(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM execution_history ORDER BY unit_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		r, err := decodeRecord([]byte(data))
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history rows: %w", err)
	}
	return records, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
