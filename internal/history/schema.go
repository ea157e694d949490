package history

import (
	"context"
)

// initSchema creates the history table if it doesn't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS execution_history (
		unit_id TEXT PRIMARY KEY,
		record TEXT NOT NULL,
		recorded_at DATETIME NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_execution_history_recorded_at
		ON execution_history(recorded_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
