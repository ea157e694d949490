// Package history stores the execution record of each unit's last successful
// run, keyed by unit ID. The change-detection engine reads a record before a
// unit runs and replaces it afterwards.
package history

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("history store is closed")

// Store is a key/value service for execution records. Get returns (nil, nil)
// when no record exists. Put replaces any previous record for the unit.
type Store interface {
	Get(ctx context.Context, unitID string) (*Record, error)
	Put(ctx context.Context, unitID string, record *Record) error
	Remove(ctx context.Context, unitID string) error
	Close() error
}

// Lister is implemented by stores that can enumerate their records.
type Lister interface {
	List(ctx context.Context) ([]*Record, error)
}
