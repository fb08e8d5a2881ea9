package storage

import (
	"context"
	"errors"
	"time"

	"followbot/internal/engine/followup"
)

var (
	ErrDisabled = errors.New("storage disabled")
)

// Config configures storage.
//
// Driver values:
//   - "memory": in-process map, useful for development and tests
//   - "sqlite": SQLite database file
//
// An empty Driver means "memory".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence collaborator: conversation records are handed out
// as values and written back whole. The engine only touches them inside the
// key's lock scope.
type Store interface {
	LoadRecord(ctx context.Context, key string) (followup.Record, bool, error)
	SaveRecord(ctx context.Context, rec followup.Record) error
	DeleteRecord(ctx context.Context, key string) error
	Close() error
}
