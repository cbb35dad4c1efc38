package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("session not found")

// Config configures the session store.
//
// Driver values:
//   - "memory": in-process map, lost on exit
//   - "sqlite": SQLite database file
//
// If Driver is empty, "memory" is used.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Record is the persisted session: the start configuration plus lifecycle
// flags and the delivery counter. Records are never deleted by the core.
type Record struct {
	ID           string
	Targets      []string
	Messages     []string
	DelaySeconds int
	Mode         string
	Active       bool
	MessageCount int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Store is the session persistence API consumed by the API layer and the
// dispatch core. IncrementDeliveryCount is atomic per session id.
type Store interface {
	// CreateSession inserts the record, or refreshes the configuration of an
	// existing one (restart of the same id keeps its counter).
	CreateSession(ctx context.Context, rec Record) (Record, error)
	GetSession(ctx context.Context, id string) (Record, error)
	ListSessions(ctx context.Context) ([]Record, error)
	UpdateActive(ctx context.Context, id string, active bool) (Record, error)
	IncrementDeliveryCount(ctx context.Context, id string) (int64, error)
	Close() error
}
