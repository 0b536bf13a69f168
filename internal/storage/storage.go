// Package storage persists the mutable per-record state (tombstones and access
// statistics) next to the immutable vector segments.
package storage

import (
	"context"
	"time"
)

// RecordState is the mutable part of a memory record. A record with no stored
// state is live and has never been accessed.
type RecordState struct {
	ID             string
	Deleted        bool
	DeletedAt      time.Time
	LastAccessedAt time.Time
	AccessCount    int64
}

// Catalog defines record state persistence.
type Catalog interface {
	// LoadStates returns every stored state keyed by record id.
	LoadStates(ctx context.Context) (map[string]RecordState, error)
	// MarkDeleted sets the tombstone for id. Repeated calls keep the first deletion time.
	MarkDeleted(ctx context.Context, id string, at time.Time) error
	// Touch increments the access count of each id and advances its last access time to at
	// unless it is already later.
	Touch(ctx context.Context, ids []string, at time.Time) error
	// Purge forgets the state of ids whose rows were physically removed.
	Purge(ctx context.Context, ids []string) error
	// CountDeleted returns the number of tombstones.
	CountDeleted(ctx context.Context) (int64, error)

	Close() error
}
