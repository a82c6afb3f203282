package record

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a record id has no row
var ErrNotFound = errors.New("record: not found")

// Query selects a page of records
type Query struct {
	ContainerIDs []string
	// NameLike optionally filters by name pattern (SQL LIKE syntax)
	NameLike string
	Offset   int
	Limit    int
}

// Store is the query/mutation interface over the logical item catalog. The
// hosting application owns the schema; the engine only consumes this surface.
type Store interface {
	// Find returns one page of records matching q
	Find(ctx context.Context, q Query) ([]Entry, error)
	// Count returns the total number of records matching q, for progress
	Count(ctx context.Context, q Query) (int64, error)
	// Get reloads a single record by id
	Get(ctx context.Context, id string) (Entry, error)
	// ReferenceCount returns the number of live references to id
	ReferenceCount(ctx context.Context, id string) (int, error)
	// TransferReferences repoints every reference from fromID to toID
	TransferReferences(ctx context.Context, fromID, toID string) error
	// ApplyMove reassigns a record's container/parent
	ApplyMove(ctx context.Context, id string, loc Location) error
	// Delete removes a record
	Delete(ctx context.Context, id string) error
}
