// Package storage defines the row-store collaborator interface and the typed
// repositories the core consumes. The store speaks in logical tables and
// opaque row maps; repositories map rows to domain types.
package storage

import (
	"context"
	"errors"
)

// Logical table names.
const (
	TableUsers       = "users"
	TableAPIKeys     = "api_keys"
	TableAccounts    = "upstream_accounts"
	TableModelRoutes = "model_routes"
	TableUsage       = "usage_records"
)

// Row is an opaque row map keyed by column name.
type Row map[string]any

// Where is a conjunction of column = value equality predicates.
type Where map[string]any

// Query bounds a FindMany call. Order entries are column names, optionally
// prefixed with '-' for descending.
type Query struct {
	Where  Where
	Order  []string
	Limit  int
	Offset int
}

// RowStore is CRUD over logical tables with opaque row maps. Implementations
// must return gateway.ErrNotFound from FindOne when no row matches, and must
// report true affected-row counts from Update and Delete.
type RowStore interface {
	FindOne(ctx context.Context, table string, where Where) (Row, error)
	FindMany(ctx context.Context, table string, q Query) ([]Row, error)
	Create(ctx context.Context, table string, row Row) error
	Update(ctx context.Context, table string, where Where, patch Row) (int64, error)
	Delete(ctx context.Context, table string, where Where) (int64, error)
	Count(ctx context.Context, table string, where Where) (int64, error)
	Exists(ctx context.Context, table string, where Where) (bool, error)

	// Raw runs an arbitrary query and returns the result rows.
	Raw(ctx context.Context, query string, args ...any) ([]Row, error)
	// Exec runs an arbitrary statement and returns the affected-row count.
	// Counter fetch-adds go through here so increments stay atomic in the
	// store rather than read-modify-write in callers.
	Exec(ctx context.Context, query string, args ...any) (int64, error)

	// Transaction runs fn with a store handle bound to a single transaction.
	// A non-nil error from fn rolls the transaction back.
	Transaction(ctx context.Context, fn func(RowStore) error) error
}

// Store is the full persistence collaborator: the raw row store plus
// lifecycle management.
type Store interface {
	RowStore
	Ping(ctx context.Context) error
	Close() error
}

// ErrRollback can be returned from a transaction fn to roll back without
// surfacing an error to the caller.
var ErrRollback = errors.New("storage: rollback")
