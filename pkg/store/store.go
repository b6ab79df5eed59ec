// Package store abstracts the document storage behind year partitions.
//
// A namespace is one physical storage unit (a sqlite database file or a MongoDB
// database). Each namespace hosts a single collection whose shape is described
// by a Schema registered at open time.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable marks failures to reach the underlying storage. Callers may retry.
	ErrUnavailable = errors.New("storage unavailable")
	// ErrConflict is returned when a write violates the schema's unique index.
	ErrConflict = errors.New("unique constraint conflict")
)

// Document is one stored record keyed by schema field name.
type Document map[string]any

// String returns the string value of field, or "" when absent.
func (d Document) String(field string) string {
	s, _ := d[field].(string)
	return s
}

// Time returns the time value of field, or the zero time when absent.
func (d Document) Time(field string) time.Time {
	t, _ := d[field].(time.Time)
	return t
}

// Backend opens namespaces. Implementations must be safe for concurrent use.
type Backend interface {
	// Name identifies the backend in logs ("sqlite", "mongo").
	Name() string
	// Ensure creates the namespace and its collection if they do not exist yet.
	// Concurrent callers racing on the same namespace all succeed.
	Ensure(ctx context.Context, namespace string, schema Schema) error
	// Open returns a handle on the namespace's collection, registering the schema.
	Open(ctx context.Context, namespace string, schema Schema) (Collection, error)
	// Close releases backend-wide resources.
	Close(ctx context.Context) error
}

// Collection is the typed-by-schema accessor for one namespace.
type Collection interface {
	InsertMany(ctx context.Context, docs []Document) (int, error)
	// Replace deletes every document and inserts docs.
	Replace(ctx context.Context, docs []Document) (int, error)
	Find(ctx context.Context, f Filter, opts FindOptions) ([]Document, error)
	Count(ctx context.Context, f Filter) (int64, error)
	// Distinct returns the sorted non-empty values of a string field.
	Distinct(ctx context.Context, field string, f Filter) ([]string, error)
	Exists(ctx context.Context, f Filter) (bool, error)
	Close() error
}

// SortField orders Find results.
type SortField struct {
	Field string
	Desc  bool
}

// FindOptions controls ordering and paging. A zero Limit means no limit.
type FindOptions struct {
	Sort  []SortField
	Skip  int64
	Limit int64
}
