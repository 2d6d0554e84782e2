package store

import (
	"context"
)

// FilterOp selects how a field filter matches.
type FilterOp uint8

const (
	// OpEqual matches documents whose field equals Value.
	OpEqual FilterOp = iota
	// OpArrayContains matches documents whose array field contains Value.
	OpArrayContains
)

// Filter is one field predicate of a Query.
type Filter struct {
	Field string
	Op    FilterOp
	Value any
}

// Query describes a live collection scope: which documents match and in what
// order snapshots are delivered.
type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    string
	Descending bool
}

// Where appends an equality filter.
func (q Query) Where(field string, value any) Query {
	q.Filters = append(q.Filters[:len(q.Filters):len(q.Filters)], Filter{Field: field, Op: OpEqual, Value: value})
	return q
}

// WhereContains appends an array-contains filter.
func (q Query) WhereContains(field string, value any) Query {
	q.Filters = append(q.Filters[:len(q.Filters):len(q.Filters)], Filter{Field: field, Op: OpArrayContains, Value: value})
	return q
}

// UpdateKind selects a Mutate operation.
type UpdateKind uint8

const (
	// UpdateSet replaces a field value.
	UpdateSet UpdateKind = iota
	// UpdateArrayUnion appends Value to an array field unless already present.
	UpdateArrayUnion
	// UpdateArrayRemove removes elements equal to Value from an array field.
	UpdateArrayRemove
	// UpdateIncrement adds Delta to a numeric field (missing counts as zero).
	UpdateIncrement
)

// Update is one mutation applied by Mutate. A Mutate batch is atomic from the
// subscribers' perspective: no partially applied document is ever delivered.
type Update struct {
	Kind  UpdateKind
	Field string
	Value any
	Delta float64
}

// Set replaces field with value.
func Set(field string, value any) Update {
	return Update{Kind: UpdateSet, Field: field, Value: value}
}

// AddUnique appends value to an array field unless an equal element exists.
func AddUnique(field string, value any) Update {
	return Update{Kind: UpdateArrayUnion, Field: field, Value: value}
}

// RemoveMatching removes elements equal to value from an array field.
func RemoveMatching(field string, value any) Update {
	return Update{Kind: UpdateArrayRemove, Field: field, Value: value}
}

// Inc adds delta to a numeric field.
func Inc(field string, delta float64) Update {
	return Update{Kind: UpdateIncrement, Field: field, Delta: delta}
}

// Unsubscribe cancels a live subscription. Calling it twice is a harmless
// no-op; it never panics.
type Unsubscribe func()

// SnapshotFunc receives the full ordered matching set. It is invoked once
// immediately on subscribe and again after every relevant mutation.
type SnapshotFunc func(docs []Document)

// Store is the backend-agnostic persistence contract. UI-facing code depends
// only on this interface; the concrete adapter (local, Postgres, Mongo) is
// chosen at wiring time.
//
// Contract:
//   - Subscribe never drops a registered listener silently; within one
//     subscription snapshots are delivered in order.
//   - Upsert is create-or-merge and never fails on "already exists".
//   - Insert always creates a fresh document with a generated id.
//   - Mutate applies its ops atomically with respect to subscribers.
//   - Missing ids on Mutate/Remove: the local adapter is silent, hosted
//     adapters return ErrNotFound; treat both as "no effect".
type Store interface {
	Subscribe(ctx context.Context, q Query, fn SnapshotFunc) (Unsubscribe, error)
	Get(ctx context.Context, collection, id string) (Document, error)
	Upsert(ctx context.Context, collection, id string, fields Document) error
	Insert(ctx context.Context, collection string, fields Document) (string, error)
	Mutate(ctx context.Context, collection, id string, ops []Update) error
	Remove(ctx context.Context, collection, id string) error
	Close() error
}
