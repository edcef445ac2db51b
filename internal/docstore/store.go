package docstore

import (
	"context"
	"time"
)

// Pseudo fields accepted by Query.OrderBy that sort on store-managed timestamps.
const (
	FieldCreateTime = "__createTime"
	FieldUpdateTime = "__updateTime"
)

// DefaultMaxBatchSize caps the number of writes committed by a single Batch call.
const DefaultMaxBatchSize = 500

// FilterOperator enumerates supported comparison operators.
type FilterOperator string

const (
	OpEqual          FilterOperator = "=="
	OpNotEqual       FilterOperator = "!="
	OpLessThan       FilterOperator = "<"
	OpLessOrEqual    FilterOperator = "<="
	OpGreaterThan    FilterOperator = ">"
	OpGreaterOrEqual FilterOperator = ">="
)

// Filter restricts a query to documents whose field satisfies the comparison.
type Filter struct {
	Field    string
	Operator FilterOperator
	Value    any
}

// Query describes a collection scan.
type Query struct {
	Filters    []Filter
	OrderBy    string
	Descending bool
	Limit      int
}

// SetOptions controls Set semantics. Merge deep-merges into the existing body instead of replacing it.
type SetOptions struct {
	Merge bool
}

// WriteKind enumerates batched write operations.
type WriteKind string

const (
	WriteSet    WriteKind = "set"
	WriteUpdate WriteKind = "update"
	WriteDelete WriteKind = "delete"
)

// WriteOp is a single write inside a Batch.
type WriteOp struct {
	Kind       WriteKind
	Collection string
	ID         string
	Data       map[string]any
	Merge      bool
}

// Change is delivered to subscribers after a write commits.
type Change struct {
	Collection string
	ID         string
	Deleted    bool
	Document   Document
	Timestamp  time.Time
}

// Transaction exposes reads and writes that commit atomically with each other.
type Transaction interface {
	Get(collection, id string) (Document, error)
	Query(collection string, query Query) ([]Document, error)
	Set(collection, id string, data map[string]any, opts SetOptions) error
	Update(collection, id string, patch map[string]any) error
	Delete(collection, id string) error
}

// Store is the document database consumed by the domain services.
type Store interface {
	Get(ctx context.Context, collection, id string) (Document, error)
	Set(ctx context.Context, collection, id string, data map[string]any, opts SetOptions) error
	Update(ctx context.Context, collection, id string, patch map[string]any) error
	Delete(ctx context.Context, collection, id string) error
	Query(ctx context.Context, collection string, query Query) ([]Document, error)
	Batch(ctx context.Context, ops []WriteOp) error
	RunTransaction(ctx context.Context, fn func(tx Transaction) error) error
	Subscribe(ctx context.Context, collection, id string) (<-chan Change, func())
	MaxBatchSize() int
}
