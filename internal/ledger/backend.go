package ledger

import (
	"context"

	"github.com/opentrail/opentrail/pkg/merkle"
)

// Backend is the narrow durability contract the ledger consumes. Variant
// implementations (in-memory, SQLite, PostgreSQL) live in internal/storage
// and are selected at construction time.
//
// The ledger serializes all writes itself; a backend only has to make each
// Append call durable and atomic on its own terms (a transaction, a mutex
// over an in-memory map). It must never assume anything about ledger-level
// ordering beyond what Append hands it.
type Backend interface {
	// Append durably stores the entry together with the Merkle root
	// checkpoint that includes it, as one atomic unit. It must fail if an
	// entry with the same op_id already exists.
	Append(ctx context.Context, e *Entry, root merkle.Hash) error

	// Get returns the entry with the given op_id, or an error wrapping
	// ErrNotFound.
	Get(ctx context.Context, opID string) (*Entry, error)

	// List returns entries matching q, ordered by timestamp and then by
	// insertion order.
	List(ctx context.Context, q Query) ([]*Entry, error)

	// Count returns the total number of entries.
	Count(ctx context.Context) (int, error)

	// LastTimestamp returns the timestamp of the most recently inserted
	// entry. ok is false for an empty ledger.
	LastTimestamp(ctx context.Context) (ts int64, ok bool, err error)

	// GetRoot returns the persisted Merkle root checkpoint. ok is false
	// if no checkpoint has been written yet.
	GetRoot(ctx context.Context) (root merkle.Hash, ok bool, err error)

	// Close releases backend resources.
	Close() error
}

// Query selects and pages entries for List. Zero values mean "no
// constraint".
type Query struct {
	// Operation filters on the exact operation name.
	Operation string

	// InvariantPassed filters on the pass/fail flag when non-nil.
	InvariantPassed *bool

	// FromTimestamp and ToTimestamp bound the timestamp range,
	// inclusive. Zero means unbounded.
	FromTimestamp int64
	ToTimestamp   int64

	// Limit caps the number of returned entries; 0 means no cap.
	// Offset skips that many matching entries first.
	Limit  int
	Offset int
}

// Match reports whether e satisfies the query's filters (paging excluded).
// Backends without native filtering use it to evaluate queries row by row.
func (q Query) Match(e *Entry) bool {
	if q.Operation != "" && e.Operation != q.Operation {
		return false
	}
	if q.InvariantPassed != nil && e.InvariantPassed != *q.InvariantPassed {
		return false
	}
	if q.FromTimestamp != 0 && e.Timestamp < q.FromTimestamp {
		return false
	}
	if q.ToTimestamp != 0 && e.Timestamp > q.ToTimestamp {
		return false
	}
	return true
}
