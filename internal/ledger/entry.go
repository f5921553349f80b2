// Package ledger implements the append-only, cryptographically verifiable
// operation ledger: entry construction and signing, monotonic ordering,
// causal chain tracking, Merkle root maintenance, inclusion proofs, and
// whole-ledger integrity auditing.
package ledger

import (
	"crypto/sha256"

	"github.com/opentrail/opentrail/pkg/merkle"
)

// Entry is a single immutable record in the ledger. Once an Entry has been
// returned from Append it never changes; verification recomputes everything
// it checks from the stored fields alone.
type Entry struct {
	// Timestamp is the commit time in Unix microseconds. Timestamps are
	// non-decreasing in append order.
	Timestamp int64 `json:"timestamp"`

	// OpID uniquely identifies the entry. Assigned at append time.
	OpID string `json:"op_id"`

	// ParentID optionally links the entry to an earlier one, forming a
	// causal chain. Empty for chain origins.
	ParentID string `json:"parent_id,omitempty"`

	// Operation names the logged action.
	Operation string `json:"operation"`

	// Inputs and Output are opaque caller payloads. The ledger never
	// interprets them; it only requires that they canonicalize.
	Inputs map[string]any `json:"inputs,omitempty"`
	Output map[string]any `json:"output,omitempty"`

	// Coverage is a caller-supplied metric, carried for display and audit.
	Coverage float64 `json:"coverage"`

	// InvariantPassed is the caller's pass/fail flag. Violation events are
	// ordinary entries with this set to false.
	InvariantPassed bool `json:"invariant_passed"`

	// Signature covers the canonical encoding of all fields above.
	Signature []byte `json:"signature"`

	// ContentHash is SHA-256 over canonical bytes plus signature. It is
	// the entry's Merkle leaf.
	ContentHash merkle.Hash `json:"content_hash"`
}

// Submission is the caller-supplied part of an entry, accepted by Append.
type Submission struct {
	Operation       string         `json:"operation"`
	Inputs          map[string]any `json:"inputs,omitempty"`
	Output          map[string]any `json:"output,omitempty"`
	Coverage        float64        `json:"coverage"`
	InvariantPassed bool           `json:"invariant_passed"`
	ParentID        string         `json:"parent_id,omitempty"`

	// Timestamp optionally fixes the entry's timestamp. Zero lets the
	// ledger assign one. A supplied value below the last committed
	// timestamp is rejected with ErrOrderingViolation.
	Timestamp int64 `json:"timestamp,omitempty"`
}

// contentHash computes the Merkle leaf value for an entry whose signature
// is already set.
func contentHash(canonical, signature []byte) merkle.Hash {
	h := sha256.New()
	h.Write(canonical)
	h.Write(signature)
	var out merkle.Hash
	h.Sum(out[:0])
	return out
}
