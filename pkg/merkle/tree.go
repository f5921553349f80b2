// Package merkle maintains a binary hash tree over an append-only sequence
// of leaf digests and produces O(log n) inclusion proofs against its root.
//
// Tree shape: leaves are paired left-to-right; an odd trailing node at any
// level is promoted unchanged to the next level. Promotion (rather than
// duplication) is load-bearing: it changes the root value, so every
// implementation that needs to agree on roots must use the same rule.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// HashSize is the digest width of the tree's hash function (SHA-256).
const HashSize = sha256.Size

// Hash is a fixed-width node digest. It marshals as lowercase hex in JSON
// and text contexts.
type Hash [HashSize]byte

// String returns the hex encoding of h.
func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	dst := make([]byte, hex.EncodedLen(len(h)))
	hex.Encode(dst, h[:])
	return dst, nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	if hex.DecodedLen(len(text)) != HashSize {
		return fmt.Errorf("merkle: hash must be %d hex-encoded bytes, got %d", HashSize, len(text))
	}
	_, err := hex.Decode(h[:], text)
	return err
}

// ParseHash decodes a hex-encoded digest.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if err := h.UnmarshalText([]byte(s)); err != nil {
		return Hash{}, err
	}
	return h, nil
}

// HashLeaf returns the SHA-256 digest of data, for callers that have raw
// leaf content rather than a precomputed digest.
func HashLeaf(data []byte) Hash { return sha256.Sum256(data) }

// EmptyRoot is the defined root of a tree with no leaves: the hash of
// empty input. It is a constant of the scheme, not an error condition.
func EmptyRoot() Hash { return sha256.Sum256(nil) }

func hashPair(left, right Hash) Hash {
	h := sha256.New()
	h.Write(left[:])
	h.Write(right[:])
	var out Hash
	h.Sum(out[:0])
	return out
}

// Tree is an append-only Merkle tree. It is not safe for concurrent use;
// the owning ledger serializes access.
type Tree struct {
	leaves []Hash

	// levels caches every tree level, levels[0] being the leaves. It is
	// rebuilt lazily after appends; Root and Prove trigger the rebuild.
	levels [][]Hash
	dirty  bool
}

// New returns an empty tree.
func New() *Tree { return &Tree{} }

// NewFromLeaves builds a tree over an existing leaf sequence, e.g. when
// replaying a persisted ledger at startup. The slice is copied.
func NewFromLeaves(leaves []Hash) *Tree {
	t := &Tree{leaves: make([]Hash, len(leaves)), dirty: true}
	copy(t.leaves, leaves)
	return t
}

// Len returns the number of leaves.
func (t *Tree) Len() int { return len(t.leaves) }

// Append adds one leaf digest at the end of the sequence.
func (t *Tree) Append(leaf Hash) {
	t.leaves = append(t.leaves, leaf)
	t.dirty = true
}

// Rewind truncates the tree back to n leaves. It exists so the ledger can
// undo a tentative append when persistence fails; it is never used to
// rewrite committed history.
func (t *Tree) Rewind(n int) {
	if n < 0 || n >= len(t.leaves) {
		return
	}
	t.leaves = t.leaves[:n]
	t.dirty = true
}

// Leaf returns the digest at the given index.
func (t *Tree) Leaf(index int) (Hash, error) {
	if index < 0 || index >= len(t.leaves) {
		return Hash{}, fmt.Errorf("merkle: leaf index %d out of range [0,%d)", index, len(t.leaves))
	}
	return t.leaves[index], nil
}

// Root returns the current root. The root of an empty tree is EmptyRoot;
// the root of a single-leaf tree is that leaf.
func (t *Tree) Root() Hash {
	if len(t.leaves) == 0 {
		return EmptyRoot()
	}
	t.build()
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// build recomputes all cached levels from the leaves. An odd trailing node
// is promoted unchanged to the next level.
func (t *Tree) build() {
	if !t.dirty && t.levels != nil {
		return
	}
	level := make([]Hash, len(t.leaves))
	copy(level, t.leaves)
	t.levels = [][]Hash{level}

	for len(level) > 1 {
		next := make([]Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i]) // odd node, promoted
				break
			}
			next = append(next, hashPair(level[i], level[i+1]))
		}
		t.levels = append(t.levels, next)
		level = next
	}
	t.dirty = false
}
