package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opentrail/opentrail/internal/signer"
	"github.com/opentrail/opentrail/pkg/merkle"
)

// Ledger is the single writer over an append-only entry sequence. It
// assigns ordering, signs entries, maintains the Merkle tree, and delegates
// durability to a Backend. All mutation goes through Append under a write
// lock; reads run concurrently under a read lock.
//
// Invariant: the Merkle tree's level cache is rebuilt before the write lock
// is released, so readers holding the read lock never trigger a cache
// mutation.
type Ledger struct {
	mu     sync.RWMutex
	store  Backend
	signer *signer.Signer
	tree   *merkle.Tree
	index  map[string]int // op_id -> leaf index
	lastTS int64
	logger *zap.Logger
}

// Open constructs a Ledger over an existing backend, replaying its entries
// to rebuild the Merkle tree and the ordering state. If the persisted root
// checkpoint disagrees with the replayed root the mismatch is logged, not
// fatal: tampering is meant to be discoverable, not to halt the system.
func Open(ctx context.Context, store Backend, sgn *signer.Signer, logger *zap.Logger) (*Ledger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	entries, err := store.List(ctx, Query{})
	if err != nil {
		return nil, fmt.Errorf("%w: replay entries: %v", ErrBackendUnavailable, err)
	}

	leaves := make([]merkle.Hash, len(entries))
	index := make(map[string]int, len(entries))
	for i, e := range entries {
		leaves[i] = e.ContentHash
		index[e.OpID] = i
	}

	l := &Ledger{
		store:  store,
		signer: sgn,
		tree:   merkle.NewFromLeaves(leaves),
		index:  index,
		logger: logger,
	}

	lastTS, ok, err := store.LastTimestamp(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: last timestamp: %v", ErrBackendUnavailable, err)
	}
	if ok {
		l.lastTS = lastTS
	}

	root := l.tree.Root()
	stored, hasRoot, err := store.GetRoot(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: root checkpoint: %v", ErrBackendUnavailable, err)
	}
	switch {
	case !hasRoot && len(entries) > 0:
		logger.Warn("no root checkpoint for non-empty ledger", zap.Int("entries", len(entries)))
	case hasRoot && stored != root:
		logger.Warn("root checkpoint does not match replayed entries",
			zap.String("stored", stored.String()),
			zap.String("replayed", root.String()),
		)
	default:
		logger.Info("ledger opened",
			zap.Int("entries", len(entries)),
			zap.String("root", root.String()),
		)
	}
	return l, nil
}

// Append validates, orders, signs, hashes, and persists one entry. It is
// all-or-nothing: any failure leaves the ledger exactly as it was. On
// success the entry is durable and reflected in the current root before the
// call returns.
func (l *Ledger) Append(ctx context.Context, sub Submission) (*Entry, error) {
	if sub.Operation == "" {
		return nil, fmt.Errorf("%w: operation name is required", ErrBadPayload)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if sub.ParentID != "" {
		if _, ok := l.index[sub.ParentID]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownParent, sub.ParentID)
		}
	}

	ts := sub.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMicro()
		if ts < l.lastTS {
			ts = l.lastTS // clock went backwards; hold the line
		}
	} else if ts < l.lastTS {
		return nil, fmt.Errorf("%w: %d precedes %d", ErrOrderingViolation, ts, l.lastTS)
	}

	opID := uuid.NewString()
	if _, exists := l.index[opID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, opID)
	}

	e := &Entry{
		Timestamp:       ts,
		OpID:            opID,
		ParentID:        sub.ParentID,
		Operation:       sub.Operation,
		Inputs:          sub.Inputs,
		Output:          sub.Output,
		Coverage:        sub.Coverage,
		InvariantPassed: sub.InvariantPassed,
	}

	canonical, err := canonicalBytes(e)
	if err != nil {
		return nil, fmt.Errorf("canonicalize entry: %w", err)
	}
	sig, err := l.signer.Sign(canonical)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureFailure, err)
	}
	e.Signature = sig
	e.ContentHash = contentHash(canonical, sig)

	n := l.tree.Len()
	l.tree.Append(e.ContentHash)
	root := l.tree.Root()

	if err := l.store.Append(ctx, e, root); err != nil {
		l.tree.Rewind(n)
		l.tree.Root() // rebuild the cache before releasing the lock
		if errors.Is(err, ErrDuplicateID) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: persist entry: %v", ErrBackendUnavailable, err)
	}

	l.index[opID] = n
	l.lastTS = e.Timestamp

	l.logger.Debug("entry appended",
		zap.String("op_id", e.OpID),
		zap.String("operation", e.Operation),
		zap.Int("index", n),
		zap.String("root", root.String()),
	)
	return e, nil
}

// Get returns a single entry by op_id.
func (l *Ledger) Get(ctx context.Context, opID string) (*Entry, error) {
	return l.store.Get(ctx, opID)
}

// Trace follows parent links backward from opID and returns the causal
// chain ordered from its origin to the requested entry.
func (l *Ledger) Trace(ctx context.Context, opID string) ([]*Entry, error) {
	var chain []*Entry
	seen := make(map[string]bool)

	cur := opID
	for cur != "" {
		if seen[cur] {
			return nil, fmt.Errorf("parent cycle at %s", cur)
		}
		seen[cur] = true

		e, err := l.store.Get(ctx, cur)
		if err != nil {
			if cur != opID && errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("broken chain: parent %s of traced entry missing: %w", cur, err)
			}
			return nil, err
		}
		chain = append(chain, e)
		cur = e.ParentID
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// Entries returns a page of entries matching q, ordered by timestamp then
// insertion order. Read-only.
func (l *Ledger) Entries(ctx context.Context, q Query) ([]*Entry, error) {
	if q.Limit < 0 || q.Offset < 0 {
		return nil, fmt.Errorf("%w: limit and offset must be non-negative", ErrInvalidRange)
	}
	if q.FromTimestamp != 0 && q.ToTimestamp != 0 && q.FromTimestamp > q.ToTimestamp {
		return nil, fmt.Errorf("%w: from %d after to %d", ErrInvalidRange, q.FromTimestamp, q.ToTimestamp)
	}
	return l.store.List(ctx, q)
}

// Root returns the last committed Merkle root. O(1).
func (l *Ledger) Root() merkle.Hash {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tree.Root()
}

// Len returns the number of committed entries.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tree.Len()
}

// Proof generates the Merkle inclusion proof for the entry with the given
// op_id, paired with the root it commits to. Proof and root are captured
// under one read lock, so the pair stays internally consistent even when
// appends land concurrently; a pair may be stale, never torn.
func (l *Ledger) Proof(opID string) (merkle.Proof, merkle.Hash, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	idx, ok := l.index[opID]
	if !ok {
		return merkle.Proof{}, merkle.Hash{}, fmt.Errorf("%w: %s", ErrNotFound, opID)
	}
	proof, err := l.tree.Prove(idx)
	if err != nil {
		return merkle.Proof{}, merkle.Hash{}, err
	}
	return proof, l.tree.Root(), nil
}

// Export returns the entries matching q together with the root committed at
// the moment of the snapshot. The listing and the root are captured under
// one read lock so offline verifiers always get a consistent bundle.
func (l *Ledger) Export(ctx context.Context, q Query) ([]*Entry, merkle.Hash, error) {
	if q.Limit < 0 || q.Offset < 0 {
		return nil, merkle.Hash{}, fmt.Errorf("%w: limit and offset must be non-negative", ErrInvalidRange)
	}
	if q.FromTimestamp != 0 && q.ToTimestamp != 0 && q.FromTimestamp > q.ToTimestamp {
		return nil, merkle.Hash{}, fmt.Errorf("%w: from %d after to %d", ErrInvalidRange, q.FromTimestamp, q.ToTimestamp)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	entries, err := l.store.List(ctx, q)
	if err != nil {
		return nil, merkle.Hash{}, fmt.Errorf("%w: list entries: %v", ErrBackendUnavailable, err)
	}
	return entries, l.tree.Root(), nil
}

// PublicKey exposes the verifying key for independent signature checks.
func (l *Ledger) PublicKey() []byte {
	return l.signer.PublicKey()
}

// Stats summarizes the ledger: entry count, current root, and the covered
// timestamp range.
type Stats struct {
	Entries        int         `json:"entries"`
	Root           merkle.Hash `json:"root"`
	FirstTimestamp int64       `json:"first_timestamp,omitempty"`
	LastTimestamp  int64       `json:"last_timestamp,omitempty"`
}

// Stats returns current ledger statistics.
func (l *Ledger) Stats(ctx context.Context) (*Stats, error) {
	count, err := l.store.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: count entries: %v", ErrBackendUnavailable, err)
	}

	s := &Stats{Entries: count, Root: l.Root()}
	if count > 0 {
		first, err := l.store.List(ctx, Query{Limit: 1})
		if err != nil {
			return nil, fmt.Errorf("%w: first entry: %v", ErrBackendUnavailable, err)
		}
		if len(first) == 1 {
			s.FirstTimestamp = first[0].Timestamp
		}
		l.mu.RLock()
		s.LastTimestamp = l.lastTS
		l.mu.RUnlock()
	}
	return s, nil
}
