// Package storage provides the pluggable durability backends consumed by
// the ledger: in-memory, SQLite, and PostgreSQL. Backends are dumb: the
// ledger owns ordering and integrity; a backend only stores and retrieves.
package storage

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/opentrail/opentrail/internal/ledger"
	"github.com/opentrail/opentrail/pkg/merkle"
)

// Memory is a thread-safe in-memory backend. Suited to tests and
// single-process deployments that do not need persistence across restarts.
type Memory struct {
	mu      sync.RWMutex
	entries []*ledger.Entry // insertion order
	byID    map[string]*ledger.Entry
	root    merkle.Hash
	hasRoot bool
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{byID: make(map[string]*ledger.Entry)}
}

// Append implements ledger.Backend.
func (m *Memory) Append(_ context.Context, e *ledger.Entry, root merkle.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byID[e.OpID]; exists {
		return fmt.Errorf("%w: %s", ledger.ErrDuplicateID, e.OpID)
	}

	stored := cloneEntry(e)
	m.entries = append(m.entries, stored)
	m.byID[e.OpID] = stored
	m.root = root
	m.hasRoot = true
	return nil
}

// Get implements ledger.Backend. The returned entry is a copy; mutating it
// never touches stored state.
func (m *Memory) Get(_ context.Context, opID string) (*ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.byID[opID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrNotFound, opID)
	}
	return cloneEntry(e), nil
}

// List implements ledger.Backend. Returned entries are copies.
func (m *Memory) List(_ context.Context, q ledger.Query) ([]*ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]*ledger.Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if q.Match(e) {
			matched = append(matched, e)
		}
	}
	// Insertion order already follows timestamps for ledger-written data;
	// the stable sort keeps ties in insertion order either way.
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp < matched[j].Timestamp
	})

	if q.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[q.Offset:]
	if q.Limit > 0 && q.Limit < len(matched) {
		matched = matched[:q.Limit]
	}

	out := make([]*ledger.Entry, len(matched))
	for i, e := range matched {
		out[i] = cloneEntry(e)
	}
	return out, nil
}

// Mutate applies fn to the stored entry with the given op_id, bypassing the
// append-only contract. It exists so tests can corrupt stored state and
// exercise tamper detection; nothing else calls it.
func (m *Memory) Mutate(opID string, fn func(*ledger.Entry)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byID[opID]
	if !ok {
		return false
	}
	fn(e)
	return true
}

// cloneEntry copies an entry one payload level deep, so callers on either
// side of the backend boundary never share maps or slices with the store.
func cloneEntry(e *ledger.Entry) *ledger.Entry {
	c := *e
	c.Inputs = maps.Clone(e.Inputs)
	c.Output = maps.Clone(e.Output)
	c.Signature = slices.Clone(e.Signature)
	return &c
}

// Count implements ledger.Backend.
func (m *Memory) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}

// LastTimestamp implements ledger.Backend.
func (m *Memory) LastTimestamp(_ context.Context) (int64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entries) == 0 {
		return 0, false, nil
	}
	return m.entries[len(m.entries)-1].Timestamp, true, nil
}

// GetRoot implements ledger.Backend.
func (m *Memory) GetRoot(_ context.Context) (merkle.Hash, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.root, m.hasRoot, nil
}

// Close implements ledger.Backend.
func (m *Memory) Close() error { return nil }
