package ledger

import (
	"context"
	"fmt"

	"github.com/opentrail/opentrail/internal/signer"
	"github.com/opentrail/opentrail/pkg/merkle"
)

// verifyPageSize bounds how many entries VerifyIntegrity pulls from the
// backend per round trip, so a long audit can be cancelled between pages.
const verifyPageSize = 512

// Finding kinds reported by VerifyIntegrity.
const (
	FindingSignature   = "signature"     // stored signature does not verify
	FindingContentHash = "content_hash"  // stored leaf differs from recomputed
	FindingEncoding    = "encoding"      // stored fields no longer canonicalize
	FindingRoot        = "root_mismatch" // recomputed root differs from checkpoint
)

// Finding localizes one integrity problem. Index is the entry's position in
// append order, or -1 for whole-tree findings.
type Finding struct {
	Index  int    `json:"index"`
	OpID   string `json:"op_id,omitempty"`
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

// IntegrityReport is the structured result of a full audit. Integrity
// violations are data, never process errors: a tampered ledger still
// returns a report, with OK=false and the findings that localize the
// damage.
type IntegrityReport struct {
	OK             bool        `json:"ok"`
	Entries        int         `json:"entries"`
	FirstBadIndex  int         `json:"first_bad_index"` // -1 when clean
	Findings       []Finding   `json:"findings,omitempty"`
	RecomputedRoot merkle.Hash `json:"recomputed_root"`
	StoredRoot     merkle.Hash `json:"stored_root"`
	RootMatches    bool        `json:"root_matches"`
}

// VerifyIntegrity re-verifies every entry's signature against the public
// key and recomputes the Merkle root from the persisted entries, comparing
// it to the stored checkpoint. It never mutates state and streams entries
// in pages, so cancelling ctx mid-audit is always safe.
//
// The audit covers the entry count observed at its start; entries appended
// concurrently are picked up by the next run.
func (l *Ledger) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	l.mu.RLock()
	snapshot := l.tree.Len()
	l.mu.RUnlock()

	pub := l.signer.PublicKey()
	report := &IntegrityReport{FirstBadIndex: -1}
	leaves := make([]merkle.Hash, 0, snapshot)

	for offset := 0; offset < snapshot; offset += verifyPageSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		limit := verifyPageSize
		if remaining := snapshot - offset; remaining < limit {
			limit = remaining
		}
		page, err := l.store.List(ctx, Query{Limit: limit, Offset: offset})
		if err != nil {
			return nil, fmt.Errorf("%w: list entries: %v", ErrBackendUnavailable, err)
		}

		for i, e := range page {
			idx := offset + i

			canonical, err := canonicalBytes(e)
			if err != nil {
				report.addFinding(Finding{
					Index: idx, OpID: e.OpID, Kind: FindingEncoding,
					Detail: err.Error(),
				})
				// The stored leaf is the best stand-in for an entry
				// that no longer canonicalizes.
				leaves = append(leaves, e.ContentHash)
				continue
			}

			if !signer.Verify(pub, canonical, e.Signature) {
				report.addFinding(Finding{
					Index: idx, OpID: e.OpID, Kind: FindingSignature,
					Detail: "signature does not verify against stored fields",
				})
			}

			recomputed := contentHash(canonical, e.Signature)
			if recomputed != e.ContentHash {
				report.addFinding(Finding{
					Index: idx, OpID: e.OpID, Kind: FindingContentHash,
					Detail: fmt.Sprintf("stored leaf %s, recomputed %s", e.ContentHash, recomputed),
				})
			}
			leaves = append(leaves, recomputed)
		}

		if len(page) < limit {
			break // backend shrank underneath us; audit what we have
		}
	}

	report.Entries = len(leaves)
	report.RecomputedRoot = merkle.NewFromLeaves(leaves).Root()

	stored, hasRoot, err := l.store.GetRoot(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: root checkpoint: %v", ErrBackendUnavailable, err)
	}
	if !hasRoot {
		stored = merkle.EmptyRoot()
	}
	report.StoredRoot = stored
	report.RootMatches = stored == report.RecomputedRoot
	if !report.RootMatches {
		report.Findings = append(report.Findings, Finding{
			Index: -1, Kind: FindingRoot,
			Detail: fmt.Sprintf("checkpoint %s, recomputed %s", stored, report.RecomputedRoot),
		})
	}

	report.OK = len(report.Findings) == 0
	return report, nil
}

func (r *IntegrityReport) addFinding(f Finding) {
	if r.FirstBadIndex == -1 || f.Index < r.FirstBadIndex {
		r.FirstBadIndex = f.Index
	}
	r.Findings = append(r.Findings, f)
}
