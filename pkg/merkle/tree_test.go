package merkle_test

import (
	"crypto/sha256"
	"fmt"
	"testing"

	"github.com/opentrail/opentrail/pkg/merkle"
)

func leaf(i int) merkle.Hash {
	return sha256.Sum256([]byte(fmt.Sprintf("leaf-%d", i)))
}

func buildTree(n int) *merkle.Tree {
	t := merkle.New()
	for i := 0; i < n; i++ {
		t.Append(leaf(i))
	}
	return t
}

func TestEmptyRoot_isHashOfEmptyInput(t *testing.T) {
	want := merkle.Hash(sha256.Sum256(nil))
	if got := merkle.New().Root(); got != want {
		t.Errorf("empty root: got %s, want %s", got, want)
	}
}

func TestRoot_singleLeafIsLeaf(t *testing.T) {
	tr := merkle.New()
	tr.Append(leaf(0))
	if got := tr.Root(); got != leaf(0) {
		t.Errorf("single-leaf root: got %s, want leaf hash %s", got, leaf(0))
	}
}

func TestRoot_twoLeaves(t *testing.T) {
	tr := buildTree(2)

	h := sha256.New()
	l0, l1 := leaf(0), leaf(1)
	h.Write(l0[:])
	h.Write(l1[:])
	var want merkle.Hash
	h.Sum(want[:0])

	if got := tr.Root(); got != want {
		t.Errorf("two-leaf root: got %s, want %s", got, want)
	}
}

func TestRoot_oddLeafPromoted(t *testing.T) {
	// With three leaves the trailing leaf is promoted, so
	// root = H(H(l0||l1) || l2).
	tr := buildTree(3)

	l0, l1, l2 := leaf(0), leaf(1), leaf(2)
	inner := sha256.New()
	inner.Write(l0[:])
	inner.Write(l1[:])
	var left merkle.Hash
	inner.Sum(left[:0])

	outer := sha256.New()
	outer.Write(left[:])
	outer.Write(l2[:])
	var want merkle.Hash
	outer.Sum(want[:0])

	if got := tr.Root(); got != want {
		t.Errorf("three-leaf root: got %s, want %s", got, want)
	}
}

func TestRoot_matchesReplayFromLeaves(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 5, 7, 8, 15, 100} {
		incremental := buildTree(n)

		leaves := make([]merkle.Hash, n)
		for i := range leaves {
			leaves[i] = leaf(i)
		}
		replayed := merkle.NewFromLeaves(leaves)

		if incremental.Root() != replayed.Root() {
			t.Errorf("n=%d: incremental root %s != replayed root %s",
				n, incremental.Root(), replayed.Root())
		}
	}
}

func TestRoot_changesOnAppend(t *testing.T) {
	tr := buildTree(4)
	before := tr.Root()
	tr.Append(leaf(4))
	if tr.Root() == before {
		t.Error("root unchanged after append")
	}
}

func TestRoot_idempotentRead(t *testing.T) {
	tr := buildTree(6)
	if tr.Root() != tr.Root() {
		t.Error("Root() not idempotent")
	}
}

func TestRewind_restoresPreviousRoot(t *testing.T) {
	tr := buildTree(5)
	before := tr.Root()
	tr.Append(leaf(5))
	tr.Rewind(5)
	if got := tr.Root(); got != before {
		t.Errorf("root after rewind: got %s, want %s", got, before)
	}
}

func TestProve_allLeavesVerify(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5, 8, 13, 64} {
		tr := buildTree(n)
		root := tr.Root()
		for i := 0; i < n; i++ {
			proof, err := tr.Prove(i)
			if err != nil {
				t.Fatalf("n=%d Prove(%d): %v", n, i, err)
			}
			if !merkle.VerifyProof(proof, root) {
				t.Errorf("n=%d: proof for leaf %d does not verify", n, i)
			}
		}
	}
}

func TestProve_singleLeafHasNoSiblings(t *testing.T) {
	tr := buildTree(1)
	proof, err := tr.Prove(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(proof.Siblings) != 0 {
		t.Errorf("expected empty sibling list, got %d siblings", len(proof.Siblings))
	}
	if !merkle.VerifyProof(proof, tr.Root()) {
		t.Error("single-leaf proof does not verify")
	}
}

func TestProve_outOfRange(t *testing.T) {
	tr := buildTree(3)
	for _, idx := range []int{-1, 3, 100} {
		if _, err := tr.Prove(idx); err == nil {
			t.Errorf("Prove(%d): expected error, got nil", idx)
		}
	}
}

func TestVerifyProof_rejectsForgedLeaf(t *testing.T) {
	tr := buildTree(5)
	root := tr.Root()

	proof, err := tr.Prove(2)
	if err != nil {
		t.Fatal(err)
	}

	// A real sibling path with a fabricated leaf hash must not verify.
	proof.LeafHash = sha256.Sum256([]byte("not in the tree"))
	if merkle.VerifyProof(proof, root) {
		t.Error("forged leaf hash verified against real proof path")
	}
}

func TestVerifyProof_rejectsWrongRoot(t *testing.T) {
	tr := buildTree(5)
	proof, err := tr.Prove(2)
	if err != nil {
		t.Fatal(err)
	}
	if merkle.VerifyProof(proof, leaf(99)) {
		t.Error("proof verified against unrelated root")
	}
}

func TestVerifyProof_rejectsTamperedSibling(t *testing.T) {
	tr := buildTree(8)
	root := tr.Root()
	proof, err := tr.Prove(4)
	if err != nil {
		t.Fatal(err)
	}
	proof.Siblings[0].Hash[0] ^= 0x01
	if merkle.VerifyProof(proof, root) {
		t.Error("proof with flipped sibling bit verified")
	}
}

func TestHash_textRoundTrip(t *testing.T) {
	h := leaf(7)
	parsed, err := merkle.ParseHash(h.String())
	if err != nil {
		t.Fatal(err)
	}
	if parsed != h {
		t.Errorf("round trip: got %s, want %s", parsed, h)
	}

	if _, err := merkle.ParseHash("abcd"); err == nil {
		t.Error("expected error for short hex input")
	}
}
