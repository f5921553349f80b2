package merkle

import "fmt"

// Sibling is one step of an inclusion proof: the neighbouring digest at a
// level, and whether it sits to the right of the path node.
type Sibling struct {
	Hash  Hash `json:"hash"`
	Right bool `json:"right"`
}

// Proof is a self-contained inclusion proof for one leaf. Verifying it
// needs no access to the tree that produced it.
type Proof struct {
	LeafIndex int       `json:"leaf_index"`
	LeafHash  Hash      `json:"leaf_hash"`
	Siblings  []Sibling `json:"siblings"`
}

// Prove builds the inclusion proof for the leaf at index. For a single-leaf
// tree the sibling list is empty. Levels where the path node was promoted
// contribute no sibling.
func (t *Tree) Prove(index int) (Proof, error) {
	if index < 0 || index >= len(t.leaves) {
		return Proof{}, fmt.Errorf("merkle: leaf index %d out of range [0,%d)", index, len(t.leaves))
	}
	t.build()

	proof := Proof{
		LeafIndex: index,
		LeafHash:  t.leaves[index],
	}

	idx := index
	for _, level := range t.levels[:len(t.levels)-1] {
		if idx%2 == 0 && idx+1 == len(level) {
			// Trailing odd node: promoted, no sibling at this level.
			idx /= 2
			continue
		}
		sib := idx ^ 1
		proof.Siblings = append(proof.Siblings, Sibling{
			Hash:  level[sib],
			Right: sib > idx,
		})
		idx /= 2
	}
	return proof, nil
}

// VerifyProof folds the proof's leaf hash with each sibling in order and
// reports whether the result equals root. Pure; O(len(siblings)).
func VerifyProof(p Proof, root Hash) bool {
	h := p.LeafHash
	for _, s := range p.Siblings {
		if s.Right {
			h = hashPair(h, s.Hash)
		} else {
			h = hashPair(s.Hash, h)
		}
	}
	return h == root
}
