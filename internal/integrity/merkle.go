package integrity

import (
	"github.com/loanlife/loanledger/internal/fault"
)

// ProofNode is one step of a Merkle inclusion proof: the sibling digest at
// that tree level and whether the sibling sits to the left of the path.
type ProofNode struct {
	Hash string `json:"hash"`
	Left bool   `json:"left"`
}

// MerkleRoot computes the root over leaves by pairing adjacent digests at
// each level. An odd trailing node is paired with itself. An empty leaf
// set has the zero root.
func MerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ZeroHash
	}
	level := append([]string(nil), leaves...)
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, HashString(left+right))
		}
		level = next
	}
	return level[0]
}

// MerkleProof builds the inclusion proof for target within leaves,
// returning the ordered sibling list from leaf level up to the root.
// Fails with a NotFound fault when target is not among the leaves.
func MerkleProof(leaves []string, target string) ([]ProofNode, error) {
	idx := -1
	for i, h := range leaves {
		if h == target {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, fault.Newf(fault.KindNotFound, "target hash %s not in leaf set", target)
	}

	proof := []ProofNode{}
	level := append([]string(nil), leaves...)
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, HashString(left+right))

			if i == idx {
				proof = append(proof, ProofNode{Hash: right, Left: false})
			} else if i+1 == idx {
				proof = append(proof, ProofNode{Hash: left, Left: true})
			}
		}
		idx /= 2
		level = next
	}
	return proof, nil
}

// VerifyMerkleProof recomputes the root from leaf and proof and compares
// it against root.
func VerifyMerkleProof(leaf string, proof []ProofNode, root string) bool {
	current := leaf
	for _, node := range proof {
		if node.Left {
			current = HashString(node.Hash + current)
		} else {
			current = HashString(current + node.Hash)
		}
	}
	return current == root
}
