package index

import (
	"primordia/canonical"
	"primordia/crypto"
)

// Proof directions. A step's direction names the side the sibling occupies
// relative to the node being proven.
const (
	DirectionLeft  = "left"
	DirectionRight = "right"
)

// ProofStep is one level of an inclusion proof.
type ProofStep struct {
	Sibling   string `json:"sibling"`
	Direction string `json:"direction"`
}

// EmptyRoot is the root of a window closed with zero leaves.
func EmptyRoot() string {
	data, _ := canonical.Canonicalize(map[string]any{"empty": true})
	return crypto.Hash(data)
}

// LeafHash derives a leaf from its submission envelope.
func LeafHash(leafType, payloadHash string) (string, error) {
	data, err := canonical.Canonicalize(map[string]any{
		"type":         leafType,
		"payload_hash": payloadHash,
	})
	if err != nil {
		return "", err
	}
	return crypto.Hash(data), nil
}

func nodeHash(left, right string) string {
	data, _ := canonical.Canonicalize(map[string]any{"left": left, "right": right})
	return crypto.Hash(data)
}

// pad extends the leaf level to the next power of two by duplicating the
// last leaf. Padding happens once, at the leaves, never at upper levels.
func pad(leaves []string) []string {
	if len(leaves) == 0 {
		return nil
	}
	size := 1
	for size < len(leaves) {
		size *= 2
	}
	padded := make([]string, size)
	copy(padded, leaves)
	for i := len(leaves); i < size; i++ {
		padded[i] = leaves[len(leaves)-1]
	}
	return padded
}

// Root computes the Merkle root over the ordered leaf hashes.
func Root(leaves []string) string {
	level := pad(leaves)
	if level == nil {
		return EmptyRoot()
	}
	for len(level) > 1 {
		next := make([]string, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, nodeHash(level[i], level[i+1]))
		}
		level = next
	}
	return level[0]
}

// Prove builds the inclusion path for the leaf at position. Returns nil when
// the position is out of range.
func Prove(leaves []string, position int) []ProofStep {
	if position < 0 || position >= len(leaves) {
		return nil
	}
	level := pad(leaves)
	path := make([]ProofStep, 0)
	idx := position
	for len(level) > 1 {
		var step ProofStep
		if idx%2 == 0 {
			step = ProofStep{Sibling: level[idx+1], Direction: DirectionRight}
		} else {
			step = ProofStep{Sibling: level[idx-1], Direction: DirectionLeft}
		}
		path = append(path, step)

		next := make([]string, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, nodeHash(level[i], level[i+1]))
		}
		level = next
		idx /= 2
	}
	return path
}

// VerifyProof walks the path from leafHash and reports whether it arrives at
// rootHash. Pure; any malformed step simply fails the walk.
func VerifyProof(leafHash string, path []ProofStep, rootHash string) bool {
	current := leafHash
	for _, step := range path {
		switch step.Direction {
		case DirectionLeft:
			current = nodeHash(step.Sibling, current)
		case DirectionRight:
			current = nodeHash(current, step.Sibling)
		default:
			return false
		}
	}
	return current == rootHash
}
