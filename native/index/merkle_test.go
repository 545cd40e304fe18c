package index

import (
	"testing"

	"primordia/crypto"
)

func testLeaves(t *testing.T, n int) []string {
	t.Helper()
	leaves := make([]string, n)
	for i := 0; i < n; i++ {
		payload := crypto.Hash([]byte{byte(i)})
		leaf, err := LeafHash("msr", payload)
		if err != nil {
			t.Fatalf("leaf hash: %v", err)
		}
		leaves[i] = leaf
	}
	return leaves
}

func TestEmptyRootIsStable(t *testing.T) {
	if EmptyRoot() != EmptyRoot() {
		t.Fatalf("empty root must be deterministic")
	}
	if Root(nil) != EmptyRoot() {
		t.Fatalf("root of zero leaves must be the empty root")
	}
}

func TestSingleLeafRoot(t *testing.T) {
	leaves := testLeaves(t, 1)
	if Root(leaves) != leaves[0] {
		t.Fatalf("single leaf is its own root")
	}
}

func TestOddLeafCountPadsWithLastLeaf(t *testing.T) {
	leaves := testLeaves(t, 3)
	padded := append(append([]string{}, leaves...), leaves[2])
	if Root(leaves) != Root(padded) {
		t.Fatalf("three leaves must hash like [L0 L1 L2 L2]")
	}
}

func TestFourLeafProofPaths(t *testing.T) {
	leaves := testLeaves(t, 4)
	root := Root(leaves)

	for i := range leaves {
		path := Prove(leaves, i)
		if len(path) != 2 {
			t.Fatalf("leaf %d: expected two-step path, got %d", i, len(path))
		}
		if !VerifyProof(leaves[i], path, root) {
			t.Fatalf("leaf %d: proof does not verify", i)
		}
	}

	path := Prove(leaves, 2)
	if path[0].Sibling != leaves[3] {
		t.Fatalf("first sibling of L2 must be L3")
	}
	if path[0].Direction != DirectionRight || path[1].Direction != DirectionLeft {
		t.Fatalf("unexpected directions %q, %q", path[0].Direction, path[1].Direction)
	}
}

func TestTamperedProofFails(t *testing.T) {
	leaves := testLeaves(t, 4)
	root := Root(leaves)
	path := Prove(leaves, 2)

	tampered := make([]ProofStep, len(path))
	copy(tampered, path)
	tampered[0].Sibling = crypto.Hash([]byte("bogus"))
	if VerifyProof(leaves[2], tampered, root) {
		t.Fatalf("tampered sibling must not verify")
	}

	flipped := make([]ProofStep, len(path))
	copy(flipped, path)
	flipped[0].Direction = DirectionLeft
	if VerifyProof(leaves[2], flipped, root) {
		t.Fatalf("flipped direction must not verify")
	}

	if VerifyProof(leaves[2], []ProofStep{{Sibling: leaves[3], Direction: "up"}}, root) {
		t.Fatalf("unknown direction must not verify")
	}
}

func TestProveOutOfRange(t *testing.T) {
	leaves := testLeaves(t, 2)
	if Prove(leaves, -1) != nil || Prove(leaves, 2) != nil {
		t.Fatalf("out-of-range positions must return nil")
	}
}
