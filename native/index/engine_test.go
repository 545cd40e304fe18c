package index

import (
	"context"
	"errors"
	"testing"

	kerrors "primordia/core/errors"
	"primordia/crypto"
	"primordia/receipt"
	"primordia/storage"
)

func newTestEngine(t *testing.T) (*Engine, *receipt.Signer) {
	t.Helper()
	db, err := storage.OpenForTest()
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	keys, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	signer := receipt.NewSigner(keys)
	return NewEngine(db, signer), signer
}

func TestSubmitWithoutOpenWindowFails(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Submit(context.Background(), "msr", crypto.Hash([]byte("x")))
	var kerr *kerrors.Error
	if !errors.As(err, &kerr) || kerr.Kind != kerrors.KindPrecondition {
		t.Fatalf("expected precondition failure, got %v", err)
	}
}

func TestFirstSubmitPositionZero(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.OpenWindow(ctx); err != nil {
		t.Fatalf("open window: %v", err)
	}
	res, err := e.Submit(ctx, "msr", crypto.Hash([]byte("first")))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Position != 0 {
		t.Fatalf("first leaf must land at position 0, got %d", res.Position)
	}
	if res.Ack != "pending_close" {
		t.Fatalf("unexpected ack %q", res.Ack)
	}
}

func TestOnlyOneOpenWindow(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.OpenWindow(ctx); err != nil {
		t.Fatalf("open window: %v", err)
	}
	if _, err := e.OpenWindow(ctx); !errors.Is(err, errWindowAlreadyOpen) {
		t.Fatalf("second open must fail, got %v", err)
	}
}

func TestCloseEmptyWindowYieldsEmptyRoot(t *testing.T) {
	e, signer := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.OpenWindow(ctx); err != nil {
		t.Fatalf("open window: %v", err)
	}
	window, err := e.CloseWindow(ctx)
	if err != nil {
		t.Fatalf("close window: %v", err)
	}
	if window.RootHash == nil || *window.RootHash != EmptyRoot() {
		t.Fatalf("empty window must close to the empty root")
	}
	if window.HeadSignature == nil || window.ClosedAtMS == nil {
		t.Fatalf("closed window must carry a signed head and close time")
	}
	if !VerifyHead(window.ID, *window.RootHash, *window.ClosedAtMS, window.LeafCount,
		*window.HeadSignature, signer.PublicKey()) {
		t.Fatalf("head signature must verify under the kernel key")
	}
}

func TestSubmitCloseProveVerify(t *testing.T) {
	e, signer := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.OpenWindow(ctx); err != nil {
		t.Fatalf("open window: %v", err)
	}

	var submitted []*SubmitResult
	for i := 0; i < 4; i++ {
		res, err := e.Submit(ctx, "msr", crypto.Hash([]byte{byte(i)}))
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		if res.Position != int64(i) {
			t.Fatalf("leaf %d landed at position %d", i, res.Position)
		}
		submitted = append(submitted, res)
	}

	window, err := e.CloseWindow(ctx)
	if err != nil {
		t.Fatalf("close window: %v", err)
	}
	if window.LeafCount != 4 {
		t.Fatalf("expected 4 leaves, got %d", window.LeafCount)
	}

	proof, err := e.Proof(ctx, window.ID, submitted[2].LeafHash)
	if err != nil {
		t.Fatalf("proof: %v", err)
	}
	if proof.Position != 2 || len(proof.Path) != 2 {
		t.Fatalf("unexpected proof shape: %+v", proof)
	}
	if !VerifyProof(proof.LeafHash, proof.Path, proof.RootHash) {
		t.Fatalf("inclusion proof must verify")
	}
	if !VerifyHead(proof.WindowID, proof.RootHash, proof.ClosedAtMS, proof.LeafCount,
		proof.HeadSignature, signer.PublicKey()) {
		t.Fatalf("proof head must verify under the kernel key")
	}
}

func TestProofAgainstOpenWindowRejected(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	window, err := e.OpenWindow(ctx)
	if err != nil {
		t.Fatalf("open window: %v", err)
	}
	res, err := e.Submit(ctx, "msr", crypto.Hash([]byte("x")))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	_, err = e.Proof(ctx, window.ID, res.LeafHash)
	var kerr *kerrors.Error
	if !errors.As(err, &kerr) || kerr.Kind != kerrors.KindPrecondition {
		t.Fatalf("open window proof must fail precondition, got %v", err)
	}
}

func TestProofUnknownLeaf(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	window, err := e.OpenWindow(ctx)
	if err != nil {
		t.Fatalf("open window: %v", err)
	}
	if _, err := e.CloseWindow(ctx); err != nil {
		t.Fatalf("close window: %v", err)
	}
	_, err = e.Proof(ctx, window.ID, crypto.Hash([]byte("never submitted")))
	var kerr *kerrors.Error
	if !errors.As(err, &kerr) || kerr.Kind != kerrors.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestWindowChaining(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	first, err := e.OpenWindow(ctx)
	if err != nil {
		t.Fatalf("open first: %v", err)
	}
	if first.PreviousWindowID != nil {
		t.Fatalf("genesis window must not chain backwards")
	}
	if _, err := e.Submit(ctx, "ian", crypto.Hash([]byte("a"))); err != nil {
		t.Fatalf("submit: %v", err)
	}
	closed, err := e.CloseWindow(ctx)
	if err != nil {
		t.Fatalf("close first: %v", err)
	}

	second, err := e.OpenWindow(ctx)
	if err != nil {
		t.Fatalf("open second: %v", err)
	}
	if second.PreviousWindowID == nil || *second.PreviousWindowID != closed.ID {
		t.Fatalf("second window must chain to the first")
	}
	if second.PreviousRootHash != *closed.RootHash {
		t.Fatalf("second window must carry the first root")
	}
}

func TestHeadTracksLifecycle(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.Head(ctx); err == nil {
		t.Fatalf("head with no windows must fail")
	}

	if _, err := e.OpenWindow(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}
	head, err := e.Head(ctx)
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if !head.Open || head.RootHash != nil || head.HeadSignature != nil {
		t.Fatalf("open head must have no root or signature: %+v", head)
	}

	if _, err := e.CloseWindow(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	head, err = e.Head(ctx)
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head.Open || head.RootHash == nil || head.HeadSignature == nil {
		t.Fatalf("closed head must carry root and signature: %+v", head)
	}
}

func TestEnsureOpenIsIdempotent(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	first, err := e.EnsureOpen(ctx)
	if err != nil {
		t.Fatalf("ensure open: %v", err)
	}
	second, err := e.EnsureOpen(ctx)
	if err != nil {
		t.Fatalf("ensure open again: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("ensure open must reuse the open window")
	}
}
