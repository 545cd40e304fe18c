package netting

import (
	"context"
	"errors"
	"testing"

	kerrors "primordia/core/errors"
	"primordia/crypto"
	"primordia/native/index"
	"primordia/native/wallet"
	"primordia/receipt"
	"primordia/storage"

	"gorm.io/gorm"
)

type harness struct {
	db      *gorm.DB
	engine  *Engine
	wallet  *wallet.Engine
	indexer *index.Engine
	signer  *receipt.Signer
	keys    map[string]crypto.Keypair
}

func newHarness(t *testing.T, policy VerificationPolicy) *harness {
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
	indexer := index.NewEngine(db, signer)
	if _, err := indexer.OpenWindow(context.Background()); err != nil {
		t.Fatalf("open window: %v", err)
	}
	return &harness{
		db:      db,
		engine:  NewEngine(db, signer, indexer, policy),
		wallet:  wallet.NewEngine(db, "https://primordia.example/credits"),
		indexer: indexer,
		signer:  signer,
		keys:    map[string]crypto.Keypair{},
	}
}

func (h *harness) registerAgent(t *testing.T, id string) {
	t.Helper()
	keys, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	h.keys[id] = keys
	row := storage.Agent{ID: id, Pubkey: keys.PublicHex}
	if err := h.db.Create(&row).Error; err != nil {
		t.Fatalf("register agent: %v", err)
	}
}

// signedMSR builds an agent-signed settlement receipt from payer to payee.
func (h *harness) signedMSR(t *testing.T, payer, payee string, amount int64) map[string]any {
	t.Helper()
	p := map[string]any{
		"msr_version":      receipt.Version,
		"payer_agent_id":   payer,
		"payee_agent_id":   payee,
		"units":            int64(1),
		"price_usd_micros": amount,
		"timestamp_ms":     int64(1_700_000_000_000),
		"nonce":            payer + "|" + payee + "|" + crypto.Hash([]byte{byte(amount)}),
	}
	hash, err := receipt.AgentPayloadHash(p)
	if err != nil {
		t.Fatalf("payload hash: %v", err)
	}
	sig, err := crypto.Sign(hash, h.keys[payer].PrivateHex)
	if err != nil {
		t.Fatalf("sign msr: %v", err)
	}
	p["signature_ed25519"] = sig
	return p
}

func TestBilateralCancellation(t *testing.T) {
	h := newHarness(t, Strict)
	ctx := context.Background()
	h.registerAgent(t, "A")
	h.registerAgent(t, "B")
	if _, err := h.wallet.Credit(ctx, "A", 1_000_000, wallet.TxCredit, "topup"); err != nil {
		t.Fatalf("topup: %v", err)
	}

	inputs := []map[string]any{
		h.signedMSR(t, "A", "B", 50),
		h.signedMSR(t, "B", "A", 20),
	}
	res, err := h.engine.Net(ctx, "A", inputs, "")
	if err != nil {
		t.Fatalf("net: %v", err)
	}

	obls, _ := res.IAN["net_obligations"].([]any)
	if len(obls) != 1 {
		t.Fatalf("expected one net obligation, got %d", len(obls))
	}
	obl := obls[0].(map[string]any)
	if receipt.FieldString(obl, "from") != "A" || receipt.FieldString(obl, "to") != "B" {
		t.Fatalf("expected obligation A to B: %+v", obl)
	}
	if amount, _ := receipt.FieldInt(obl, "amount_usd_micros"); amount != 30 {
		t.Fatalf("expected 30, got %d", amount)
	}

	if err := receipt.VerifyIAN(map[string]any(res.IAN), h.signer.PublicKey()); err != nil {
		t.Fatalf("ian must verify: %v", err)
	}
	hashes, _ := res.IAN["receipt_hashes"].([]string)
	if len(hashes) != 2 {
		t.Fatalf("ian must reference both source receipts")
	}
}

func TestOrderIndependentNettingHash(t *testing.T) {
	forward := newHarness(t, TrustedInputs)
	reverse := newHarness(t, TrustedInputs)
	ctx := context.Background()

	a := map[string]any{
		"msr_version":      receipt.Version,
		"payer_agent_id":   "A",
		"payee_agent_id":   "B",
		"price_usd_micros": int64(50),
		"timestamp_ms":     int64(1),
	}
	b := map[string]any{
		"msr_version":      receipt.Version,
		"payer_agent_id":   "B",
		"payee_agent_id":   "A",
		"price_usd_micros": int64(20),
		"timestamp_ms":     int64(2),
	}

	for _, h := range []*harness{forward, reverse} {
		if _, err := h.wallet.Credit(ctx, "A", 1_000_000, wallet.TxCredit, "topup"); err != nil {
			t.Fatalf("topup: %v", err)
		}
	}

	resForward, err := forward.engine.Net(ctx, "A", []map[string]any{a, b}, "")
	if err != nil {
		t.Fatalf("forward net: %v", err)
	}
	resReverse, err := reverse.engine.Net(ctx, "A", []map[string]any{b, a}, "")
	if err != nil {
		t.Fatalf("reverse net: %v", err)
	}

	if resForward.IAN["netting_hash"] != resReverse.IAN["netting_hash"] {
		t.Fatalf("netting hash must not depend on submission order")
	}
}

func TestDuplicateInputsDeduplicated(t *testing.T) {
	h := newHarness(t, TrustedInputs)
	ctx := context.Background()
	if _, err := h.wallet.Credit(ctx, "A", 1_000_000, wallet.TxCredit, "topup"); err != nil {
		t.Fatalf("topup: %v", err)
	}

	msr := map[string]any{
		"msr_version":      receipt.Version,
		"payer_agent_id":   "A",
		"payee_agent_id":   "B",
		"price_usd_micros": int64(50),
		"timestamp_ms":     int64(1),
	}
	res, err := h.engine.Net(ctx, "A", []map[string]any{msr, msr, msr}, "")
	if err != nil {
		t.Fatalf("net: %v", err)
	}
	if count, _ := receipt.FieldInt(map[string]any(res.IAN), "receipt_count"); count != 1 {
		t.Fatalf("duplicates must collapse to one receipt, got %d", count)
	}
	obls, _ := res.IAN["net_obligations"].([]any)
	obl := obls[0].(map[string]any)
	if amount, _ := receipt.FieldInt(obl, "amount_usd_micros"); amount != 50 {
		t.Fatalf("duplicate receipts must not double count: %d", amount)
	}
}

func TestEmptySetStillIdempotent(t *testing.T) {
	h := newHarness(t, TrustedInputs)
	ctx := context.Background()

	res, err := h.engine.Net(ctx, "A", nil, "")
	if err != nil {
		t.Fatalf("empty net: %v", err)
	}
	if res.FeeCharged != 0 {
		t.Fatalf("empty set must be free, charged %d", res.FeeCharged)
	}
	obls, _ := res.IAN["net_obligations"].([]any)
	if len(obls) != 0 {
		t.Fatalf("empty set must yield no obligations")
	}
	if err := receipt.Verify(res.IAN, h.signer.PublicKey()); err != nil {
		t.Fatalf("empty ian must still be signed: %v", err)
	}

	replay, err := h.engine.Net(ctx, "A", nil, "")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !replay.Replayed || replay.IAN.Hash() != res.IAN.Hash() {
		t.Fatalf("empty net must replay idempotently")
	}
}

func TestReplayChargesNoFee(t *testing.T) {
	h := newHarness(t, TrustedInputs)
	ctx := context.Background()
	if _, err := h.wallet.Credit(ctx, "A", 1_000_000, wallet.TxCredit, "topup"); err != nil {
		t.Fatalf("topup: %v", err)
	}

	msr := map[string]any{
		"msr_version":      receipt.Version,
		"payer_agent_id":   "A",
		"payee_agent_id":   "B",
		"price_usd_micros": int64(50),
		"timestamp_ms":     int64(1),
	}
	first, err := h.engine.Net(ctx, "A", []map[string]any{msr}, "req-1")
	if err != nil {
		t.Fatalf("net: %v", err)
	}
	if first.FeeCharged == 0 {
		t.Fatalf("first run must charge a fee")
	}
	balanceAfterFirst, _ := h.wallet.Balance(ctx, "A")

	replay, err := h.engine.Net(ctx, "A", []map[string]any{msr}, "req-1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !replay.Replayed || replay.FeeCharged != 0 {
		t.Fatalf("replay must be free: %+v", replay)
	}
	if replay.NettingHash != first.NettingHash {
		t.Fatalf("replay must return the original ian")
	}
	balanceAfterReplay, _ := h.wallet.Balance(ctx, "A")
	if balanceAfterFirst != balanceAfterReplay {
		t.Fatalf("replay must not move the wallet")
	}
}

func TestBadSignatureRejectedUnderStrict(t *testing.T) {
	h := newHarness(t, Strict)
	ctx := context.Background()
	h.registerAgent(t, "A")
	h.registerAgent(t, "B")

	msr := h.signedMSR(t, "A", "B", 50)
	msr["price_usd_micros"] = int64(999)
	_, err := h.engine.Net(ctx, "A", []map[string]any{msr}, "")
	var kerr *kerrors.Error
	if !errors.As(err, &kerr) || kerr.Kind != kerrors.KindSignatureInvalid {
		t.Fatalf("tampered receipt must fail signature check, got %v", err)
	}
}

func TestInsufficientFundsRefusedBeforeIssuance(t *testing.T) {
	h := newHarness(t, TrustedInputs)
	ctx := context.Background()

	msr := map[string]any{
		"msr_version":      receipt.Version,
		"payer_agent_id":   "A",
		"payee_agent_id":   "B",
		"price_usd_micros": int64(50),
		"timestamp_ms":     int64(1),
	}
	_, err := h.engine.Net(ctx, "A", []map[string]any{msr}, "")
	var kerr *kerrors.Error
	if !errors.As(err, &kerr) || kerr.Kind != kerrors.KindInsufficientFunds {
		t.Fatalf("broke agent must be rejected, got %v", err)
	}

	var jobs []storage.NettingJob
	if err := h.db.Find(&jobs).Error; err != nil {
		t.Fatalf("load jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Status != storage.NettingFailed {
		t.Fatalf("failed run must persist a failed job: %+v", jobs)
	}
}

func TestIANSubmittedToIndex(t *testing.T) {
	h := newHarness(t, TrustedInputs)
	ctx := context.Background()
	if _, err := h.wallet.Credit(ctx, "A", 1_000_000, wallet.TxCredit, "topup"); err != nil {
		t.Fatalf("topup: %v", err)
	}

	msr := map[string]any{
		"msr_version":      receipt.Version,
		"payer_agent_id":   "A",
		"payee_agent_id":   "B",
		"price_usd_micros": int64(50),
		"timestamp_ms":     int64(1),
	}
	res, err := h.engine.Net(ctx, "A", []map[string]any{msr}, "")
	if err != nil {
		t.Fatalf("net: %v", err)
	}

	window, err := h.indexer.CloseWindow(ctx)
	if err != nil {
		t.Fatalf("close window: %v", err)
	}
	leafHash, err := index.LeafHash("ian", res.IAN.Hash())
	if err != nil {
		t.Fatalf("leaf hash: %v", err)
	}
	proof, err := h.indexer.Proof(ctx, window.ID, leafHash)
	if err != nil {
		t.Fatalf("ian must be indexed: %v", err)
	}
	if !index.VerifyProof(proof.LeafHash, proof.Path, proof.RootHash) {
		t.Fatalf("ian inclusion proof must verify")
	}
}
