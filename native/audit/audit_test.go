package audit

import (
	"bytes"
	"context"
	"testing"

	"primordia/crypto"
	"primordia/native/index"
	"primordia/native/netting"
	"primordia/native/wallet"
	"primordia/receipt"
	"primordia/storage"

	"gorm.io/gorm"
)

type harness struct {
	db      *gorm.DB
	engine  *Engine
	netting *netting.Engine
	signer  *receipt.Signer
}

func newHarness(t *testing.T) *harness {
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
	w := wallet.NewEngine(db, "https://primordia.example/credits")
	if _, err := w.Credit(context.Background(), "A", 1_000_000_000, wallet.TxCredit, "topup"); err != nil {
		t.Fatalf("topup: %v", err)
	}
	return &harness{
		db:      db,
		engine:  NewEngine(db, signer),
		netting: netting.NewEngine(db, signer, indexer, netting.TrustedInputs),
		signer:  signer,
	}
}

func (h *harness) runNetting(t *testing.T, requestHash string, msrs ...map[string]any) {
	t.Helper()
	if _, err := h.netting.Net(context.Background(), "A", msrs, requestHash); err != nil {
		t.Fatalf("net: %v", err)
	}
}

func msr(payer, payee string, amount, ts int64) map[string]any {
	return map[string]any{
		"msr_version":      receipt.Version,
		"payer_agent_id":   payer,
		"payee_agent_id":   payee,
		"price_usd_micros": amount,
		"timestamp_ms":     ts,
	}
}

func TestBalanceSummaryFromIANs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// B owes A 30 net; A owes C 15 net.
	h.runNetting(t, "n1", msr("B", "A", 50, 1), msr("A", "B", 20, 2))
	h.runNetting(t, "n2", msr("A", "C", 15, 3))

	summary, sealed, err := h.engine.BalanceSummary(ctx, "A", false, "mbs1")
	if err != nil {
		t.Fatalf("balance summary: %v", err)
	}
	if summary.TotalReceivable != 30 || summary.TotalPayable != 15 {
		t.Fatalf("unexpected totals: %+v", summary)
	}
	if summary.NetPosition != 15 {
		t.Fatalf("net position must be 15, got %d", summary.NetPosition)
	}
	if summary.CounterpartyPositions["B"] != 30 || summary.CounterpartyPositions["C"] != -15 {
		t.Fatalf("unexpected counterparty breakdown: %+v", summary.CounterpartyPositions)
	}
	if summary.IANCount != 2 {
		t.Fatalf("expected 2 contributing IANs, got %d", summary.IANCount)
	}
	// 30 / 15 = 2x = 20000 bps.
	if summary.SolvencyRatioBps != 20_000 {
		t.Fatalf("expected 20000 bps solvency, got %d", summary.SolvencyRatioBps)
	}
	if err := receipt.Verify(sealed, h.signer.PublicKey()); err != nil {
		t.Fatalf("mbs receipt must verify: %v", err)
	}
}

func TestSolvencyCapWithoutPayables(t *testing.T) {
	h := newHarness(t)
	h.runNetting(t, "n1", msr("B", "A", 50, 1))

	summary, _, err := h.engine.BalanceSummary(context.Background(), "A", false, "mbs1")
	if err != nil {
		t.Fatalf("balance summary: %v", err)
	}
	if summary.SolvencyRatioBps != SolvencyCapBps {
		t.Fatalf("no payables must report the cap, got %d", summary.SolvencyRatioBps)
	}
}

func TestEmptyAgentSummary(t *testing.T) {
	h := newHarness(t)
	summary, sealed, err := h.engine.BalanceSummary(context.Background(), "ghost", true, "mbs1")
	if err != nil {
		t.Fatalf("balance summary: %v", err)
	}
	if summary.TotalReceivable != 0 || summary.TotalPayable != 0 || summary.IANCount != 0 {
		t.Fatalf("unknown agent must report zeros: %+v", summary)
	}
	if sealed == nil {
		t.Fatalf("even an empty summary is sealed")
	}
}

func TestLiabilityReportPeriodFilter(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.runNetting(t, "n1", msr("A", "B", 40, 1))

	early, _, err := h.engine.LiabilityReport(ctx, "A", FormatJSON, 0, 1, "alr-early")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if len(early.LineItems) != 0 {
		t.Fatalf("period before issuance must be empty: %+v", early.LineItems)
	}

	full, sealed, err := h.engine.LiabilityReport(ctx, "A", FormatJSON, 0, 0, "alr-full")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if len(full.LineItems) != 1 {
		t.Fatalf("expected one line item, got %d", len(full.LineItems))
	}
	item := full.LineItems[0]
	if item.Direction != "payable" || item.Counterparty != "B" || item.AmountUsdMicros != 40 {
		t.Fatalf("unexpected line item: %+v", item)
	}
	if full.Counterparties["B"] != -40 {
		t.Fatalf("breakdown must net payables negative: %+v", full.Counterparties)
	}
	if err := receipt.Verify(sealed, h.signer.PublicKey()); err != nil {
		t.Fatalf("alr receipt must verify: %v", err)
	}
}

func TestLiabilityReportCSVExport(t *testing.T) {
	h := newHarness(t)
	h.runNetting(t, "n1", msr("A", "B", 40, 1))

	report, _, err := h.engine.LiabilityReport(context.Background(), "A", FormatCSV, 0, 0, "alr1")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if len(report.Export) == 0 {
		t.Fatalf("csv export must not be empty")
	}
	if !bytes.HasPrefix(report.Export, []byte("ian_hash,timestamp_ms,counterparty,direction,amount_usd_micros")) {
		t.Fatalf("csv must start with the header: %q", report.Export[:60])
	}
	if !bytes.Contains(report.Export, []byte(",B,payable,40")) {
		t.Fatalf("csv must contain the line item: %s", report.Export)
	}

	if _, _, err := h.engine.LiabilityReport(context.Background(), "A", "xml", 0, 0, "alr2"); err == nil {
		t.Fatalf("unknown format must be rejected")
	}
}

func TestPendingReceiptCount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// One netted MSR and one stray MSR that no netting run consumed.
	netted := msr("A", "B", 40, 1)
	h.runNetting(t, "n1", netted)

	strayHash, err := receipt.AgentPayloadHash(msr("A", "C", 10, 2))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	stray, err := h.signer.Issue(receipt.KindMSR, "stray:"+strayHash, msr("A", "C", 10, 2))
	if err != nil {
		t.Fatalf("issue stray: %v", err)
	}
	if err := receipt.SaveTx(h.db, stray); err != nil {
		t.Fatalf("save stray: %v", err)
	}

	summary, _, err := h.engine.BalanceSummary(ctx, "A", true, "mbs1")
	if err != nil {
		t.Fatalf("balance summary: %v", err)
	}
	if summary.PendingReceiptCount != 1 {
		t.Fatalf("expected one pending receipt, got %d", summary.PendingReceiptCount)
	}
}
