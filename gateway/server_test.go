package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"primordia/crypto"
	"primordia/gateway/middleware"
	"primordia/native/netting"
	"primordia/native/wallet"
	"primordia/receipt"
	"primordia/storage"
)

const adminSecret = "gateway-test-secret"

type harness struct {
	server *Server
	ts     *httptest.Server
	signer *receipt.Signer
	wallet *wallet.Engine
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
	srv := New(db, signer, Config{
		PurchaseURL:   "https://primordia.example/credits",
		SealIssueURL:  "https://primordia.example/seal",
		Admin:         middleware.AuthConfig{HMACSecret: adminSecret},
		NettingPolicy: netting.TrustedInputs,
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &harness{
		server: srv,
		ts:     ts,
		signer: signer,
		wallet: wallet.NewEngine(db, "https://primordia.example/credits"),
	}
}

func (h *harness) adminToken(t *testing.T) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "ops",
		"scope": "admin",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(adminSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (h *harness) post(t *testing.T, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, h.ts.URL+path, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	defer resp.Body.Close()
	decoded := map[string]any{}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode %s response: %v", path, err)
	}
	return resp, decoded
}

func (h *harness) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(h.ts.URL + path)
	if err != nil {
		t.Fatalf("get %s: %v", path, err)
	}
	defer resp.Body.Close()
	decoded := map[string]any{}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode %s response: %v", path, err)
	}
	return resp, decoded
}

func (h *harness) registerAgent(t *testing.T, id string) crypto.Keypair {
	t.Helper()
	keys, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	resp, _ := h.post(t, "/v1/agents/register", "", map[string]any{
		"agent_id": id, "display_name": id, "pubkey": keys.PublicHex,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register %s: status %d", id, resp.StatusCode)
	}
	return keys
}

func (h *harness) fund(t *testing.T, walletID string, amount int64) {
	t.Helper()
	resp, _ := h.post(t, "/v1/wallet/credit", h.adminToken(t), map[string]any{
		"wallet": walletID, "amount_usd_micros": amount, "reference": "test topup",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fund %s: status %d", walletID, resp.StatusCode)
	}
}

func (h *harness) issueSeal(t *testing.T, target string) {
	t.Helper()
	resp, _ := h.post(t, "/v1/seal/issue", h.adminToken(t), map[string]any{
		"target":           target,
		"conformance_hash": crypto.Hash([]byte(target)),
		"request_hash":     "seal:" + target,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("issue seal for %s: status %d", target, resp.StatusCode)
	}
}

func TestHealthAndPacks(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Get(h.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}
	_, body := h.get(t, "/v1/wallet/packs")
	packs, _ := body["packs"].([]any)
	if len(packs) != 4 {
		t.Fatalf("expected 4 packs, got %d", len(packs))
	}
}

func TestSettleAndVerifyOverHTTP(t *testing.T) {
	h := newHarness(t)
	h.registerAgent(t, "payer")
	h.registerAgent(t, "payee")

	resp, body := h.post(t, "/v1/settle", "", map[string]any{
		"from_agent": "payer", "to_agent": "payee",
		"amount_usd_micros": 125_000, "request_hash": "settle-1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("settle status %d: %v", resp.StatusCode, body)
	}
	if body["free_tier"] != true {
		t.Fatalf("first settle must ride the free tier: %v", body)
	}
	msr, _ := body["receipt"].(map[string]any)
	if msr == nil {
		t.Fatalf("settle response missing receipt")
	}

	// Kernel-issued MSRs verify as seal-style kernel receipts.
	resp, verdict := h.post(t, "/v1/verify", "", map[string]any{
		"type": "seal", "payload": msr,
	})
	if resp.StatusCode != http.StatusOK || verdict["valid"] != true {
		t.Fatalf("kernel receipt must verify: %d %v", resp.StatusCode, verdict)
	}

	// Replay returns the stored receipt without a second charge.
	_, replay := h.post(t, "/v1/settle", "", map[string]any{
		"from_agent": "payer", "to_agent": "payee",
		"amount_usd_micros": 125_000, "request_hash": "settle-1",
	})
	if replay["replayed"] != true {
		t.Fatalf("duplicate request_hash must replay: %v", replay)
	}
}

func TestVerifyAgentSignedMSR(t *testing.T) {
	h := newHarness(t)
	keys := h.registerAgent(t, "alpha")
	h.registerAgent(t, "beta")

	payload := map[string]any{
		"msr_version":      receipt.Version,
		"payer_agent_id":   "alpha",
		"payee_agent_id":   "beta",
		"price_usd_micros": int64(90),
		"timestamp_ms":     int64(1000),
	}
	hash, err := receipt.AgentPayloadHash(payload)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	sig, err := crypto.Sign(hash, keys.PrivateHex)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	payload["signature_ed25519"] = sig

	_, verdict := h.post(t, "/v1/verify", "", map[string]any{"type": "msr", "payload": payload})
	if verdict["valid"] != true {
		t.Fatalf("signed msr must verify: %v", verdict)
	}

	payload["price_usd_micros"] = int64(91)
	_, verdict = h.post(t, "/v1/verify", "", map[string]any{"type": "msr", "payload": payload})
	if verdict["valid"] != false {
		t.Fatalf("tampered msr must fail: %v", verdict)
	}
}

func TestNetAndProveOverHTTP(t *testing.T) {
	h := newHarness(t)
	token := h.adminToken(t)
	h.fund(t, "A", 1_000_000_000)

	if resp, body := h.post(t, "/v1/index/open", token, map[string]any{}); resp.StatusCode != http.StatusOK {
		t.Fatalf("open window: %d %v", resp.StatusCode, body)
	}

	resp, body := h.post(t, "/v1/net", "", map[string]any{
		"agent": "A",
		"receipts": []map[string]any{
			{
				"msr_version": receipt.Version, "payer_agent_id": "B",
				"payee_agent_id": "A", "price_usd_micros": int64(50), "timestamp_ms": int64(1),
			},
		},
		"request_hash": "net-1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("net: %d %v", resp.StatusCode, body)
	}
	ian, _ := body["receipt"].(map[string]any)
	ianHash, _ := ian["receipt_hash"].(string)
	if ianHash == "" {
		t.Fatalf("net response missing receipt hash: %v", body)
	}

	if resp, body := h.post(t, "/v1/index/close", token, map[string]any{}); resp.StatusCode != http.StatusOK {
		t.Fatalf("close window: %d %v", resp.StatusCode, body)
	}

	resp, proof := h.post(t, "/v1/index/proof", "", map[string]any{
		"window_id": 1, "leaf_hash": leafHashFor(t, "ian", ianHash),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("proof: %d %v", resp.StatusCode, proof)
	}
	resp, verdict := h.post(t, "/v1/index/verify_proof", "", proof)
	if resp.StatusCode != http.StatusOK || verdict["valid"] != true {
		t.Fatalf("proof must verify: %d %v", resp.StatusCode, verdict)
	}
}

func leafHashFor(t *testing.T, leafType, payloadHash string) string {
	t.Helper()
	// Mirrors the submission envelope used when IANs enter the window.
	data := fmt.Sprintf(`{"payload_hash":%q,"type":%q}`, payloadHash, leafType)
	return crypto.Hash([]byte(data))
}

func TestAdminRoutesRequireToken(t *testing.T) {
	h := newHarness(t)
	resp, body := h.post(t, "/v1/index/open", "", map[string]any{})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token must 401, got %d %v", resp.StatusCode, body)
	}

	bogus := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"scope": "viewer", "exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := bogus.SignedString([]byte(adminSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	resp, _ = h.post(t, "/v1/index/open", signed, map[string]any{})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("missing scope must 403, got %d", resp.StatusCode)
	}
}

func TestUnsealedBorrowerCannotOpenLine(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "borrower", 100_000_000_000)

	resp, body := h.post(t, "/v1/credit/line/open", "", map[string]any{
		"borrower": "borrower", "lender": "lender",
		"limit_usd_micros": int64(10_000_000_000), "request_hash": "open-1",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("unsealed open must 403, got %d %v", resp.StatusCode, body)
	}
	if body["error"] != "seal_required" || body["seal_issue_url"] != "https://primordia.example/seal" {
		t.Fatalf("seal rejection must carry the issue url: %v", body)
	}

	resp, _ = h.get(t, "/v1/wallet/balance/borrower")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("balance: %d", resp.StatusCode)
	}
}

func TestSealedLineOpenAndDraw(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "borrower", 100_000_000_000)
	h.fund(t, "lender", 1_000_000_000)
	h.issueSeal(t, "borrower")

	resp, body := h.post(t, "/v1/credit/line/open", "", map[string]any{
		"borrower": "borrower", "lender": "lender",
		"limit_usd_micros": int64(10_000_000_000), "request_hash": "open-1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("open: %d %v", resp.StatusCode, body)
	}
	line, _ := body["line"].(map[string]any)
	lineID, _ := line["line_id"].(string)
	if lineID == "" {
		t.Fatalf("open response missing line id: %v", body)
	}

	resp, body = h.post(t, "/v1/credit/draw", "", map[string]any{
		"line_id": lineID, "caller": "borrower",
		"amount_usd_micros": int64(1_000_000_000), "request_hash": "draw-1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("draw: %d %v", resp.StatusCode, body)
	}
	position, _ := body["position"].(map[string]any)
	if principal, _ := position["principal_usd_micros"].(float64); int64(principal) != 1_000_000_000 {
		t.Fatalf("unexpected principal: %v", position)
	}
}

func TestMBSPaywallShape(t *testing.T) {
	h := newHarness(t)
	h.issueSealFree(t, "thin")

	resp, body := h.post(t, "/v1/audit/mbs", "", map[string]any{
		"agent": "thin", "request_hash": "mbs-1",
	})
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("below-floor mbs must 402, got %d %v", resp.StatusCode, body)
	}
	if body["error"] != "credit_required" {
		t.Fatalf("unexpected error code: %v", body)
	}
	if body["purchase_url"] != "https://primordia.example/credits" {
		t.Fatalf("paywall must carry the purchase url: %v", body)
	}
	if _, ok := body["required_usd_micros"]; !ok {
		t.Fatalf("paywall must state the required amount: %v", body)
	}
}

// issueSealFree seals a target after funding exactly the issuance fee, so
// the wallet ends near zero for paywall tests.
func (h *harness) issueSealFree(t *testing.T, target string) {
	t.Helper()
	h.fund(t, target, 1_000_000_000)
	h.issueSeal(t, target)
}

func TestMBSHappyPath(t *testing.T) {
	h := newHarness(t)
	token := h.adminToken(t)
	if resp, _ := h.post(t, "/v1/index/open", token, map[string]any{}); resp.StatusCode != http.StatusOK {
		t.Fatalf("open window failed")
	}
	h.fund(t, "rich", 50_000_000_000)
	h.issueSeal(t, "rich")

	resp, body := h.post(t, "/v1/audit/mbs", "", map[string]any{
		"agent": "rich", "request_hash": "mbs-1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mbs: %d %v", resp.StatusCode, body)
	}
	if fee, _ := body["fee_charged_usd_micros"].(float64); int64(fee) != 100_000_000 {
		t.Fatalf("mbs fee must be 100M micros, got %v", body["fee_charged_usd_micros"])
	}

	// Same request hash replays for free.
	_, replay := h.post(t, "/v1/audit/mbs", "", map[string]any{
		"agent": "rich", "request_hash": "mbs-1",
	})
	if replay["replayed"] != true {
		t.Fatalf("mbs replay must be flagged: %v", replay)
	}
	if fee, _ := replay["fee_charged_usd_micros"].(float64); fee != 0 {
		t.Fatalf("mbs replay must be free: %v", replay)
	}
}

func TestDrainedBorrowerMarginIsPaywalled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "borrower", 100_000_000_000)
	h.fund(t, "lender", 1_000_000_000)
	h.issueSeal(t, "borrower")

	resp, body := h.post(t, "/v1/credit/line/open", "", map[string]any{
		"borrower": "borrower", "lender": "lender",
		"limit_usd_micros": int64(10_000_000_000), "request_hash": "open-1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("open: %d %v", resp.StatusCode, body)
	}
	line, _ := body["line"].(map[string]any)
	lineID, _ := line["line_id"].(string)

	// Drain the borrower down to $0.50, far below the $100 margin fee.
	balance, err := h.wallet.Balance(ctx, "borrower")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if _, err := h.wallet.Deduct(ctx, "borrower", balance-500_000, wallet.TxDeduct, "drain"); err != nil {
		t.Fatalf("drain: %v", err)
	}

	resp, body = h.post(t, "/v1/credit/margin", "", map[string]any{
		"line_id": lineID, "action": "call",
		"required_usd_micros": int64(1_000_000), "due_ms": int64(1),
		"request_hash": "margin-1",
	})
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("drained borrower must 402, got %d %v", resp.StatusCode, body)
	}
	if body["error"] != "credit_required" {
		t.Fatalf("unexpected error code: %v", body)
	}
	if body["purchase_url"] != "https://primordia.example/credits" {
		t.Fatalf("paywall must carry the purchase url: %v", body)
	}
	if required, _ := body["required_usd_micros"].(float64); int64(required) != 100_000_000 {
		t.Fatalf("paywall must quote the margin fee: %v", body)
	}
	if current, _ := body["current_balance_usd_micros"].(float64); int64(current) != 500_000 {
		t.Fatalf("paywall must report the current balance: %v", body)
	}

	// Nothing was charged or persisted by the rejected call.
	if after, _ := h.wallet.Balance(ctx, "borrower"); after != 500_000 {
		t.Fatalf("rejected call must not move the wallet: %d", after)
	}
}

func TestVerifyUnknownSignerIsVerdict(t *testing.T) {
	h := newHarness(t)

	payload := map[string]any{
		"msr_version":       receipt.Version,
		"payer_agent_id":    "ghost",
		"payee_agent_id":    "someone",
		"price_usd_micros":  int64(90),
		"timestamp_ms":      int64(1000),
		"signature_ed25519": "00",
	}
	resp, verdict := h.post(t, "/v1/verify", "", map[string]any{"type": "msr", "payload": payload})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify must answer in the body, got %d %v", resp.StatusCode, verdict)
	}
	if verdict["valid"] != false {
		t.Fatalf("unregistered signer must be invalid: %v", verdict)
	}
	if details, _ := verdict["details"].(string); details == "" {
		t.Fatalf("verdict must say why: %v", verdict)
	}

	payload["issuer_agent_id"] = "ghost"
	resp, verdict = h.post(t, "/v1/verify", "", map[string]any{"type": "fc", "payload": payload})
	if resp.StatusCode != http.StatusOK || verdict["valid"] != false {
		t.Fatalf("fc with unknown issuer must be an invalid verdict: %d %v", resp.StatusCode, verdict)
	}
}

func TestRateLimitedRoute(t *testing.T) {
	db, err := storage.OpenForTest()
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	keys, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	srv := New(db, receipt.NewSigner(keys), Config{
		Admin: middleware.AuthConfig{HMACSecret: adminSecret},
		RateLimits: map[string]middleware.RateLimit{
			"verify": {RequestsPerMinute: 60, Burst: 2},
		},
		NettingPolicy: netting.TrustedInputs,
	})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var last int
	for i := 0; i < 3; i++ {
		resp, err := http.Post(ts.URL+"/v1/verify", "application/json",
			bytes.NewReader([]byte(`{"type":"ian","payload":{}}`)))
		if err != nil {
			t.Fatalf("verify: %v", err)
		}
		resp.Body.Close()
		last = resp.StatusCode
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("third burst request must be limited, got %d", last)
	}
}
