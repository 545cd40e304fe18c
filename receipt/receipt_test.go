package receipt

import (
	"errors"
	"testing"

	"primordia/canonical"
	"primordia/crypto"
)

func testSigner(t *testing.T) *Signer {
	t.Helper()
	kp, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	return NewSigner(kp)
}

func TestIssueSealsAndVerifies(t *testing.T) {
	signer := testSigner(t)
	r, err := signer.Issue(KindDraw, "req-1", map[string]any{
		"credit_line_id":   "cl_abc",
		"amount_usd_micros": int64(10_000_000),
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if r.Type() != KindDraw {
		t.Fatalf("expected receipt_type draw, got %s", r.Type())
	}
	if r["draw_version"] != Version {
		t.Fatalf("expected draw_version %s, got %v", Version, r["draw_version"])
	}
	if r["issuer"] != Issuer {
		t.Fatalf("expected issuer %s, got %v", Issuer, r["issuer"])
	}
	if r.RequestHash() != "req-1" {
		t.Fatalf("expected request hash req-1, got %s", r.RequestHash())
	}
	if err := Verify(r, signer.PublicKey()); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestHashCoversPayloadOnly(t *testing.T) {
	signer := testSigner(t)
	r, err := signer.Issue(KindFee, "req-2", map[string]any{"amount_usd_micros": int64(1)})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	payload := make(map[string]any)
	for k, v := range r {
		if k == "receipt_hash" || k == "kernel_signature" {
			continue
		}
		payload[k] = v
	}
	data, err := canonical.Canonicalize(payload)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if crypto.Hash(data) != r.Hash() {
		t.Fatalf("receipt hash does not cover payload")
	}
}

func TestVerifyRejectsMutation(t *testing.T) {
	signer := testSigner(t)
	r, err := signer.Issue(KindRepay, "req-3", map[string]any{"amount_usd_micros": int64(5)})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	tampered := r.Clone()
	tampered["amount_usd_micros"] = int64(6)
	if err := Verify(tampered, signer.PublicKey()); !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("expected hash mismatch, got %v", err)
	}

	wrongKey, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	if err := Verify(r, wrongKey.PublicHex); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected signature invalid, got %v", err)
	}

	unsealed := r.Clone()
	delete(unsealed, "receipt_hash")
	if err := Verify(unsealed, signer.PublicKey()); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected malformed, got %v", err)
	}
}

func TestSealRejectsDoubleSeal(t *testing.T) {
	signer := testSigner(t)
	r, err := signer.Issue(KindSeal, "req-4", map[string]any{"target": "agent-x"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := signer.Seal(r); err == nil {
		t.Fatalf("expected error sealing an already sealed receipt")
	}
}

func TestTimestampsMonotone(t *testing.T) {
	signer := testSigner(t)
	var last int64
	for i := 0; i < 100; i++ {
		ts := signer.NowMS()
		if ts <= last {
			t.Fatalf("timestamp went backwards: %d after %d", ts, last)
		}
		last = ts
	}
}

func TestRoundTripThroughCanonicalJSON(t *testing.T) {
	signer := testSigner(t)
	r, err := signer.Issue(KindAlloc, "req-5", map[string]any{
		"from_wallet":       "a",
		"to_wallet":         "b",
		"amount_usd_micros": int64(250_000),
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	data, err := r.CanonicalJSON()
	if err != nil {
		t.Fatalf("canonical json: %v", err)
	}
	decoded, err := canonical.Parse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	back, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("expected object, got %T", decoded)
	}
	if err := Verify(Receipt(back), signer.PublicKey()); err != nil {
		t.Fatalf("verify after round trip: %v", err)
	}
}

func TestVerifyMSRAgentSigned(t *testing.T) {
	payer, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	payload := map[string]any{
		"msr_version":      Version,
		"payer_agent_id":   "agent-a",
		"payee_agent_id":   "agent-b",
		"resource_type":    "inference",
		"units":            int64(3),
		"unit_type":        "calls",
		"price_usd_micros": int64(1_500_000),
		"timestamp_ms":     int64(1_700_000_000_000),
		"nonce":            "00112233445566778899aabbccddeeff",
		"scope_hash":       "",
		"request_hash":     "",
		"response_hash":    "",
	}
	hash, err := AgentPayloadHash(payload)
	if err != nil {
		t.Fatalf("payload hash: %v", err)
	}
	sig, err := crypto.Sign(hash, payer.PrivateHex)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	payload["signature_ed25519"] = sig

	got, err := VerifyMSR(payload, payer.PublicHex)
	if err != nil {
		t.Fatalf("verify msr: %v", err)
	}
	if got != hash {
		t.Fatalf("hash mismatch: %s vs %s", got, hash)
	}

	payload["price_usd_micros"] = int64(-1)
	if _, err := VerifyMSR(payload, payer.PublicHex); err == nil {
		t.Fatalf("expected rejection of negative price")
	}
	payload["price_usd_micros"] = int64(1_500_000)

	other, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	if _, err := VerifyMSR(payload, other.PublicHex); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected signature invalid with wrong key, got %v", err)
	}
}
