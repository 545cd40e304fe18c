package receipt

import (
	"encoding/json"
	"fmt"
	"sort"

	"primordia/canonical"
	"primordia/crypto"
)

// Agent-signed artifacts (MSRs and FCs) carry their signature in
// signature_ed25519 rather than the kernel envelope. Verification recomputes
// the content hash over the payload minus that field, exactly as the agent
// SDKs do.

// FieldString extracts a string field from a decoded payload.
func FieldString(p map[string]any, key string) string {
	s, _ := p[key].(string)
	return s
}

// FieldInt extracts an integer field from a decoded payload. JSON numbers
// arrive as json.Number when parsed through canonical.Parse.
func FieldInt(p map[string]any, key string) (int64, bool) {
	switch v := p[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// AgentPayloadHash hashes an agent-signed payload with signature_ed25519
// stripped.
func AgentPayloadHash(p map[string]any) (string, error) {
	payload := make(map[string]any, len(p))
	for k, v := range p {
		if k == "signature_ed25519" {
			continue
		}
		payload[k] = v
	}
	data, err := canonical.Canonicalize(payload)
	if err != nil {
		return "", err
	}
	return crypto.Hash(data), nil
}

// VerifyMSR validates an agent-signed settlement receipt against the payer's
// registered public key. It returns the content hash on success.
func VerifyMSR(p map[string]any, payerPub string) (string, error) {
	if FieldString(p, "msr_version") != Version {
		return "", fmt.Errorf("%w: invalid msr_version", ErrMalformed)
	}
	payer := FieldString(p, "payer_agent_id")
	payee := FieldString(p, "payee_agent_id")
	if payer == "" || payee == "" {
		return "", fmt.Errorf("%w: missing payer or payee", ErrMalformed)
	}
	if payer == payee {
		return "", fmt.Errorf("%w: payer and payee cannot be the same", ErrMalformed)
	}
	if units, ok := FieldInt(p, "units"); ok && units <= 0 {
		return "", fmt.Errorf("%w: units must be positive", ErrMalformed)
	}
	price, ok := FieldInt(p, "price_usd_micros")
	if !ok || price < 0 {
		return "", fmt.Errorf("%w: price cannot be negative", ErrMalformed)
	}
	if ts, ok := FieldInt(p, "timestamp_ms"); !ok || ts <= 0 {
		return "", fmt.Errorf("%w: invalid timestamp", ErrMalformed)
	}

	hash, err := AgentPayloadHash(p)
	if err != nil {
		return "", err
	}
	sig := FieldString(p, "signature_ed25519")
	if !crypto.Verify(hash, sig, payerPub) {
		return hash, ErrSignatureInvalid
	}
	return hash, nil
}

// VerifyFC validates an agent-signed future commitment against the issuer's
// public key, including its embedded commitment hash.
func VerifyFC(p map[string]any, issuerPub string) (string, error) {
	if FieldString(p, "fc_version") != Version {
		return "", fmt.Errorf("%w: invalid fc_version", ErrMalformed)
	}
	issuer := FieldString(p, "issuer_agent_id")
	counterparty := FieldString(p, "counterparty_agent_id")
	if issuer == "" || counterparty == "" || issuer == counterparty {
		return "", fmt.Errorf("%w: issuer and counterparty must differ", ErrMalformed)
	}
	units, ok := FieldInt(p, "units")
	if !ok || units <= 0 {
		return "", fmt.Errorf("%w: units must be positive", ErrMalformed)
	}

	window, _ := p["delivery_window"].(map[string]any)
	start, _ := FieldInt(window, "start_ms")
	end, _ := FieldInt(window, "end_ms")
	if start >= end {
		return "", fmt.Errorf("%w: invalid delivery window", ErrMalformed)
	}

	penalty, _ := p["penalty"].(map[string]any)
	if amount, ok := FieldInt(penalty, "penalty_usd_micros"); !ok || amount <= 0 {
		return "", fmt.Errorf("%w: penalty must be positive", ErrMalformed)
	}

	commitment, err := canonical.Canonicalize(map[string]any{
		"issuer":       issuer,
		"counterparty": counterparty,
		"resource":     FieldString(p, "resource_type"),
		"units":        units,
		"window":       map[string]any{"start_ms": start, "end_ms": end},
	})
	if err != nil {
		return "", err
	}
	if crypto.Hash(commitment) != FieldString(p, "commitment_hash") {
		return "", fmt.Errorf("%w: invalid commitment hash", ErrMalformed)
	}

	hash, err := AgentPayloadHash(p)
	if err != nil {
		return "", err
	}
	if !crypto.Verify(hash, FieldString(p, "signature_ed25519"), issuerPub) {
		return hash, ErrSignatureInvalid
	}
	return hash, nil
}

// VerifyIAN validates a kernel-issued netting receipt: envelope signature,
// participant closure, and obligation sanity.
func VerifyIAN(p map[string]any, kernelPub string) error {
	if err := Verify(Receipt(p), kernelPub); err != nil {
		return err
	}

	participants := map[string]bool{}
	if list, ok := p["participants"].([]any); ok {
		for _, entry := range list {
			if id, ok := entry.(string); ok {
				participants[id] = true
			}
		}
	}

	obligations, _ := p["net_obligations"].([]any)
	for _, entry := range obligations {
		obl, ok := entry.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: malformed obligation", ErrMalformed)
		}
		from := FieldString(obl, "from")
		to := FieldString(obl, "to")
		if len(participants) > 0 && (!participants[from] || !participants[to]) {
			return fmt.Errorf("%w: obligation references unknown participant", ErrMalformed)
		}
		if from == to {
			return fmt.Errorf("%w: self-obligation not allowed", ErrMalformed)
		}
		amount, ok := FieldInt(obl, "amount_usd_micros")
		if !ok || amount <= 0 {
			return fmt.Errorf("%w: obligation amount must be positive", ErrMalformed)
		}
	}

	hashes := make([]string, 0)
	if list, ok := p["receipt_hashes"].([]any); ok {
		for _, entry := range list {
			if h, ok := entry.(string); ok {
				hashes = append(hashes, h)
			}
		}
	}
	if !sort.StringsAreSorted(hashes) {
		return fmt.Errorf("%w: receipt hashes not sorted", ErrMalformed)
	}
	return nil
}
