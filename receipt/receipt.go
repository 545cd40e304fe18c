package receipt

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"primordia/canonical"
	"primordia/crypto"
)

// Issuer identifies the kernel in every receipt it signs.
const Issuer = "clearing-kernel"

// Receipt kinds issued by the kernel.
const (
	KindMSR    = "msr"
	KindIAN    = "ian"
	KindCL     = "cl"
	KindDraw   = "draw"
	KindRepay  = "repay"
	KindIAR    = "iar"
	KindFee    = "fee"
	KindColl   = "coll"
	KindMargin = "margin"
	KindLiq    = "liq"
	KindAlloc  = "alloc"
	KindSeal   = "seal"
	KindMBS    = "mbs"
	KindALR    = "alr"
)

// Version stamped into the <kind>_version field of new receipts.
const Version = "0.1"

var (
	// ErrHashMismatch reports a receipt whose receipt_hash does not match its
	// canonical payload.
	ErrHashMismatch = errors.New("receipt: hash mismatch")
	// ErrSignatureInvalid reports a kernel signature that fails verification.
	ErrSignatureInvalid = errors.New("receipt: signature invalid")
	// ErrMalformed reports a receipt missing its hash or signature fields.
	ErrMalformed = errors.New("receipt: malformed")
)

// Receipt is a content-addressed mapping sealed by the kernel. The
// receipt_hash covers every field except itself and kernel_signature.
type Receipt map[string]any

// Hash returns the stamped receipt_hash, or "" when unsealed.
func (r Receipt) Hash() string {
	h, _ := r["receipt_hash"].(string)
	return h
}

// Signature returns the stamped kernel_signature, or "" when unsealed.
func (r Receipt) Signature() string {
	s, _ := r["kernel_signature"].(string)
	return s
}

// Type returns the receipt_type field.
func (r Receipt) Type() string {
	t, _ := r["receipt_type"].(string)
	return t
}

// RequestHash returns the request_hash the receipt was issued under.
func (r Receipt) RequestHash() string {
	h, _ := r["request_hash"].(string)
	return h
}

// CanonicalJSON serializes the sealed receipt, hash and signature included.
func (r Receipt) CanonicalJSON() ([]byte, error) {
	return canonical.Canonicalize(map[string]any(r))
}

// Clone returns a shallow copy. Nested values are shared; callers treat
// sealed receipts as immutable.
func (r Receipt) Clone() Receipt {
	clone := make(Receipt, len(r))
	for k, v := range r {
		clone[k] = v
	}
	return clone
}

// payloadHash computes the hash over the receipt minus the hash and
// signature fields.
func payloadHash(r Receipt) (string, error) {
	payload := make(map[string]any, len(r))
	for k, v := range r {
		if k == "receipt_hash" || k == "kernel_signature" {
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

// Verify checks that the receipt hash matches its canonical payload and that
// the kernel signature over the hash verifies under kernelPub.
func Verify(r Receipt, kernelPub string) error {
	hash := r.Hash()
	sig := r.Signature()
	if hash == "" || sig == "" {
		return ErrMalformed
	}
	expected, err := payloadHash(r)
	if err != nil {
		return err
	}
	if expected != hash {
		return ErrHashMismatch
	}
	if !crypto.Verify(hash, sig, kernelPub) {
		return ErrSignatureInvalid
	}
	return nil
}

// Signer seals receipts with the kernel keypair. Timestamps are wall-clock
// milliseconds forced monotone across a single process.
type Signer struct {
	keys crypto.Keypair

	mu     sync.Mutex
	lastMS int64
}

// NewSigner wraps the kernel keypair.
func NewSigner(keys crypto.Keypair) *Signer {
	return &Signer{keys: keys}
}

// PublicKey returns the hex kernel public key stamped into receipts.
func (s *Signer) PublicKey() string {
	return s.keys.PublicHex
}

// NowMS returns the current timestamp in milliseconds, never repeating or
// going backwards within the process.
func (s *Signer) NowMS() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UnixMilli()
	if now <= s.lastMS {
		now = s.lastMS + 1
	}
	s.lastMS = now
	return now
}

// versionField maps a receipt kind to its version field name.
func versionField(kind string) string {
	return kind + "_version"
}

// Issue builds and seals a receipt of the given kind. The supplied fields
// are copied; issuer, kernel_pubkey, timestamp_ms, request_hash, the type
// tag, and the kind version are stamped before sealing, so callers provide
// only the kind-specific payload.
func (s *Signer) Issue(kind, requestHash string, fields map[string]any) (Receipt, error) {
	r := make(Receipt, len(fields)+6)
	for k, v := range fields {
		r[k] = v
	}
	r["receipt_type"] = kind
	r[versionField(kind)] = Version
	r["issuer"] = Issuer
	r["kernel_pubkey"] = s.keys.PublicHex
	r["timestamp_ms"] = s.NowMS()
	r["request_hash"] = requestHash
	return s.Seal(r)
}

// SignHash signs an arbitrary hex content hash with the kernel key. Used
// for window heads and other non-receipt attestations.
func (s *Signer) SignHash(hashHex string) (string, error) {
	return crypto.Sign(hashHex, s.keys.PrivateHex)
}

// Seal stamps receipt_hash and kernel_signature onto the receipt. The hash
// covers the receipt as handed in; hash and signature are inserted after it
// is computed so they never cover themselves.
func (s *Signer) Seal(r Receipt) (Receipt, error) {
	if _, ok := r["receipt_hash"]; ok {
		return nil, fmt.Errorf("receipt: already sealed")
	}
	data, err := canonical.Canonicalize(map[string]any(r))
	if err != nil {
		return nil, err
	}
	hash := crypto.Hash(data)
	sig, err := crypto.Sign(hash, s.keys.PrivateHex)
	if err != nil {
		return nil, err
	}
	r["receipt_hash"] = hash
	r["kernel_signature"] = sig
	return r, nil
}
