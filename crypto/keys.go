package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"lukechampine.com/blake3"
)

var (
	errBadPrivateKey = errors.New("crypto: private key must be a 32-byte hex seed")
	errBadMessage    = errors.New("crypto: message hash must be valid hex")
)

// Keypair holds a hex-encoded Ed25519 keypair. The private key is the
// 32-byte seed, matching the wire representation agents exchange.
type Keypair struct {
	PrivateHex string
	PublicHex  string
}

// GenerateKeypair produces a fresh Ed25519 keypair with both halves
// hex-encoded.
func GenerateKeypair() (Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Keypair{}, fmt.Errorf("crypto: generate keypair: %w", err)
	}
	return Keypair{
		PrivateHex: hex.EncodeToString(priv.Seed()),
		PublicHex:  hex.EncodeToString(pub),
	}, nil
}

// Hash computes the BLAKE3-256 digest of data and returns it hex-encoded.
func Hash(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Sign signs the raw bytes of the supplied hex message hash with the
// hex-encoded private seed and returns the signature as hex. The signature
// covers the hash bytes, not the hex text.
func Sign(messageHashHex, privateHex string) (string, error) {
	message, err := hex.DecodeString(messageHashHex)
	if err != nil {
		return "", errBadMessage
	}
	seed, err := hex.DecodeString(privateHex)
	if err != nil || len(seed) != ed25519.SeedSize {
		return "", errBadPrivateKey
	}
	key := ed25519.NewKeyFromSeed(seed)
	return hex.EncodeToString(ed25519.Sign(key, message)), nil
}

// Verify reports whether signature is a valid Ed25519 signature over the raw
// bytes of the hex message hash. It is total: malformed hex, wrong-length
// keys, and truncated signatures all return false rather than an error.
func Verify(messageHashHex, signatureHex, publicHex string) bool {
	message, err := hex.DecodeString(messageHashHex)
	if err != nil {
		return false
	}
	signature, err := hex.DecodeString(signatureHex)
	if err != nil || len(signature) != ed25519.SignatureSize {
		return false
	}
	public, err := hex.DecodeString(publicHex)
	if err != nil || len(public) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(public), message, signature)
}

// PublicFromPrivate derives the hex public key from a hex private seed.
func PublicFromPrivate(privateHex string) (string, error) {
	seed, err := hex.DecodeString(privateHex)
	if err != nil || len(seed) != ed25519.SeedSize {
		return "", errBadPrivateKey
	}
	key := ed25519.NewKeyFromSeed(seed)
	return hex.EncodeToString(key.Public().(ed25519.PublicKey)), nil
}
