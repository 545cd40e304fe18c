package crypto

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// SaveKeypair writes the hex private seed to path with owner-only
// permissions. The parent directory is created if needed and the write is
// staged through a temp file so a crash never leaves a truncated key.
func SaveKeypair(path string, kp Keypair) error {
	if strings.TrimSpace(kp.PrivateHex) == "" {
		return errors.New("crypto: empty private key")
	}
	if path == "" {
		return errors.New("crypto: empty keystore path")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "keystore-")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(kp.PrivateHex + "\n"); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}

// LoadKeypair reads a hex private seed from path and derives the public key.
func LoadKeypair(path string) (Keypair, error) {
	if path == "" {
		return Keypair{}, errors.New("crypto: empty keystore path")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Keypair{}, err
	}
	private := strings.TrimSpace(string(raw))
	public, err := PublicFromPrivate(private)
	if err != nil {
		return Keypair{}, err
	}
	return Keypair{PrivateHex: private, PublicHex: public}, nil
}

// LoadOrCreateKeypair loads the kernel keypair from path, generating and
// persisting a fresh one when the file does not exist yet.
func LoadOrCreateKeypair(path string) (Keypair, error) {
	kp, err := LoadKeypair(path)
	if err == nil {
		return kp, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return Keypair{}, err
	}
	kp, err = GenerateKeypair()
	if err != nil {
		return Keypair{}, err
	}
	if err := SaveKeypair(path, kp); err != nil {
		return Keypair{}, err
	}
	return kp, nil
}
