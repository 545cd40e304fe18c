package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kernel.toml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":8651" {
		t.Fatalf("unexpected default listen address %q", cfg.ListenAddress)
	}
	if cfg.DatabasePath == "" {
		t.Fatalf("default config must point at a sqlite path")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config file must be written: %v", err)
	}

	// Reload parses what was written.
	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.ListenAddress != cfg.ListenAddress {
		t.Fatalf("reload mismatch: %q vs %q", reloaded.ListenAddress, cfg.ListenAddress)
	}
	if len(reloaded.RateLimits) == 0 {
		t.Fatalf("default rate limits must survive a round trip")
	}
}

func TestLoadParsesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kernel.toml")
	body := `
ListenAddress = ":9000"
DatabaseDSN = "host=db user=kernel dbname=primordia"
AdminHMACSecret = "s3cret"
RequestTimeoutSeconds = 10
TrustedNettingInputs = true

[RateLimits.net]
RequestsPerMinute = 12.0
Burst = 3
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":9000" || cfg.DatabaseDSN == "" {
		t.Fatalf("parsed fields missing: %+v", cfg)
	}
	if !cfg.TrustedNettingInputs {
		t.Fatalf("TrustedNettingInputs must parse")
	}
	if limit := cfg.RateLimits["net"]; limit.RequestsPerMinute != 12 || limit.Burst != 3 {
		t.Fatalf("unexpected net rate limit: %+v", limit)
	}
	if cfg.AuditWalletFloorUsdMicros != 25_000_000_000 {
		t.Fatalf("audit floor default missing: %d", cfg.AuditWalletFloorUsdMicros)
	}
	if cfg.KernelKeyPath != filepath.Join(dir, "kernel_key.json") {
		t.Fatalf("kernel key path default missing: %q", cfg.KernelKeyPath)
	}
}

func TestValidateRejectsBadLimits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kernel.toml")
	body := `
ListenAddress = ":9000"
DatabasePath = "kernel.db"

[RateLimits.verify]
RequestsPerMinute = 0.0
Burst = 1
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("zero-rate limit must be rejected")
	}
}
