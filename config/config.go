package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// RateLimit configures one route group's per-client budget.
type RateLimit struct {
	RequestsPerMinute float64 `toml:"RequestsPerMinute"`
	Burst             int     `toml:"Burst"`
}

// Config is the kernel daemon configuration, loaded from TOML.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DatabaseDSN   string `toml:"DatabaseDSN"`
	DatabasePath  string `toml:"DatabasePath"`
	KernelKeyPath string `toml:"KernelKeyPath"`
	Environment   string `toml:"Environment"`

	PurchaseURL  string `toml:"PurchaseURL"`
	SealIssueURL string `toml:"SealIssueURL"`

	AdminHMACSecret string `toml:"AdminHMACSecret"`
	AdminIssuer     string `toml:"AdminIssuer"`

	RequestTimeoutSeconds int  `toml:"RequestTimeoutSeconds"`
	TrustedNettingInputs  bool `toml:"TrustedNettingInputs"`

	AuditWalletFloorUsdMicros int64 `toml:"AuditWalletFloorUsdMicros"`

	LogFile        string `toml:"LogFile"`
	LogFileMaxMB   int    `toml:"LogFileMaxMB"`
	LogFileBackups int    `toml:"LogFileBackups"`

	RateLimits map[string]RateLimit `toml:"RateLimits"`
}

// Load reads the configuration, writing a commented default file when none
// exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	applyDefaults(path, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// RequestTimeout returns the end-to-end request budget.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("config: ListenAddress is required")
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" && strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("config: one of DatabaseDSN or DatabasePath is required")
	}
	if c.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("config: RequestTimeoutSeconds must be positive")
	}
	for group, limit := range c.RateLimits {
		if limit.RequestsPerMinute <= 0 || limit.Burst <= 0 {
			return fmt.Errorf("config: rate limit %q needs positive rate and burst", group)
		}
	}
	return nil
}

func applyDefaults(path string, cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8651"
	}
	if strings.TrimSpace(cfg.KernelKeyPath) == "" {
		cfg.KernelKeyPath = filepath.Join(filepath.Dir(path), "kernel_key.json")
	}
	if cfg.RequestTimeoutSeconds <= 0 {
		cfg.RequestTimeoutSeconds = 30
	}
	if cfg.AuditWalletFloorUsdMicros <= 0 {
		cfg.AuditWalletFloorUsdMicros = 25_000_000_000
	}
	if cfg.LogFileMaxMB <= 0 {
		cfg.LogFileMaxMB = 100
	}
	if cfg.LogFileBackups <= 0 {
		cfg.LogFileBackups = 5
	}
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{
		ListenAddress:         ":8651",
		DatabasePath:          filepath.Join(filepath.Dir(path), "kernel.db"),
		Environment:           "local",
		RequestTimeoutSeconds: 30,
		RateLimits: map[string]RateLimit{
			"verify": {RequestsPerMinute: 600, Burst: 60},
			"settle": {RequestsPerMinute: 300, Burst: 30},
			"net":    {RequestsPerMinute: 60, Burst: 10},
			"credit": {RequestsPerMinute: 120, Burst: 20},
			"audit":  {RequestsPerMinute: 30, Burst: 5},
		},
	}
	applyDefaults(path, cfg)

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create config dir: %w", err)
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create config %s: %w", path, err)
	}
	defer file.Close()
	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return nil, fmt.Errorf("write default config: %w", err)
	}
	return cfg, nil
}
