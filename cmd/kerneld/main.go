package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"primordia/config"
	"primordia/crypto"
	"primordia/gateway"
	"primordia/gateway/middleware"
	"primordia/native/netting"
	"primordia/observability/logging"
	"primordia/receipt"
	"primordia/storage"
)

func main() {
	configPath := flag.String("config", "kernel.toml", "path to the kernel configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "kerneld: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var fileCfg *logging.FileConfig
	if cfg.LogFile != "" {
		fileCfg = &logging.FileConfig{Path: cfg.LogFile, MaxMB: cfg.LogFileMaxMB, Backups: cfg.LogFileBackups}
	}
	logger := logging.Setup("kerneld", cfg.Environment, fileCfg)
	logger.Info("configuration loaded",
		"listen", cfg.ListenAddress,
		logging.MaskField("admin_secret", cfg.AdminHMACSecret),
	)

	dsn := cfg.DatabaseDSN
	if dsn == "" {
		dsn = cfg.DatabasePath
	}
	db, err := storage.Open(dsn)
	if err != nil {
		return err
	}
	if err := storage.AutoMigrate(db); err != nil {
		return err
	}

	keys, err := crypto.LoadOrCreateKeypair(cfg.KernelKeyPath)
	if err != nil {
		return err
	}
	signer := receipt.NewSigner(keys)
	logger.Info("kernel key ready", "public_key", keys.PublicHex)

	policy := netting.Strict
	if cfg.TrustedNettingInputs {
		policy = netting.TrustedInputs
	}
	limits := make(map[string]middleware.RateLimit, len(cfg.RateLimits))
	for group, limit := range cfg.RateLimits {
		limits[group] = middleware.RateLimit{
			RequestsPerMinute: limit.RequestsPerMinute,
			Burst:             limit.Burst,
		}
	}
	server := gateway.New(db, signer, gateway.Config{
		PurchaseURL:  cfg.PurchaseURL,
		SealIssueURL: cfg.SealIssueURL,
		Admin: middleware.AuthConfig{
			HMACSecret: cfg.AdminHMACSecret,
			Issuer:     cfg.AdminIssuer,
		},
		RateLimits:                limits,
		RequestTimeout:            cfg.RequestTimeout(),
		NettingPolicy:             policy,
		AuditWalletFloorUsdMicros: cfg.AuditWalletFloorUsdMicros,
	})

	// The canonicality clock resumes from storage; open a window if none
	// survived the restart.
	window, err := server.EnsureOpenWindow(context.Background())
	if err != nil {
		return err
	}
	logger.Info("index window ready", "window_id", window.ID, "leaf_count", window.LeafCount)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "address", cfg.ListenAddress)
		errCh <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	return nil
}
