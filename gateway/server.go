package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	kerrors "primordia/core/errors"
	"primordia/gateway/middleware"
	"primordia/native/alloc"
	"primordia/native/audit"
	"primordia/native/credit"
	"primordia/native/escrow"
	"primordia/native/fees"
	"primordia/native/index"
	"primordia/native/netting"
	"primordia/native/seal"
	"primordia/native/settlement"
	"primordia/native/wallet"
	"primordia/observability/metrics"
	"primordia/receipt"
	"primordia/storage"
)

// Config carries the gateway knobs. Zero values fall back to the defaults
// used in production.
type Config struct {
	PurchaseURL    string
	SealIssueURL   string
	Admin          middleware.AuthConfig
	RateLimits     map[string]middleware.RateLimit
	RequestTimeout time.Duration
	NettingPolicy  netting.VerificationPolicy

	// AuditWalletFloorUsdMicros gates audit-grade MBS/ALR queries. Matches
	// the team pack by default.
	AuditWalletFloorUsdMicros int64
}

// Server dispatches kernel operations to the domain engines.
type Server struct {
	cfg    Config
	db     *gorm.DB
	signer *receipt.Signer

	wallet     *wallet.Engine
	seals      *seal.Engine
	indexer    *index.Engine
	settlement *settlement.Engine
	netting    *netting.Engine
	credit     *credit.Engine
	alloc      *alloc.Engine
	escrow     *escrow.Engine
	audit      *audit.Engine

	metrics *metrics.KernelMetrics
}

// New wires the dispatcher and every engine behind it.
func New(db *gorm.DB, signer *receipt.Signer, cfg Config) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.AuditWalletFloorUsdMicros <= 0 {
		cfg.AuditWalletFloorUsdMicros = fees.PackTeamMinimum
	}
	indexer := index.NewEngine(db, signer)
	return &Server{
		cfg:        cfg,
		db:         db,
		signer:     signer,
		wallet:     wallet.NewEngine(db, cfg.PurchaseURL),
		seals:      seal.NewEngine(db, signer, cfg.SealIssueURL),
		indexer:    indexer,
		settlement: settlement.NewEngine(db, signer),
		netting:    netting.NewEngine(db, signer, indexer, cfg.NettingPolicy),
		credit:     credit.NewEngine(db, signer),
		alloc:      alloc.NewEngine(db, signer),
		escrow:     escrow.NewEngine(db, signer),
		audit:      audit.NewEngine(db, signer),
		metrics:    metrics.Kernel(),
	}
}

// EnsureOpenWindow bootstraps the canonicality clock on startup, opening a
// window only when none is open.
func (s *Server) EnsureOpenWindow(ctx context.Context) (*storage.IndexWindow, error) {
	return s.indexer.EnsureOpen(ctx)
}

// Router builds the HTTP surface. Admin routes require the HMAC JWT scope;
// everything else is open modulo rate limits.
func (s *Server) Router() http.Handler {
	auth := middleware.NewAuthenticator(s.cfg.Admin)
	limiter := middleware.NewRateLimiter(s.cfg.RateLimits)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(s.cfg.RequestTimeout))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.With(limiter.Middleware("verify")).Post("/verify", s.op("verify", s.handleVerify))

		r.Route("/agents", func(r chi.Router) {
			r.Post("/register", s.op("agents.register", s.handleAgentRegister))
			r.Get("/{id}", s.op("agents.get", s.handleAgentGet))
		})
		r.With(limiter.Middleware("settle")).Post("/settle", s.op("settle", s.handleSettle))
		r.With(limiter.Middleware("net")).Post("/net", s.op("net", s.handleNet))

		r.Route("/index", func(r chi.Router) {
			r.Post("/submit", s.op("index.submit", s.handleIndexSubmit))
			r.Get("/head", s.op("index.head", s.handleIndexHead))
			r.Post("/proof", s.op("index.proof", s.handleIndexProof))
			r.Post("/verify_proof", s.op("index.verify_proof", s.handleIndexVerifyProof))
			r.With(auth.RequireAdmin).Post("/open", s.op("index.open", s.handleIndexOpen))
			r.With(auth.RequireAdmin).Post("/close", s.op("index.close", s.handleIndexClose))
		})

		r.Route("/credit", func(r chi.Router) {
			r.Use(limiter.Middleware("credit"))
			r.Post("/line/open", s.op("line.open", s.handleLineOpen))
			r.Post("/line/update", s.op("line.update", s.handleLineUpdate))
			r.Post("/line/close", s.op("line.close", s.handleLineClose))
			r.Get("/line/{id}", s.op("line.get", s.handleLineGet))
			r.Post("/draw", s.op("draw", s.handleDraw))
			r.Post("/repay", s.op("repay", s.handleRepay))
			r.Post("/interest/accrue", s.op("interest.accrue", s.handleAccrue))
			r.Post("/fee/apply", s.op("fee.apply", s.handleFeeApply))
			r.Post("/collateral/lock", s.op("collateral.lock", s.handleCollateralLock))
			r.Post("/collateral/unlock", s.op("collateral.unlock", s.handleCollateralUnlock))
			r.Post("/margin", s.op("margin.call", s.handleMargin))
			r.With(auth.RequireAdmin).Post("/liquidate", s.op("liquidate", s.handleLiquidate))
		})

		r.Route("/alloc", func(r chi.Router) {
			r.Post("/", s.op("allocate", s.handleAllocate))
			r.Get("/allocations/{wallet}", s.op("allocations", s.handleAllocations))
			r.Get("/coverage", s.op("coverage", s.handleCoverage))
		})

		r.Route("/wallet", func(r chi.Router) {
			r.Get("/balance/{id}", s.op("credit.balance", s.handleWalletBalance))
			r.Get("/packs", s.op("credit.packs", s.handleWalletPacks))
			r.With(auth.RequireAdmin).Post("/credit", s.op("credit.topup", s.handleWalletCredit))
		})

		r.Route("/escrow", func(r chi.Router) {
			r.Post("/create", s.op("escrow.create", s.handleEscrowCreate))
			r.Post("/release", s.op("escrow.release", s.handleEscrowRelease))
			r.Post("/dispute", s.op("escrow.dispute", s.handleEscrowDispute))
			r.Post("/expire", s.op("escrow.expire", s.handleEscrowExpire))
			r.Post("/resolve", s.op("escrow.resolve", s.handleEscrowResolve))
			r.Get("/{id}", s.op("escrow.get", s.handleEscrowGet))
		})

		r.Route("/audit", func(r chi.Router) {
			r.Use(limiter.Middleware("audit"))
			r.Post("/mbs", s.op("mbs", s.handleMBS))
			r.Post("/alr", s.op("alr.generate", s.handleALRGenerate))
			r.Get("/alr/status/{agent}", s.op("alr.status", s.handleALRStatus))
		})

		r.Route("/seal", func(r chi.Router) {
			r.With(auth.RequireAdmin).Post("/issue", s.op("seal.issue", s.handleSealIssue))
			r.Get("/{target}", s.op("seal.get", s.handleSealGet))
		})
	})

	return otelhttp.NewHandler(r, "gateway")
}

// op wraps a handler with metric accounting and error translation.
func (s *Server) op(name string, fn func(http.ResponseWriter, *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		err := fn(w, r)
		status := "ok"
		if err != nil {
			err = translateDeadline(r, err)
			var credit *kerrors.CreditRequiredError
			if errors.As(err, &credit) {
				s.metrics.RecordPaywallRejection(name)
			}
			status = errorStatus(err)
			writeError(w, err)
		}
		s.metrics.RecordRequest(name, status)
		s.metrics.ObserveLatency(name, time.Since(start).Seconds())
	}
}

// paywall runs the quoted fee's credit check before a paid operation
// executes, turning an underfunded wallet into a structured 402 instead of a
// mid-operation deduction failure. Idempotency outranks the paywall: a
// request hash with a stored receipt replays for free and skips the check.
func (s *Server) paywall(r *http.Request, payer string, fee int64, requestHash string) error {
	if fee <= 0 || payer == "" {
		return nil
	}
	if requestHash != "" {
		stored, err := receipt.FindByRequestHash(s.db.WithContext(r.Context()), requestHash)
		if err != nil {
			return err
		}
		if stored != nil {
			return nil
		}
	}
	return s.wallet.RequireCredit(r.Context(), payer, fee)
}

// translateDeadline surfaces an exceeded request budget as a typed timeout
// so clients know the retry is safe.
func translateDeadline(r *http.Request, err error) error {
	if r.Context().Err() != nil {
		return kerrors.Wrap(kerrors.KindTimeout, "request deadline exceeded", err)
	}
	return err
}

func errorStatus(err error) string {
	var typed *kerrors.Error
	if errors.As(err, &typed) {
		return string(typed.Kind)
	}
	var credit *kerrors.CreditRequiredError
	if errors.As(err, &credit) {
		return string(kerrors.KindCreditRequired)
	}
	var sealErr *kerrors.SealRequiredError
	if errors.As(err, &sealErr) {
		return string(kerrors.KindSealRequired)
	}
	return string(kerrors.KindInternal)
}

func isNotFound(err error) bool {
	var typed *kerrors.Error
	return errors.As(err, &typed) && typed.Kind == kerrors.KindNotFound
}
