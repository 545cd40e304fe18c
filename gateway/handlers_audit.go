package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	kerrors "primordia/core/errors"
	"primordia/native/fees"
	"primordia/native/wallet"
	"primordia/receipt"
)

type mbsRequest struct {
	Agent          string `json:"agent"`
	IncludePending bool   `json:"include_pending"`
	RequestHash    string `json:"request_hash"`
}

// handleMBS derives and seals a balance summary. Audit queries are gated on
// the agent's seal and on the team-pack wallet floor; the flat fee is
// charged by the dispatcher and refunded if derivation fails.
func (s *Server) handleMBS(w http.ResponseWriter, r *http.Request) error {
	var req mbsRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if req.RequestHash == "" {
		return kerrors.New(kerrors.KindPrecondition, "request_hash is required")
	}
	if replayed, err := s.replayStored(w, r, req.RequestHash); replayed || err != nil {
		return err
	}
	if err := s.seals.Require(r.Context(), req.Agent); err != nil {
		return err
	}
	fee := fees.Quote(fees.OpMBSQuery)
	if err := s.wallet.RequireCredit(r.Context(), req.Agent, s.cfg.AuditWalletFloorUsdMicros); err != nil {
		return err
	}
	if _, err := s.wallet.Deduct(r.Context(), req.Agent, fee, wallet.TxFee, "mbs:"+req.RequestHash); err != nil {
		return err
	}
	summary, sealed, err := s.audit.BalanceSummary(r.Context(), req.Agent, req.IncludePending, req.RequestHash)
	if err != nil {
		if _, refundErr := s.wallet.Credit(r.Context(), req.Agent, fee, wallet.TxRefund, "mbs:"+req.RequestHash); refundErr != nil {
			return kerrors.Wrap(kerrors.KindInternal, "mbs refund failed", refundErr)
		}
		return err
	}
	s.metrics.RecordReceipt(sealed.Type())
	writeJSON(w, http.StatusOK, map[string]any{
		"summary":                summary,
		"receipt":                sealed,
		"fee_charged_usd_micros": fee,
		"replayed":               false,
	})
	return nil
}

type alrRequest struct {
	Agent         string `json:"agent"`
	Format        string `json:"format"`
	PeriodStartMS int64  `json:"period_start_ms"`
	PeriodEndMS   int64  `json:"period_end_ms"`
	RequestHash   string `json:"request_hash"`
}

func (s *Server) handleALRGenerate(w http.ResponseWriter, r *http.Request) error {
	var req alrRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if req.RequestHash == "" {
		return kerrors.New(kerrors.KindPrecondition, "request_hash is required")
	}
	if replayed, err := s.replayStored(w, r, req.RequestHash); replayed || err != nil {
		return err
	}
	if err := s.seals.Require(r.Context(), req.Agent); err != nil {
		return err
	}
	fee := fees.Quote(fees.OpALRGenerate)
	if err := s.wallet.RequireCredit(r.Context(), req.Agent, s.cfg.AuditWalletFloorUsdMicros); err != nil {
		return err
	}
	if _, err := s.wallet.Deduct(r.Context(), req.Agent, fee, wallet.TxFee, "alr:"+req.RequestHash); err != nil {
		return err
	}
	report, sealed, err := s.audit.LiabilityReport(r.Context(), req.Agent, req.Format, req.PeriodStartMS, req.PeriodEndMS, req.RequestHash)
	if err != nil {
		if _, refundErr := s.wallet.Credit(r.Context(), req.Agent, fee, wallet.TxRefund, "alr:"+req.RequestHash); refundErr != nil {
			return kerrors.Wrap(kerrors.KindInternal, "alr refund failed", refundErr)
		}
		return err
	}
	s.metrics.RecordReceipt(sealed.Type())
	body := map[string]any{
		"report":                 report,
		"receipt":                sealed,
		"fee_charged_usd_micros": fee,
		"replayed":               false,
	}
	if len(report.Export) > 0 {
		body["export"] = string(report.Export)
	}
	writeJSON(w, http.StatusOK, body)
	return nil
}

func (s *Server) handleALRStatus(w http.ResponseWriter, r *http.Request) error {
	status, err := s.audit.Status(r.Context(), chi.URLParam(r, "agent"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, status)
	return nil
}

type sealIssueRequest struct {
	Target          string `json:"target"`
	ConformanceHash string `json:"conformance_hash"`
	RequestHash     string `json:"request_hash"`
}

// handleSealIssue stamps an agent as conformant. Admin only; the issuance
// fee is charged to the target's wallet.
func (s *Server) handleSealIssue(w http.ResponseWriter, r *http.Request) error {
	var req sealIssueRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if req.RequestHash == "" {
		return kerrors.New(kerrors.KindPrecondition, "request_hash is required")
	}
	if replayed, err := s.replayStored(w, r, req.RequestHash); replayed || err != nil {
		return err
	}
	fee := fees.Quote(fees.OpSealIssue)
	if err := s.wallet.RequireCredit(r.Context(), req.Target, fee); err != nil {
		return err
	}
	if _, err := s.wallet.Deduct(r.Context(), req.Target, fee, wallet.TxFee, "seal:"+req.RequestHash); err != nil {
		return err
	}
	sealed, err := s.seals.Issue(r.Context(), req.Target, req.ConformanceHash, req.RequestHash)
	if err != nil {
		if _, refundErr := s.wallet.Credit(r.Context(), req.Target, fee, wallet.TxRefund, "seal:"+req.RequestHash); refundErr != nil {
			return kerrors.Wrap(kerrors.KindInternal, "seal refund failed", refundErr)
		}
		return err
	}
	s.metrics.RecordReceipt(sealed.Type())
	writeJSON(w, http.StatusOK, map[string]any{
		"receipt":                sealed,
		"fee_charged_usd_micros": fee,
		"replayed":               false,
	})
	return nil
}

func (s *Server) handleSealGet(w http.ResponseWriter, r *http.Request) error {
	row, err := s.seals.Get(r.Context(), chi.URLParam(r, "target"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"target":           row.Target,
		"conformance_hash": row.ConformanceHash,
		"receipt_hash":     row.ReceiptHash,
		"issued_ms":        row.IssuedMS,
	})
	return nil
}

// replayStored serves the idempotency lookup for dispatcher-charged
// operations. A stored receipt is returned byte-identical with a zero fee.
func (s *Server) replayStored(w http.ResponseWriter, r *http.Request, requestHash string) (bool, error) {
	stored, err := receipt.FindByRequestHash(s.db.WithContext(r.Context()), requestHash)
	if err != nil {
		return false, err
	}
	if stored == nil {
		return false, nil
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"receipt":                stored,
		"fee_charged_usd_micros": int64(0),
		"replayed":               true,
	})
	return true, nil
}
