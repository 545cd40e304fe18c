package gateway

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	kerrors "primordia/core/errors"
	"primordia/native/escrow"
	"primordia/native/fees"
	"primordia/native/wallet"
	"primordia/storage"
)

type allocateRequest struct {
	FromWallet      string  `json:"from_wallet"`
	ToWallet        string  `json:"to_wallet"`
	AmountUsdMicros int64   `json:"amount_usd_micros"`
	WindowID        *uint64 `json:"window_id"`
	RequestHash     string  `json:"request_hash"`
}

func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) error {
	var req allocateRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if req.AmountUsdMicros > 0 {
		// The source covers the transfer plus the fee in one deduction.
		required := req.AmountUsdMicros + fees.Allocate(req.AmountUsdMicros)
		if err := s.paywall(r, req.FromWallet, required, req.RequestHash); err != nil {
			return err
		}
	}
	res, err := s.alloc.Allocate(r.Context(), req.FromWallet, req.ToWallet, req.AmountUsdMicros, req.WindowID, req.RequestHash)
	if err != nil {
		return err
	}
	if !res.Replayed {
		s.metrics.RecordReceipt(res.Receipt.Type())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"receipt":                res.Receipt,
		"allocation":             allocationView(res.Allocation),
		"fee_charged_usd_micros": res.FeeCharged,
		"replayed":               res.Replayed,
	})
	return nil
}

func (s *Server) handleAllocations(w http.ResponseWriter, r *http.Request) error {
	rows, err := s.alloc.Allocations(r.Context(), chi.URLParam(r, "wallet"))
	if err != nil {
		return err
	}
	views := make([]map[string]any, len(rows))
	for i := range rows {
		views[i] = allocationView(&rows[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"allocations": views})
	return nil
}

func (s *Server) handleCoverage(w http.ResponseWriter, r *http.Request) error {
	walletID := r.URL.Query().Get("wallet")
	windowID, err := strconv.ParseUint(r.URL.Query().Get("window_id"), 10, 64)
	if err != nil {
		return kerrors.New(kerrors.KindEncoding, "window_id must be an unsigned integer")
	}
	coverage, err := s.alloc.Coverage(r.Context(), walletID, windowID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, coverage)
	return nil
}

func allocationView(a *storage.Allocation) map[string]any {
	if a == nil {
		return nil
	}
	return map[string]any{
		"allocation_id":     a.ID,
		"from_wallet":       a.FromWallet,
		"to_wallet":         a.ToWallet,
		"amount_usd_micros": a.AmountUsdMicros,
		"fee_usd_micros":    a.FeeUsdMicros,
		"window_id":         a.WindowID,
		"receipt_hash":      a.ReceiptHash,
	}
}

func (s *Server) handleWalletBalance(w http.ResponseWriter, r *http.Request) error {
	walletID := chi.URLParam(r, "id")
	balance, err := s.wallet.Balance(r.Context(), walletID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"wallet":             walletID,
		"balance_usd_micros": balance,
	})
	return nil
}

func (s *Server) handleWalletPacks(w http.ResponseWriter, _ *http.Request) error {
	writeJSON(w, http.StatusOK, map[string]any{"packs": wallet.Packs()})
	return nil
}

type walletCreditRequest struct {
	Wallet          string `json:"wallet"`
	AmountUsdMicros int64  `json:"amount_usd_micros"`
	Reference       string `json:"reference"`
}

// handleWalletCredit applies an external top-up. The payment gateway calls
// this after a purchase clears, so it sits behind the admin token.
func (s *Server) handleWalletCredit(w http.ResponseWriter, r *http.Request) error {
	var req walletCreditRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	balance, err := s.wallet.Credit(r.Context(), req.Wallet, req.AmountUsdMicros, wallet.TxCredit, req.Reference)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"wallet":             req.Wallet,
		"balance_usd_micros": balance,
	})
	return nil
}

type escrowCreateRequest struct {
	Buyer           string `json:"buyer"`
	Seller          string `json:"seller"`
	AmountUsdMicros int64  `json:"amount_usd_micros"`
	Description     string `json:"description"`
	ExpiresMS       int64  `json:"expires_ms"`
	RequestHash     string `json:"request_hash"`
}

func (s *Server) handleEscrowCreate(w http.ResponseWriter, r *http.Request) error {
	var req escrowCreateRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	res, err := s.escrow.Create(r.Context(), req.Buyer, req.Seller, req.AmountUsdMicros, req.Description, req.ExpiresMS, req.RequestHash)
	if err != nil {
		return err
	}
	s.writeEscrowResult(w, res)
	return nil
}

type escrowActionRequest struct {
	EscrowID    string `json:"escrow_id"`
	Caller      string `json:"caller"`
	Reason      string `json:"reason"`
	NowMS       int64  `json:"now_ms"`
	Outcome     string `json:"outcome"`
	RequestHash string `json:"request_hash"`
}

func (s *Server) handleEscrowRelease(w http.ResponseWriter, r *http.Request) error {
	var req escrowActionRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	res, err := s.escrow.Release(r.Context(), req.EscrowID, req.Caller, req.RequestHash)
	if err != nil {
		return err
	}
	s.writeEscrowResult(w, res)
	return nil
}

func (s *Server) handleEscrowDispute(w http.ResponseWriter, r *http.Request) error {
	var req escrowActionRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	res, err := s.escrow.Dispute(r.Context(), req.EscrowID, req.Caller, req.Reason, req.RequestHash)
	if err != nil {
		return err
	}
	s.writeEscrowResult(w, res)
	return nil
}

func (s *Server) handleEscrowExpire(w http.ResponseWriter, r *http.Request) error {
	var req escrowActionRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	nowMS := req.NowMS
	if nowMS == 0 {
		nowMS = s.signer.NowMS()
	}
	res, err := s.escrow.Expire(r.Context(), req.EscrowID, nowMS, req.RequestHash)
	if err != nil {
		return err
	}
	s.writeEscrowResult(w, res)
	return nil
}

func (s *Server) handleEscrowResolve(w http.ResponseWriter, r *http.Request) error {
	var req escrowActionRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if err := s.paywall(r, req.Caller, fees.Quote(fees.OpDefaultResolve), req.RequestHash); err != nil {
		return err
	}
	res, err := s.escrow.Resolve(r.Context(), req.EscrowID, req.Caller, escrow.ResolveParams{
		Outcome: req.Outcome,
		Reason:  req.Reason,
	}, req.RequestHash)
	if err != nil {
		return err
	}
	s.writeEscrowResult(w, res)
	return nil
}

func (s *Server) handleEscrowGet(w http.ResponseWriter, r *http.Request) error {
	row, err := s.escrow.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"escrow": escrowView(row)})
	return nil
}

func (s *Server) writeEscrowResult(w http.ResponseWriter, res *escrow.Result) {
	if !res.Replayed {
		s.metrics.RecordReceipt(res.Receipt.Type())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"receipt":                res.Receipt,
		"escrow":                 escrowView(res.Escrow),
		"fee_charged_usd_micros": res.FeeCharged,
		"replayed":               res.Replayed,
	})
}

func escrowView(e *storage.Escrow) map[string]any {
	if e == nil {
		return nil
	}
	return map[string]any{
		"escrow_id":         e.ID,
		"buyer":             e.Buyer,
		"seller":            e.Seller,
		"amount_usd_micros": e.AmountUsdMicros,
		"description":       e.Description,
		"expires_ms":        e.ExpiresMS,
		"status":            e.Status,
		"release_receipt":   e.ReleaseReceipt,
	}
}
