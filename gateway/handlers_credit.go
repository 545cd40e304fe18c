package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"primordia/native/credit"
	"primordia/native/fees"
	"primordia/storage"
)

type lineOpenRequest struct {
	Borrower           string `json:"borrower"`
	Lender             string `json:"lender"`
	LimitUsdMicros     int64  `json:"limit_usd_micros"`
	SpreadBps          int64  `json:"spread_bps"`
	MaturityMS         *int64 `json:"maturity_ms"`
	CollateralRatioBps int64  `json:"collateral_ratio_bps"`
	RequestHash        string `json:"request_hash"`
}

// handleLineOpen originates a credit line. Origination is gated on the
// borrower's conformance seal.
func (s *Server) handleLineOpen(w http.ResponseWriter, r *http.Request) error {
	var req lineOpenRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if err := s.seals.Require(r.Context(), req.Borrower); err != nil {
		return err
	}
	if err := s.paywall(r, req.Borrower, fees.LineOpen(req.LimitUsdMicros), req.RequestHash); err != nil {
		return err
	}
	res, err := s.credit.Open(r.Context(), credit.OpenParams{
		Borrower:           req.Borrower,
		Lender:             req.Lender,
		LimitUsdMicros:     req.LimitUsdMicros,
		SpreadBps:          req.SpreadBps,
		MaturityMS:         req.MaturityMS,
		CollateralRatioBps: req.CollateralRatioBps,
	}, req.RequestHash)
	if err != nil {
		return err
	}
	s.writeCreditResult(w, res)
	return nil
}

type lineUpdateRequest struct {
	LineID             string  `json:"line_id"`
	Caller             string  `json:"caller"`
	LimitUsdMicros     *int64  `json:"limit_usd_micros"`
	SpreadBps          *int64  `json:"spread_bps"`
	MaturityMS         *int64  `json:"maturity_ms"`
	CollateralRatioBps *int64  `json:"collateral_ratio_bps"`
	Status             *string `json:"status"`
	RequestHash        string  `json:"request_hash"`
}

func (s *Server) handleLineUpdate(w http.ResponseWriter, r *http.Request) error {
	var req lineUpdateRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if err := s.paywall(r, req.Caller, fees.Quote(fees.OpLineUpdate), req.RequestHash); err != nil {
		return err
	}
	res, err := s.credit.Update(r.Context(), req.LineID, req.Caller, credit.UpdateParams{
		LimitUsdMicros:     req.LimitUsdMicros,
		SpreadBps:          req.SpreadBps,
		MaturityMS:         req.MaturityMS,
		CollateralRatioBps: req.CollateralRatioBps,
		Status:             req.Status,
	}, req.RequestHash)
	if err != nil {
		return err
	}
	s.writeCreditResult(w, res)
	return nil
}

type lineCloseRequest struct {
	LineID      string `json:"line_id"`
	Caller      string `json:"caller"`
	RequestHash string `json:"request_hash"`
}

func (s *Server) handleLineClose(w http.ResponseWriter, r *http.Request) error {
	var req lineCloseRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	res, err := s.credit.Close(r.Context(), req.LineID, req.Caller, req.RequestHash)
	if err != nil {
		return err
	}
	s.writeCreditResult(w, res)
	return nil
}

func (s *Server) handleLineGet(w http.ResponseWriter, r *http.Request) error {
	line, position, err := s.credit.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"line":     lineView(line),
		"position": positionView(position),
	})
	return nil
}

type drawRequest struct {
	LineID          string `json:"line_id"`
	Caller          string `json:"caller"`
	AmountUsdMicros int64  `json:"amount_usd_micros"`
	RequestHash     string `json:"request_hash"`
}

func (s *Server) handleDraw(w http.ResponseWriter, r *http.Request) error {
	var req drawRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if req.AmountUsdMicros > 0 {
		if err := s.paywall(r, req.Caller, fees.Draw(req.AmountUsdMicros), req.RequestHash); err != nil {
			return err
		}
	}
	res, err := s.credit.Draw(r.Context(), req.LineID, req.Caller, req.AmountUsdMicros, req.RequestHash)
	if err != nil {
		return err
	}
	s.writeCreditResult(w, res)
	return nil
}

type repayRequest struct {
	LineID             string `json:"line_id"`
	Caller             string `json:"caller"`
	PrincipalUsdMicros int64  `json:"principal_usd_micros"`
	InterestUsdMicros  int64  `json:"interest_usd_micros"`
	FeesUsdMicros      int64  `json:"fees_usd_micros"`
	RequestHash        string `json:"request_hash"`
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request) error {
	var req repayRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	res, err := s.credit.Repay(r.Context(), req.LineID, req.Caller, credit.RepayParams{
		PrincipalUsdMicros: req.PrincipalUsdMicros,
		InterestUsdMicros:  req.InterestUsdMicros,
		FeesUsdMicros:      req.FeesUsdMicros,
	}, req.RequestHash)
	if err != nil {
		return err
	}
	s.writeCreditResult(w, res)
	return nil
}

type accrueRequest struct {
	LineID      string `json:"line_id"`
	WindowID    string `json:"window_id"`
	Days        int64  `json:"days"`
	RequestHash string `json:"request_hash"`
}

func (s *Server) handleAccrue(w http.ResponseWriter, r *http.Request) error {
	var req accrueRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if err := s.paywallBorrower(r, req.LineID, fees.Quote(fees.OpInterestAccrue), req.RequestHash); err != nil {
		return err
	}
	res, err := s.credit.AccrueInterest(r.Context(), req.LineID, req.WindowID, req.Days, req.RequestHash)
	if err != nil {
		return err
	}
	s.writeCreditResult(w, res)
	return nil
}

type feeApplyRequest struct {
	LineID          string `json:"line_id"`
	AmountUsdMicros int64  `json:"amount_usd_micros"`
	FeeType         string `json:"fee_type"`
	Reason          string `json:"reason"`
	RequestHash     string `json:"request_hash"`
}

func (s *Server) handleFeeApply(w http.ResponseWriter, r *http.Request) error {
	var req feeApplyRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if err := s.paywallBorrower(r, req.LineID, fees.Quote(fees.OpFeeApply), req.RequestHash); err != nil {
		return err
	}
	res, err := s.credit.ApplyFee(r.Context(), req.LineID, req.AmountUsdMicros, req.FeeType, req.Reason, req.RequestHash)
	if err != nil {
		return err
	}
	s.writeCreditResult(w, res)
	return nil
}

type collateralLockRequest struct {
	LineID          string `json:"line_id"`
	AssetRef        string `json:"asset_ref"`
	AssetType       string `json:"asset_type"`
	AmountUsdMicros int64  `json:"amount_usd_micros"`
	RequestHash     string `json:"request_hash"`
}

func (s *Server) handleCollateralLock(w http.ResponseWriter, r *http.Request) error {
	var req collateralLockRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if err := s.paywallBorrower(r, req.LineID, fees.Quote(fees.OpCollateralLock), req.RequestHash); err != nil {
		return err
	}
	res, err := s.credit.LockCollateral(r.Context(), req.LineID, req.AssetRef, req.AssetType, req.AmountUsdMicros, req.RequestHash)
	if err != nil {
		return err
	}
	s.writeCreditResult(w, res)
	return nil
}

type collateralUnlockRequest struct {
	LockID      string `json:"lock_id"`
	RequestHash string `json:"request_hash"`
}

func (s *Server) handleCollateralUnlock(w http.ResponseWriter, r *http.Request) error {
	var req collateralUnlockRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if lock, err := s.credit.LockInfo(r.Context(), req.LockID); err == nil {
		if err := s.paywallBorrower(r, lock.CreditLineID, fees.Quote(fees.OpCollateralUnlk), req.RequestHash); err != nil {
			return err
		}
	}
	res, err := s.credit.UnlockCollateral(r.Context(), req.LockID, req.RequestHash)
	if err != nil {
		return err
	}
	s.writeCreditResult(w, res)
	return nil
}

type marginRequest struct {
	LineID            string `json:"line_id"`
	Action            string `json:"action"`
	CallID            string `json:"call_id"`
	RequiredUsdMicros int64  `json:"required_usd_micros"`
	DueMS             int64  `json:"due_ms"`
	RequestHash       string `json:"request_hash"`
}

func (s *Server) handleMargin(w http.ResponseWriter, r *http.Request) error {
	var req marginRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if err := s.paywallBorrower(r, req.LineID, fees.Quote(fees.OpMarginCall), req.RequestHash); err != nil {
		return err
	}
	res, err := s.credit.Margin(r.Context(), req.LineID, credit.MarginParams{
		Action:            req.Action,
		CallID:            req.CallID,
		RequiredUsdMicros: req.RequiredUsdMicros,
		DueMS:             req.DueMS,
	}, req.RequestHash)
	if err != nil {
		return err
	}
	s.writeCreditResult(w, res)
	return nil
}

type liquidateRequest struct {
	LineID       string `json:"line_id"`
	MarginCallID string `json:"margin_call_id"`
	RequestHash  string `json:"request_hash"`
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) error {
	var req liquidateRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	res, err := s.credit.Liquidate(r.Context(), req.LineID, req.MarginCallID, req.RequestHash)
	if err != nil {
		return err
	}
	s.writeCreditResult(w, res)
	return nil
}

// paywallBorrower resolves the line's borrower, the fee payer for every
// borrower-charged credit operation, and runs the credit check. An unknown
// line passes through so the engine can report the canonical not-found or
// replay outcome.
func (s *Server) paywallBorrower(r *http.Request, lineID string, fee int64, requestHash string) error {
	line, _, err := s.credit.Get(r.Context(), lineID)
	if err != nil {
		return nil
	}
	return s.paywall(r, line.Borrower, fee, requestHash)
}

func (s *Server) writeCreditResult(w http.ResponseWriter, res *credit.Result) {
	if !res.Replayed {
		s.metrics.RecordReceipt(res.Receipt.Type())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"receipt":                res.Receipt,
		"line":                   lineView(res.Line),
		"position":               positionView(res.Position),
		"fee_charged_usd_micros": res.FeeCharged,
		"replayed":               res.Replayed,
	})
}

func lineView(line *storage.CreditLine) map[string]any {
	if line == nil {
		return nil
	}
	return map[string]any{
		"line_id":              line.ID,
		"borrower":             line.Borrower,
		"lender":               line.Lender,
		"limit_usd_micros":     line.LimitUsdMicros,
		"spread_bps":           line.SpreadBps,
		"maturity_ms":          line.MaturityMS,
		"collateral_ratio_bps": line.CollateralRatioBps,
		"status":               line.Status,
	}
}

func positionView(position *storage.CreditPosition) map[string]any {
	if position == nil {
		return nil
	}
	return map[string]any{
		"line_id":              position.CreditLineID,
		"principal_usd_micros": position.PrincipalMicros,
		"interest_usd_micros":  position.InterestMicros,
		"fees_usd_micros":      position.FeesMicros,
		"last_accrual_ms":      position.LastAccrualMS,
		"last_accrual_window":  position.LastAccrualWindow,
	}
}
