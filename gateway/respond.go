package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	kerrors "primordia/core/errors"
)

// writeJSON renders a success payload. Receipts embedded in the payload are
// already canonical maps, so stock JSON encoding round-trips them.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("gateway: encode response", "error", err)
	}
}

// writeError translates typed kernel errors into the wire shapes clients
// dispatch on. Paywall and seal rejections carry remediation fields.
func writeError(w http.ResponseWriter, err error) {
	var credit *kerrors.CreditRequiredError
	if errors.As(err, &credit) {
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":                      string(kerrors.KindCreditRequired),
			"message":                    credit.Error(),
			"required_usd_micros":        credit.RequiredUsdMicros,
			"current_balance_usd_micros": credit.CurrentBalanceUsdMicros,
			"purchase_url":               credit.PurchaseURL,
		})
		return
	}
	var seal *kerrors.SealRequiredError
	if errors.As(err, &seal) {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error":          string(kerrors.KindSealRequired),
			"message":        seal.Error(),
			"target":         seal.Target,
			"seal_issue_url": seal.SealIssueURL,
		})
		return
	}

	kind := kerrors.KindInternal
	var typed *kerrors.Error
	if errors.As(err, &typed) {
		kind = typed.Kind
	}
	status := statusFor(kind)
	message := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("gateway: internal error", "error", err)
		message = "internal error"
	}
	writeJSON(w, status, map[string]any{
		"error":   string(kind),
		"message": message,
	})
}

func statusFor(kind kerrors.Kind) int {
	switch kind {
	case kerrors.KindEncoding, kerrors.KindSignatureInvalid:
		return http.StatusBadRequest
	case kerrors.KindNotFound:
		return http.StatusNotFound
	case kerrors.KindPrecondition, kerrors.KindInsufficientFunds:
		return http.StatusConflict
	case kerrors.KindCreditRequired:
		return http.StatusPaymentRequired
	case kerrors.KindSealRequired:
		return http.StatusForbidden
	case kerrors.KindTimeout:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody parses a JSON request body into dst, rejecting malformed input
// with an encoding error.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return kerrors.Wrap(kerrors.KindEncoding, "malformed request body", err)
	}
	return nil
}
