package errors

import (
	"fmt"
)

// Kind is the stable error code surfaced at the request boundary.
type Kind string

const (
	KindEncoding          Kind = "encoding_error"
	KindSignatureInvalid  Kind = "signature_invalid"
	KindNotFound          Kind = "not_found"
	KindPrecondition      Kind = "precondition_failed"
	KindInsufficientFunds Kind = "insufficient_funds"
	KindCreditRequired    Kind = "credit_required"
	KindSealRequired      Kind = "seal_required"
	KindTimeout           Kind = "timeout"
	KindInternal          Kind = "internal"
)

// Error is the typed error domain engines raise and the dispatcher
// translates to response shapes.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a typed kernel error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds a typed kernel error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a typed kernel error.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// CreditRequiredError is the structured paywall rejection. It carries enough
// metadata for a client agent to self-remediate.
type CreditRequiredError struct {
	RequiredUsdMicros       int64
	CurrentBalanceUsdMicros int64
	PurchaseURL             string
}

func (e *CreditRequiredError) Error() string {
	return fmt.Sprintf("credit required: need %d usd-micros, balance %d",
		e.RequiredUsdMicros, e.CurrentBalanceUsdMicros)
}

// SealRequiredError is the structured gate rejection for unsealed agents.
type SealRequiredError struct {
	Target       string
	SealIssueURL string
}

func (e *SealRequiredError) Error() string {
	return fmt.Sprintf("seal required for %s", e.Target)
}
