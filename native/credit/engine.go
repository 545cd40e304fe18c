package credit

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"primordia/canonical"
	kerrors "primordia/core/errors"
	"primordia/crypto"
	"primordia/native/fees"
	"primordia/native/wallet"
	"primordia/receipt"
	"primordia/storage"
)

var (
	errNotBorrower  = errors.New("credit engine: caller is not the borrower")
	errNotParty     = errors.New("credit engine: caller is not a party to the line")
	errLineInactive = errors.New("credit engine: line is not active")
	errLineTerminal = errors.New("credit engine: line is closed or liquidated")
)

// Event types appended to the per-line log.
const (
	EventOpen       = "open"
	EventUpdate     = "update"
	EventClose      = "close"
	EventDraw       = "draw"
	EventRepay      = "repay"
	EventAccrue     = "interest_accrue"
	EventFeeApply   = "fee_apply"
	EventCollateral = "collateral"
	EventMargin     = "margin"
	EventLiquidate  = "liquidate"
)

// Result is the uniform response for credit operations: the sealed receipt,
// the post-operation line and position, and the fee actually charged.
// Replays return the stored receipt with a fresh snapshot and zero fee.
type Result struct {
	Receipt    receipt.Receipt
	Line       *storage.CreditLine
	Position   *storage.CreditPosition
	FeeCharged int64
	Replayed   bool
}

// Engine drives the credit-line state machine. Every mutation runs in one
// transaction covering the fee deduction, the row updates, the event append,
// and the receipt store, so a crash can never half-apply an operation.
type Engine struct {
	db     *gorm.DB
	signer *receipt.Signer
}

// NewEngine wires the credit engine.
func NewEngine(db *gorm.DB, signer *receipt.Signer) *Engine {
	return &Engine{db: db, signer: signer}
}

// OpenParams are the inputs to Open. Zero SpreadBps and CollateralRatioBps
// take the defaults (200 bps spread, 150% collateral ratio).
type OpenParams struct {
	Borrower           string
	Lender             string
	LimitUsdMicros     int64
	SpreadBps          int64
	MaturityMS         *int64
	CollateralRatioBps int64
}

// Open originates a credit line. The line id is content-derived so the same
// open request always names the same line. Fee: 50 bps of the limit, $50
// minimum, charged to the borrower.
func (e *Engine) Open(ctx context.Context, p OpenParams, requestHash string) (*Result, error) {
	if p.Borrower == "" || p.Lender == "" || p.Borrower == p.Lender {
		return nil, kerrors.New(kerrors.KindPrecondition, "borrower and lender must differ")
	}
	if p.LimitUsdMicros <= 0 {
		return nil, kerrors.New(kerrors.KindPrecondition, "limit must be positive")
	}
	if p.SpreadBps < 0 {
		return nil, kerrors.New(kerrors.KindPrecondition, "spread_bps cannot be negative")
	}
	if p.SpreadBps == 0 {
		p.SpreadBps = 200
	}
	if p.CollateralRatioBps == 0 {
		p.CollateralRatioBps = 15_000
	}

	if replay, err := e.replay(ctx, requestHash); err != nil || replay != nil {
		return replay, err
	}

	lineID, err := deriveLineID(p, requestHash)
	if err != nil {
		return nil, err
	}
	fee := fees.LineOpen(p.LimitUsdMicros)

	var out *Result
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := wallet.DeductTx(tx, p.Borrower, fee, wallet.TxFee, "line_open:"+lineID); err != nil {
			return err
		}
		line := storage.CreditLine{
			ID:                 lineID,
			Borrower:           p.Borrower,
			Lender:             p.Lender,
			LimitUsdMicros:     p.LimitUsdMicros,
			SpreadBps:          p.SpreadBps,
			MaturityMS:         p.MaturityMS,
			CollateralRatioBps: p.CollateralRatioBps,
			Status:             storage.LineActive,
		}
		if err := tx.Create(&line).Error; err != nil {
			return fmt.Errorf("credit engine: create line: %w", err)
		}
		position := storage.CreditPosition{CreditLineID: lineID}
		if err := tx.Create(&position).Error; err != nil {
			return fmt.Errorf("credit engine: create position: %w", err)
		}

		fields := map[string]any{
			"action":               "open",
			"line_id":              lineID,
			"borrower":             p.Borrower,
			"lender":               p.Lender,
			"limit_usd_micros":     p.LimitUsdMicros,
			"spread_bps":           p.SpreadBps,
			"collateral_ratio_bps": p.CollateralRatioBps,
			"status":               storage.LineActive,
			"seal_required":        true,
			"fee_usd_micros":       fee,
		}
		if p.MaturityMS != nil {
			fields["maturity_ms"] = *p.MaturityMS
		}
		r, err := e.seal(tx, receipt.KindCL, requestHash, fields)
		if err != nil {
			return err
		}
		if err := appendEvent(tx, lineID, EventOpen, requestHash, r, eventDeltas{fee: fee}); err != nil {
			return err
		}
		out = &Result{Receipt: r, Line: &line, Position: &position, FeeCharged: fee}
		return nil
	})
	if err != nil {
		return e.replayOnConflict(ctx, requestHash, err)
	}
	return out, nil
}

// UpdateParams carries the mutable line attributes. Nil fields stay as-is.
type UpdateParams struct {
	LimitUsdMicros     *int64
	SpreadBps          *int64
	MaturityMS         *int64
	CollateralRatioBps *int64
	Status             *string
}

// Update amends a non-terminal line. Only the lender may change economic
// terms; status may only move between active and suspended. Flat $10 fee,
// charged to the caller.
func (e *Engine) Update(ctx context.Context, lineID, caller string, p UpdateParams, requestHash string) (*Result, error) {
	if p.SpreadBps != nil && *p.SpreadBps < 0 {
		return nil, kerrors.New(kerrors.KindPrecondition, "spread_bps cannot be negative")
	}
	if replay, err := e.replay(ctx, requestHash); err != nil || replay != nil {
		return replay, err
	}

	fee := fees.Quote(fees.OpLineUpdate)
	var out *Result
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		line, err := lockLine(tx, lineID)
		if err != nil {
			return err
		}
		if line.Status == storage.LineClosed || line.Status == storage.LineLiquidated {
			return kerrors.Wrap(kerrors.KindPrecondition, "line update", errLineTerminal)
		}
		if caller != line.Lender {
			return kerrors.Wrap(kerrors.KindPrecondition, "line update", errNotParty)
		}
		if _, err := wallet.DeductTx(tx, caller, fee, wallet.TxFee, "line_update:"+lineID); err != nil {
			return err
		}

		changes := map[string]any{}
		if p.LimitUsdMicros != nil {
			if *p.LimitUsdMicros <= 0 {
				return kerrors.New(kerrors.KindPrecondition, "limit must be positive")
			}
			line.LimitUsdMicros = *p.LimitUsdMicros
			changes["limit_usd_micros"] = *p.LimitUsdMicros
		}
		if p.SpreadBps != nil {
			line.SpreadBps = *p.SpreadBps
			changes["spread_bps"] = *p.SpreadBps
		}
		if p.MaturityMS != nil {
			line.MaturityMS = p.MaturityMS
			changes["maturity_ms"] = *p.MaturityMS
		}
		if p.CollateralRatioBps != nil {
			line.CollateralRatioBps = *p.CollateralRatioBps
			changes["collateral_ratio_bps"] = *p.CollateralRatioBps
		}
		if p.Status != nil {
			if *p.Status != storage.LineActive && *p.Status != storage.LineSuspended {
				return kerrors.Newf(kerrors.KindPrecondition, "cannot move line to %s via update", *p.Status)
			}
			line.Status = *p.Status
			changes["status"] = *p.Status
		}
		if len(changes) == 0 {
			return kerrors.New(kerrors.KindPrecondition, "update carries no changes")
		}
		if err := tx.Save(line).Error; err != nil {
			return fmt.Errorf("credit engine: persist update: %w", err)
		}

		fields := map[string]any{
			"action":         "update",
			"line_id":        lineID,
			"changes":        changes,
			"status":         line.Status,
			"fee_usd_micros": fee,
		}
		r, err := e.seal(tx, receipt.KindCL, requestHash, fields)
		if err != nil {
			return err
		}
		if err := appendEvent(tx, lineID, EventUpdate, requestHash, r, eventDeltas{fee: fee}); err != nil {
			return err
		}
		position, err := loadPosition(tx, lineID)
		if err != nil {
			return err
		}
		out = &Result{Receipt: r, Line: line, Position: position, FeeCharged: fee}
		return nil
	})
	if err != nil {
		return e.replayOnConflict(ctx, requestHash, err)
	}
	return out, nil
}

// Close retires a line whose position is fully repaid. Either party may
// close. No fee.
func (e *Engine) Close(ctx context.Context, lineID, caller, requestHash string) (*Result, error) {
	if replay, err := e.replay(ctx, requestHash); err != nil || replay != nil {
		return replay, err
	}

	var out *Result
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		line, err := lockLine(tx, lineID)
		if err != nil {
			return err
		}
		if line.Status == storage.LineClosed || line.Status == storage.LineLiquidated {
			return kerrors.Wrap(kerrors.KindPrecondition, "line close", errLineTerminal)
		}
		if caller != line.Borrower && caller != line.Lender {
			return kerrors.Wrap(kerrors.KindPrecondition, "line close", errNotParty)
		}
		position, err := lockPosition(tx, lineID)
		if err != nil {
			return err
		}
		if position.PrincipalMicros != 0 || position.InterestMicros != 0 || position.FeesMicros != 0 {
			return kerrors.Newf(kerrors.KindPrecondition,
				"line %s has outstanding balances (principal=%d interest=%d fees=%d)",
				lineID, position.PrincipalMicros, position.InterestMicros, position.FeesMicros)
		}
		line.Status = storage.LineClosed
		if err := tx.Save(line).Error; err != nil {
			return fmt.Errorf("credit engine: persist close: %w", err)
		}

		r, err := e.seal(tx, receipt.KindCL, requestHash, map[string]any{
			"action":         "close",
			"line_id":        lineID,
			"status":         storage.LineClosed,
			"fee_usd_micros": int64(0),
		})
		if err != nil {
			return err
		}
		if err := appendEvent(tx, lineID, EventClose, requestHash, r, eventDeltas{}); err != nil {
			return err
		}
		out = &Result{Receipt: r, Line: line, Position: position, FeeCharged: 0}
		return nil
	})
	if err != nil {
		return e.replayOnConflict(ctx, requestHash, err)
	}
	return out, nil
}

// Get returns the line and its position.
func (e *Engine) Get(ctx context.Context, lineID string) (*storage.CreditLine, *storage.CreditPosition, error) {
	var line storage.CreditLine
	err := e.db.WithContext(ctx).First(&line, "id = ?", lineID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, kerrors.Newf(kerrors.KindNotFound, "credit line %s not found", lineID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("credit engine: load line: %w", err)
	}
	position, err := loadPosition(e.db.WithContext(ctx), lineID)
	if err != nil {
		return nil, nil, err
	}
	return &line, position, nil
}

// replay returns the stored result when requestHash was already executed.
// The fee on a replay is always zero; the snapshot reflects current state.
func (e *Engine) replay(ctx context.Context, requestHash string) (*Result, error) {
	if requestHash == "" {
		return nil, kerrors.New(kerrors.KindPrecondition, "request_hash is required")
	}
	var event storage.CreditEvent
	err := e.db.WithContext(ctx).First(&event, "request_hash = ?", requestHash).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("credit engine: replay lookup: %w", err)
	}
	r, err := receipt.Load(e.db.WithContext(ctx), event.ReceiptHash)
	if err != nil {
		return nil, fmt.Errorf("credit engine: load replay receipt: %w", err)
	}
	out := &Result{Receipt: r, FeeCharged: 0, Replayed: true}
	if event.CreditLineID != "" {
		line, position, err := e.Get(ctx, event.CreditLineID)
		if err != nil {
			return nil, err
		}
		out.Line = line
		out.Position = position
	}
	return out, nil
}

// replayOnConflict converts a duplicate request_hash insertion race into the
// replay path: the losing transaction rolls back and the stored receipt is
// served, so concurrent duplicates yield exactly one execution and one
// response.
func (e *Engine) replayOnConflict(ctx context.Context, requestHash string, cause error) (*Result, error) {
	if !errors.Is(cause, gorm.ErrDuplicatedKey) {
		return nil, cause
	}
	replay, err := e.replay(ctx, requestHash)
	if err != nil || replay == nil {
		return nil, cause
	}
	return replay, nil
}

func (e *Engine) seal(tx *gorm.DB, kind, requestHash string, fields map[string]any) (receipt.Receipt, error) {
	r, err := e.signer.Issue(kind, requestHash, fields)
	if err != nil {
		return nil, fmt.Errorf("credit engine: issue receipt: %w", err)
	}
	if err := receipt.SaveTx(tx, r); err != nil {
		return nil, err
	}
	return r, nil
}

type eventDeltas struct {
	principal int64
	interest  int64
	fees      int64
	fee       int64
}

func appendEvent(tx *gorm.DB, lineID, eventType, requestHash string, r receipt.Receipt, d eventDeltas) error {
	payload, err := r.CanonicalJSON()
	if err != nil {
		return err
	}
	event := storage.CreditEvent{
		ID:             uuid.NewString(),
		CreditLineID:   lineID,
		EventType:      eventType,
		Payload:        string(payload),
		RequestHash:    requestHash,
		ReceiptHash:    r.Hash(),
		DeltaPrincipal: d.principal,
		DeltaInterest:  d.interest,
		DeltaFees:      d.fees,
		FeeCharged:     d.fee,
	}
	if err := tx.Create(&event).Error; err != nil {
		return fmt.Errorf("credit engine: append event: %w", err)
	}
	return nil
}

func lockLine(tx *gorm.DB, lineID string) (*storage.CreditLine, error) {
	var line storage.CreditLine
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&line, "id = ?", lineID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, kerrors.Newf(kerrors.KindNotFound, "credit line %s not found", lineID)
	}
	if err != nil {
		return nil, fmt.Errorf("credit engine: lock line: %w", err)
	}
	return &line, nil
}

func lockPosition(tx *gorm.DB, lineID string) (*storage.CreditPosition, error) {
	var position storage.CreditPosition
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&position, "credit_line_id = ?", lineID).Error
	if err != nil {
		return nil, fmt.Errorf("credit engine: lock position: %w", err)
	}
	return &position, nil
}

func loadPosition(tx *gorm.DB, lineID string) (*storage.CreditPosition, error) {
	var position storage.CreditPosition
	if err := tx.First(&position, "credit_line_id = ?", lineID).Error; err != nil {
		return nil, fmt.Errorf("credit engine: load position: %w", err)
	}
	return &position, nil
}

// deriveLineID names the line by its opening content, so the same open
// request can never create two lines.
func deriveLineID(p OpenParams, requestHash string) (string, error) {
	data, err := canonical.Canonicalize(map[string]any{
		"borrower":     p.Borrower,
		"lender":       p.Lender,
		"limit":        p.LimitUsdMicros,
		"request_hash": requestHash,
	})
	if err != nil {
		return "", kerrors.Wrap(kerrors.KindEncoding, "line id", err)
	}
	return crypto.Hash(data)[:32], nil
}
