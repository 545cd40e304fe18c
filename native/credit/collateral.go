package credit

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	kerrors "primordia/core/errors"
	"primordia/native/fees"
	"primordia/native/wallet"
	"primordia/receipt"
	"primordia/storage"
)

// LockCollateral pins an asset against a line. Flat $10 fee charged to the
// borrower.
func (e *Engine) LockCollateral(ctx context.Context, lineID, assetRef, assetType string, amount int64, requestHash string) (*Result, error) {
	if amount <= 0 {
		return nil, kerrors.New(kerrors.KindPrecondition, "collateral amount must be positive")
	}
	if assetRef == "" {
		return nil, kerrors.New(kerrors.KindPrecondition, "asset_ref is required")
	}
	if replay, err := e.replay(ctx, requestHash); err != nil || replay != nil {
		return replay, err
	}

	fee := fees.Quote(fees.OpCollateralLock)
	var out *Result
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		line, err := lockLine(tx, lineID)
		if err != nil {
			return err
		}
		if line.Status == storage.LineClosed || line.Status == storage.LineLiquidated {
			return kerrors.Wrap(kerrors.KindPrecondition, "collateral lock", errLineTerminal)
		}
		if _, err := wallet.DeductTx(tx, line.Borrower, fee, wallet.TxFee, "collateral_lock:"+lineID); err != nil {
			return err
		}
		lock := storage.CollateralLock{
			ID:              uuid.NewString(),
			CreditLineID:    lineID,
			AssetRef:        assetRef,
			AssetType:       assetType,
			AmountUsdMicros: amount,
			Status:          storage.CollateralLocked,
		}
		if err := tx.Create(&lock).Error; err != nil {
			return fmt.Errorf("credit engine: create lock: %w", err)
		}

		r, err := e.seal(tx, receipt.KindColl, requestHash, map[string]any{
			"action":            "lock",
			"line_id":           lineID,
			"lock_id":           lock.ID,
			"asset_ref":         assetRef,
			"asset_type":        assetType,
			"amount_usd_micros": amount,
			"fee_usd_micros":    fee,
		})
		if err != nil {
			return err
		}
		if err := appendEvent(tx, lineID, EventCollateral, requestHash, r, eventDeltas{fee: fee}); err != nil {
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

// UnlockCollateral releases a locked asset. Flat $10 fee charged to the
// borrower.
func (e *Engine) UnlockCollateral(ctx context.Context, lockID, requestHash string) (*Result, error) {
	if replay, err := e.replay(ctx, requestHash); err != nil || replay != nil {
		return replay, err
	}

	fee := fees.Quote(fees.OpCollateralUnlk)
	var out *Result
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var lock storage.CollateralLock
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&lock, "id = ?", lockID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return kerrors.Newf(kerrors.KindNotFound, "collateral lock %s not found", lockID)
		}
		if err != nil {
			return fmt.Errorf("credit engine: lock collateral row: %w", err)
		}
		if lock.Status != storage.CollateralLocked {
			return kerrors.Newf(kerrors.KindPrecondition, "collateral %s is %s, not locked", lockID, lock.Status)
		}
		line, err := lockLine(tx, lock.CreditLineID)
		if err != nil {
			return err
		}
		if _, err := wallet.DeductTx(tx, line.Borrower, fee, wallet.TxFee, "collateral_unlock:"+lockID); err != nil {
			return err
		}
		lock.Status = storage.CollateralUnlocked
		if err := tx.Save(&lock).Error; err != nil {
			return err
		}

		r, err := e.seal(tx, receipt.KindColl, requestHash, map[string]any{
			"action":            "unlock",
			"line_id":           lock.CreditLineID,
			"lock_id":           lock.ID,
			"asset_ref":         lock.AssetRef,
			"amount_usd_micros": lock.AmountUsdMicros,
			"fee_usd_micros":    fee,
		})
		if err != nil {
			return err
		}
		if err := appendEvent(tx, lock.CreditLineID, EventCollateral, requestHash, r, eventDeltas{fee: fee}); err != nil {
			return err
		}
		position, err := loadPosition(tx, lock.CreditLineID)
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

// LockInfo loads one collateral lock without taking a row lock. The
// dispatcher uses it to resolve the fee payer before the unlock runs.
func (e *Engine) LockInfo(ctx context.Context, lockID string) (*storage.CollateralLock, error) {
	var lock storage.CollateralLock
	err := e.db.WithContext(ctx).First(&lock, "id = ?", lockID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, kerrors.Newf(kerrors.KindNotFound, "collateral lock %s not found", lockID)
	}
	if err != nil {
		return nil, fmt.Errorf("credit engine: load collateral lock: %w", err)
	}
	return &lock, nil
}

// Margin call actions.
const (
	MarginActionCall     = "call"
	MarginActionResolve  = "resolve"
	MarginActionEscalate = "escalate"
)

// MarginParams carries the action-specific inputs. CallID is required for
// resolve and escalate; RequiredUsdMicros and DueMS for call.
type MarginParams struct {
	Action            string
	CallID            string
	RequiredUsdMicros int64
	DueMS             int64
}

// Margin drives a margin call through its lifecycle. Flat $100 fee charged
// to the borrower for every action.
func (e *Engine) Margin(ctx context.Context, lineID string, p MarginParams, requestHash string) (*Result, error) {
	switch p.Action {
	case MarginActionCall:
		if p.RequiredUsdMicros <= 0 || p.DueMS <= 0 {
			return nil, kerrors.New(kerrors.KindPrecondition, "margin call requires amount and due time")
		}
	case MarginActionResolve, MarginActionEscalate:
		if p.CallID == "" {
			return nil, kerrors.New(kerrors.KindPrecondition, "margin action requires call_id")
		}
	default:
		return nil, kerrors.Newf(kerrors.KindPrecondition, "unknown margin action %q", p.Action)
	}
	if replay, err := e.replay(ctx, requestHash); err != nil || replay != nil {
		return replay, err
	}

	fee := fees.Quote(fees.OpMarginCall)
	var out *Result
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		line, err := lockLine(tx, lineID)
		if err != nil {
			return err
		}
		if line.Status == storage.LineClosed || line.Status == storage.LineLiquidated {
			return kerrors.Wrap(kerrors.KindPrecondition, "margin", errLineTerminal)
		}
		if _, err := wallet.DeductTx(tx, line.Borrower, fee, wallet.TxFee, "margin:"+lineID); err != nil {
			return err
		}

		fields := map[string]any{
			"action":         p.Action,
			"line_id":        lineID,
			"fee_usd_micros": fee,
		}
		switch p.Action {
		case MarginActionCall:
			call := storage.MarginCall{
				ID:                uuid.NewString(),
				CreditLineID:      lineID,
				RequiredUsdMicros: p.RequiredUsdMicros,
				DueMS:             p.DueMS,
				Status:            storage.MarginPending,
			}
			if err := tx.Create(&call).Error; err != nil {
				return fmt.Errorf("credit engine: create margin call: %w", err)
			}
			fields["call_id"] = call.ID
			fields["required_usd_micros"] = p.RequiredUsdMicros
			fields["due_ms"] = p.DueMS
		case MarginActionResolve:
			call, err := lockMarginCall(tx, p.CallID, lineID)
			if err != nil {
				return err
			}
			if call.Status != storage.MarginPending && call.Status != storage.MarginEscalated {
				return kerrors.Newf(kerrors.KindPrecondition, "margin call %s is %s", call.ID, call.Status)
			}
			resolved := e.signer.NowMS()
			call.Status = storage.MarginResolved
			call.ResolvedMS = &resolved
			if err := tx.Save(call).Error; err != nil {
				return err
			}
			fields["call_id"] = call.ID
			fields["resolved_ms"] = resolved
		case MarginActionEscalate:
			call, err := lockMarginCall(tx, p.CallID, lineID)
			if err != nil {
				return err
			}
			if call.Status != storage.MarginPending {
				return kerrors.Newf(kerrors.KindPrecondition, "only pending calls escalate, %s is %s", call.ID, call.Status)
			}
			call.Status = storage.MarginEscalated
			if err := tx.Save(call).Error; err != nil {
				return err
			}
			fields["call_id"] = call.ID
		}

		r, err := e.seal(tx, receipt.KindMargin, requestHash, fields)
		if err != nil {
			return err
		}
		if err := appendEvent(tx, lineID, EventMargin, requestHash, r, eventDeltas{fee: fee}); err != nil {
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

func lockMarginCall(tx *gorm.DB, callID, lineID string) (*storage.MarginCall, error) {
	var call storage.MarginCall
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&call, "id = ? AND credit_line_id = ?", callID, lineID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, kerrors.Newf(kerrors.KindNotFound, "margin call %s not found", callID)
	}
	if err != nil {
		return nil, fmt.Errorf("credit engine: lock margin call: %w", err)
	}
	return &call, nil
}
