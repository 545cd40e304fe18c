package credit

import (
	"context"
	"math/big"

	"gorm.io/gorm"

	kerrors "primordia/core/errors"
	"primordia/native/fees"
	"primordia/native/wallet"
	"primordia/receipt"
	"primordia/storage"
)

// Draw advances funds against an active line. The caller must be the
// borrower and the post-draw principal may not exceed the limit; a draw of
// exactly the remaining headroom succeeds. Fee: 10 bps, $10 minimum.
func (e *Engine) Draw(ctx context.Context, lineID, caller string, amount int64, requestHash string) (*Result, error) {
	if amount <= 0 {
		return nil, kerrors.New(kerrors.KindPrecondition, "draw amount must be positive")
	}
	if replay, err := e.replay(ctx, requestHash); err != nil || replay != nil {
		return replay, err
	}

	fee := fees.Draw(amount)
	var out *Result
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		line, err := lockLine(tx, lineID)
		if err != nil {
			return err
		}
		if line.Status != storage.LineActive {
			return kerrors.Wrap(kerrors.KindPrecondition, "draw", errLineInactive)
		}
		if caller != line.Borrower {
			return kerrors.Wrap(kerrors.KindPrecondition, "draw", errNotBorrower)
		}
		position, err := lockPosition(tx, lineID)
		if err != nil {
			return err
		}
		if amount > line.LimitUsdMicros-position.PrincipalMicros {
			return kerrors.Newf(kerrors.KindPrecondition,
				"draw %d exceeds remaining headroom %d", amount, line.LimitUsdMicros-position.PrincipalMicros)
		}
		if _, err := wallet.DeductTx(tx, caller, fee, wallet.TxFee, "draw:"+lineID); err != nil {
			return err
		}
		position.PrincipalMicros += amount
		if err := tx.Save(position).Error; err != nil {
			return err
		}

		r, err := e.seal(tx, receipt.KindDraw, requestHash, map[string]any{
			"line_id":               lineID,
			"borrower":              caller,
			"amount_usd_micros":     amount,
			"principal_usd_micros":  position.PrincipalMicros,
			"fee_usd_micros":        fee,
		})
		if err != nil {
			return err
		}
		if err := appendEvent(tx, lineID, EventDraw, requestHash, r, eventDeltas{principal: amount, fee: fee}); err != nil {
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

// RepayParams are the requested repayment amounts per bucket. Each is
// clamped to the outstanding balance of its bucket.
type RepayParams struct {
	PrincipalUsdMicros int64
	InterestUsdMicros  int64
	FeesUsdMicros      int64
}

// Repay reduces the position. Zero-amount repays are no-ops that still emit
// a receipt. No operational fee.
func (e *Engine) Repay(ctx context.Context, lineID, caller string, p RepayParams, requestHash string) (*Result, error) {
	if p.PrincipalUsdMicros < 0 || p.InterestUsdMicros < 0 || p.FeesUsdMicros < 0 {
		return nil, kerrors.New(kerrors.KindPrecondition, "repay amounts cannot be negative")
	}
	if replay, err := e.replay(ctx, requestHash); err != nil || replay != nil {
		return replay, err
	}

	var out *Result
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		line, err := lockLine(tx, lineID)
		if err != nil {
			return err
		}
		if caller != line.Borrower {
			return kerrors.Wrap(kerrors.KindPrecondition, "repay", errNotBorrower)
		}
		position, err := lockPosition(tx, lineID)
		if err != nil {
			return err
		}

		repayFees := minInt64(p.FeesUsdMicros, position.FeesMicros)
		repayInterest := minInt64(p.InterestUsdMicros, position.InterestMicros)
		repayPrincipal := minInt64(p.PrincipalUsdMicros, position.PrincipalMicros)
		position.FeesMicros -= repayFees
		position.InterestMicros -= repayInterest
		position.PrincipalMicros -= repayPrincipal
		if err := tx.Save(position).Error; err != nil {
			return err
		}

		r, err := e.seal(tx, receipt.KindRepay, requestHash, map[string]any{
			"line_id":                 lineID,
			"borrower":                caller,
			"principal_usd_micros":    repayPrincipal,
			"interest_usd_micros":     repayInterest,
			"fees_usd_micros":         repayFees,
			"remaining_principal":     position.PrincipalMicros,
			"remaining_interest":      position.InterestMicros,
			"remaining_fees":          position.FeesMicros,
			"fee_usd_micros":          int64(0),
		})
		if err != nil {
			return err
		}
		deltas := eventDeltas{principal: -repayPrincipal, interest: -repayInterest, fees: -repayFees}
		if err := appendEvent(tx, lineID, EventRepay, requestHash, r, deltas); err != nil {
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

// AccrueInterest books simple interest for a settlement window:
// floor(principal x spread_bps / 10_000 x days / 365). One accrual per
// window is the caller's responsibility via distinct request hashes. Flat
// $1 fee charged to the borrower.
func (e *Engine) AccrueInterest(ctx context.Context, lineID, windowID string, days int64, requestHash string) (*Result, error) {
	if days <= 0 {
		days = 30
	}
	if replay, err := e.replay(ctx, requestHash); err != nil || replay != nil {
		return replay, err
	}

	fee := fees.Quote(fees.OpInterestAccrue)
	var out *Result
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		line, err := lockLine(tx, lineID)
		if err != nil {
			return err
		}
		if line.Status != storage.LineActive {
			return kerrors.Wrap(kerrors.KindPrecondition, "interest accrue", errLineInactive)
		}
		position, err := lockPosition(tx, lineID)
		if err != nil {
			return err
		}
		if _, err := wallet.DeductTx(tx, line.Borrower, fee, wallet.TxFee, "accrue:"+lineID); err != nil {
			return err
		}

		interest, err := accruedInterest(position.PrincipalMicros, line.SpreadBps, days)
		if err != nil {
			return err
		}
		position.InterestMicros += interest
		position.LastAccrualMS = e.signer.NowMS()
		position.LastAccrualWindow = windowID
		if err := tx.Save(position).Error; err != nil {
			return err
		}

		r, err := e.seal(tx, receipt.KindIAR, requestHash, map[string]any{
			"line_id":              lineID,
			"window_id":            windowID,
			"principal_usd_micros": position.PrincipalMicros,
			"spread_bps":           line.SpreadBps,
			"days":                 days,
			"interest_usd_micros":  interest,
			"fee_usd_micros":       fee,
		})
		if err != nil {
			return err
		}
		if err := appendEvent(tx, lineID, EventAccrue, requestHash, r, eventDeltas{interest: interest, fee: fee}); err != nil {
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

// Fee types accepted by ApplyFee.
var feeTypes = map[string]bool{
	"origination": true,
	"late":        true,
	"maintenance": true,
	"other":       true,
}

// ApplyFee adds a charge to the position's fee bucket. Flat $1 operational
// fee charged to the borrower.
func (e *Engine) ApplyFee(ctx context.Context, lineID string, amount int64, feeType, reason, requestHash string) (*Result, error) {
	if amount <= 0 {
		return nil, kerrors.New(kerrors.KindPrecondition, "fee amount must be positive")
	}
	if !feeTypes[feeType] {
		return nil, kerrors.Newf(kerrors.KindPrecondition, "unknown fee type %q", feeType)
	}
	if replay, err := e.replay(ctx, requestHash); err != nil || replay != nil {
		return replay, err
	}

	fee := fees.Quote(fees.OpFeeApply)
	var out *Result
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		line, err := lockLine(tx, lineID)
		if err != nil {
			return err
		}
		if line.Status == storage.LineClosed || line.Status == storage.LineLiquidated {
			return kerrors.Wrap(kerrors.KindPrecondition, "fee apply", errLineTerminal)
		}
		position, err := lockPosition(tx, lineID)
		if err != nil {
			return err
		}
		if _, err := wallet.DeductTx(tx, line.Borrower, fee, wallet.TxFee, "fee_apply:"+lineID); err != nil {
			return err
		}
		position.FeesMicros += amount
		if err := tx.Save(position).Error; err != nil {
			return err
		}

		r, err := e.seal(tx, receipt.KindFee, requestHash, map[string]any{
			"line_id":           lineID,
			"fee_type":          feeType,
			"reason":            reason,
			"amount_usd_micros": amount,
			"fees_usd_micros":   position.FeesMicros,
			"fee_usd_micros":    fee,
		})
		if err != nil {
			return err
		}
		if err := appendEvent(tx, lineID, EventFeeApply, requestHash, r, eventDeltas{fees: amount, fee: fee}); err != nil {
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

// accruedInterest computes floor(principal x spread_bps x days / 3_650_000).
// The triple product can exceed int64 for principals near the canonical
// integer ceiling, so the intermediate runs at arbitrary precision; a result
// that still does not fit is rejected rather than wrapped.
func accruedInterest(principalMicros, spreadBps, days int64) (int64, error) {
	interest := new(big.Int).Mul(big.NewInt(principalMicros), big.NewInt(spreadBps))
	interest.Mul(interest, big.NewInt(days))
	interest.Quo(interest, big.NewInt(10_000*365))
	if !interest.IsInt64() {
		return 0, kerrors.Newf(kerrors.KindPrecondition,
			"accrued interest %s exceeds the representable range", interest.String())
	}
	return interest.Int64(), nil
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
